package settlement

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/lmoretti/huddle/internal/ledger"
	"github.com/lmoretti/huddle/internal/notify"
	"github.com/lmoretti/huddle/internal/observability"
	"github.com/lmoretti/huddle/internal/session"
)

// Engine performs session termination: one terminal status transition plus
// one round of ledger postings, idempotent across every trigger (explicit host
// action, realtime channel, lazy sync, sweeper).
type Engine struct {
	sessions session.Store
	ledger   *ledger.Service
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewEngine(sessions session.Store, wallets *ledger.Service, metrics *observability.Metrics, now func() time.Time) *Engine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		sessions: sessions,
		ledger:   wallets,
		metrics:  metrics,
		now:      now,
	}
}

// Result reports a termination outcome. Settled is true only for the single
// call that performed the transition; redundant calls return the terminal
// session with Settled false and no notifications.
type Result struct {
	Session       session.Session       `json:"session"`
	Settled       bool                  `json:"settled"`
	Notifications []notify.Notification `json:"-"`
}

// EndAs is the host-facing entry point: it authorizes the caller before
// delegating to Terminate.
func (e *Engine) EndAs(ctx context.Context, userID, sessionID string) (Result, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if sess.HostID != userID {
		return Result{}, session.ErrNotHost
	}
	return e.Terminate(ctx, sessionID)
}

// Terminate ends a session and settles credits. Calling it N times, from any
// mix of triggers, produces exactly one ended transition and one posting
// round: the conditional MarkEnded write is the atomicity boundary, and only
// the caller that wins it posts to the ledger. Termination of an already
// terminal session is a successful no-op.
func (e *Engine) Terminate(ctx context.Context, sessionID string) (Result, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if sess.Status.Terminal() {
		e.observeNoop()
		return Result{Session: sess}, nil
	}

	updated, swapped, err := e.sessions.MarkEnded(ctx, sessionID, sess.ScheduledStart, e.now())
	if err != nil {
		return Result{}, fmt.Errorf("end session %s: %w", sessionID, err)
	}
	if !swapped {
		// Another trigger won the race and already settled.
		e.observeNoop()
		return Result{Session: updated}, nil
	}

	minutes := actualDurationMinutes(updated)

	// Each participant is charged independently; one failed charge never
	// blocks the others or the host's earning.
	for _, participant := range updated.Accepted {
		if _, err := e.ledger.Spend(ctx, participant, updated.ID, minutes); err != nil {
			log.Printf("settlement: charge %s for session %s failed: %v", participant, updated.ID, err)
			if e.metrics != nil {
				e.metrics.SettlementSpendFails.Inc()
			}
		}
	}

	// The host is paid for time delivered, not time successfully collected.
	if _, err := e.ledger.Earn(ctx, updated.HostID, updated.ID, minutes); err != nil {
		log.Printf("settlement: credit host %s for session %s failed: %v", updated.HostID, updated.ID, err)
	}

	if e.metrics != nil {
		e.metrics.SettlementRounds.Inc()
		e.metrics.SessionEvents.WithLabelValues("ended").Inc()
		if count, cerr := e.sessions.CountActive(ctx); cerr == nil {
			e.metrics.ActiveSessions.Set(float64(count))
		}
	}

	notifications := make([]notify.Notification, 0, len(updated.Accepted)+1)
	notifications = append(notifications, notify.Notification{
		Recipient: updated.HostID,
		Kind:      notify.KindEnded,
		SessionID: updated.ID,
		Message:   fmt.Sprintf("session ended, %d minutes settled", minutes),
	})
	for _, participant := range updated.Accepted {
		notifications = append(notifications, notify.Notification{
			Recipient: participant,
			Kind:      notify.KindEnded,
			SessionID: updated.ID,
			Message:   fmt.Sprintf("session ended, %d minutes charged", minutes),
		})
	}

	return Result{Session: updated, Settled: true, Notifications: notifications}, nil
}

func (e *Engine) observeNoop() {
	if e.metrics != nil {
		e.metrics.SettlementNoops.Inc()
	}
}

// actualDurationMinutes is the settled duration: actual end minus actual start
// (which MarkEnded backfills with the scheduled start for sessions that never
// formally started), rounded to whole minutes, never below one.
func actualDurationMinutes(sess session.Session) int {
	start := sess.ScheduledStart
	if sess.ActualStart != nil {
		start = *sess.ActualStart
	}
	end := start
	if sess.ActualEnd != nil {
		end = *sess.ActualEnd
	}
	minutes := int(math.Round(end.Sub(start).Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
