package settlement

import (
	"context"
	"log"
	"time"

	"github.com/lmoretti/huddle/internal/notify"
	"github.com/lmoretti/huddle/internal/observability"
	"github.com/lmoretti/huddle/internal/session"
)

// LazySync advances sessions based on wall-clock time whenever they are read:
// overdue sessions are terminated through the engine, started-but-unpromoted
// sessions go live. Store failures are swallowed so a read path never fails on
// reconciliation; a session nobody reads stays un-advanced until the sweeper
// (if enabled) visits it.
type LazySync struct {
	engine   *Engine
	sessions session.Store
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewLazySync(engine *Engine, sessions session.Store, metrics *observability.Metrics, now func() time.Time) *LazySync {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &LazySync{
		engine:   engine,
		sessions: sessions,
		metrics:  metrics,
		now:      now,
	}
}

// Reconcile returns the session as the caller should see it, plus any
// notifications produced by an advance. The input session is returned
// unchanged when nothing is due or the store is unavailable.
func (l *LazySync) Reconcile(ctx context.Context, sess session.Session) (session.Session, []notify.Notification) {
	if sess.Status.Terminal() {
		return sess, nil
	}
	now := l.now()

	if now.After(sess.PlannedEnd()) {
		res, err := l.engine.Terminate(ctx, sess.ID)
		if err != nil {
			log.Printf("lazy sync: terminate session %s: %v", sess.ID, err)
			return sess, nil
		}
		return res.Session, res.Notifications
	}

	if sess.Status == session.StatusScheduled && !now.Before(sess.ScheduledStart) {
		updated, promoted, err := l.sessions.MarkLive(ctx, sess.ID, now)
		if err != nil {
			log.Printf("lazy sync: promote session %s: %v", sess.ID, err)
			return sess, nil
		}
		if !promoted {
			return updated, nil
		}
		if l.metrics != nil {
			l.metrics.SessionEvents.WithLabelValues("promoted").Inc()
		}
		notifications := make([]notify.Notification, 0, len(updated.Accepted)+1)
		notifications = append(notifications, notify.Notification{
			Recipient: updated.HostID,
			Kind:      notify.KindLive,
			SessionID: updated.ID,
			Message:   "session is now live",
		})
		for _, p := range updated.Accepted {
			notifications = append(notifications, notify.Notification{
				Recipient: p,
				Kind:      notify.KindLive,
				SessionID: updated.ID,
				Message:   "session is now live",
			})
		}
		return updated, notifications
	}

	return sess, nil
}

// ReconcileAll applies Reconcile to each session in order and collects the
// produced notifications.
func (l *LazySync) ReconcileAll(ctx context.Context, sessions []session.Session) ([]session.Session, []notify.Notification) {
	out := make([]session.Session, 0, len(sessions))
	var notifications []notify.Notification
	for _, sess := range sessions {
		updated, batch := l.Reconcile(ctx, sess)
		out = append(out, updated)
		notifications = append(notifications, batch...)
	}
	return out, notifications
}
