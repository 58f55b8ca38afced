package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/lmoretti/huddle/internal/ledger"
	"github.com/lmoretti/huddle/internal/notify"
	"github.com/lmoretti/huddle/internal/observability"
)

// Rules are the scheduling constraints enforced by the service.
type Rules struct {
	MinDurationMinutes int
	MaxDurationMinutes int
	MaxInvitees        int
	ConflictBuffer     time.Duration
	// EligibilityRate is the share of the planned duration a participant must
	// hold in credits before accepting an invite.
	EligibilityRate float64
	// JoinEarlyWindow rejects accepts made too far ahead of the start.
	JoinEarlyWindow time.Duration
}

func DefaultRules() Rules {
	return Rules{
		MinDurationMinutes: 45,
		MaxDurationMinutes: 75,
		MaxInvitees:        3,
		ConflictBuffer:     5 * time.Minute,
		EligibilityRate:    0.4,
		JoinEarlyWindow:    15 * time.Minute,
	}
}

// Service owns the canonical session status and every legal transition short
// of settlement. Callers never mutate status directly; they go through the
// operations here or through the settlement engine.
type Service struct {
	store     Store
	ledger    *ledger.Service
	conflicts *Detector
	rules     Rules
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewService(store Store, wallets *ledger.Service, rules Rules, metrics *observability.Metrics, now func() time.Time) *Service {
	if rules.MaxInvitees <= 0 {
		rules = DefaultRules()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:     store,
		ledger:    wallets,
		conflicts: NewDetector(store, rules.ConflictBuffer),
		rules:     rules,
		metrics:   metrics,
		now:       now,
	}
}

func (s *Service) Store() Store { return s.store }

// CreateRequest describes a new session. Invitees are kept in request order.
type CreateRequest struct {
	HostID          string    `json:"host_id"`
	ScheduledStart  time.Time `json:"scheduled_start"`
	DurationMinutes int       `json:"duration_minutes"`
	Invitees        []string  `json:"invitees"`
}

// Create schedules a session after the host passes the conflict check.
// Hosting has no cost, so only wallet existence is required of the host.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Session, []notify.Notification, error) {
	if err := s.validateCreate(req); err != nil {
		return Session{}, nil, err
	}

	conflict, err := s.conflicts.HasConflict(ctx, req.HostID, req.ScheduledStart, req.DurationMinutes)
	if err != nil {
		return Session{}, nil, err
	}
	if conflict {
		return Session{}, nil, fmt.Errorf("%w: host has an overlapping session", ErrConflict)
	}

	if _, err := s.ledger.EnsureWallet(ctx, req.HostID); err != nil {
		return Session{}, nil, err
	}

	sess := Session{
		ID:              uuid.NewString(),
		HostID:          req.HostID,
		Invited:         append([]string(nil), req.Invitees...),
		Accepted:        []string{},
		ScheduledStart:  req.ScheduledStart.UTC(),
		PlannedDuration: req.DurationMinutes,
		Status:          StatusScheduled,
		CreatedAt:       s.now(),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return Session{}, nil, err
	}
	s.observeEvent("created")
	s.refreshActiveGauge(ctx)

	notifications := make([]notify.Notification, 0, len(sess.Invited))
	for _, invitee := range sess.Invited {
		notifications = append(notifications, notify.Notification{
			Recipient: invitee,
			Kind:      notify.KindInvite,
			SessionID: sess.ID,
			Message:   fmt.Sprintf("you are invited to a session at %s", sess.ScheduledStart.Format(time.RFC3339)),
		})
	}
	return sess, notifications, nil
}

func (s *Service) validateCreate(req CreateRequest) error {
	if req.HostID == "" {
		return fmt.Errorf("%w: host id is required", ErrValidation)
	}
	if req.ScheduledStart.IsZero() {
		return fmt.Errorf("%w: scheduled start is required", ErrValidation)
	}
	if req.DurationMinutes < s.rules.MinDurationMinutes || req.DurationMinutes > s.rules.MaxDurationMinutes {
		return fmt.Errorf("%w: duration must be between %d and %d minutes",
			ErrValidation, s.rules.MinDurationMinutes, s.rules.MaxDurationMinutes)
	}
	if len(req.Invitees) == 0 {
		return fmt.Errorf("%w: at least one invitee is required", ErrValidation)
	}
	if len(req.Invitees) > s.rules.MaxInvitees {
		return fmt.Errorf("%w: at most %d invitees allowed", ErrValidation, s.rules.MaxInvitees)
	}
	seen := make(map[string]bool, len(req.Invitees))
	for _, id := range req.Invitees {
		if id == "" {
			return fmt.Errorf("%w: invitee id must not be empty", ErrValidation)
		}
		if id == req.HostID {
			return fmt.Errorf("%w: host cannot invite themselves", ErrValidation)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate invitee %s", ErrValidation, id)
		}
		seen[id] = true
	}
	return nil
}

// Respond accepts or declines an invite. Accepting requires the invite, a
// conflict-free calendar, enough credits for the eligibility share of the
// planned duration, and a start no more than the join window away.
func (s *Service) Respond(ctx context.Context, userID, sessionID string, accept bool) (Session, []notify.Notification, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	if sess.Status.Terminal() {
		return Session{}, nil, ErrTerminal
	}
	if !sess.IsInvited(userID) {
		return Session{}, nil, ErrNotParticipant
	}

	if !accept {
		updated, err := s.store.RemoveUser(ctx, sessionID, userID)
		if err != nil {
			return Session{}, nil, err
		}
		s.observeEvent("declined")
		return updated, []notify.Notification{{
			Recipient: sess.HostID,
			Kind:      notify.KindInviteDeclined,
			SessionID: sess.ID,
			Message:   fmt.Sprintf("%s declined the invite", userID),
		}}, nil
	}

	if sess.IsAccepted(userID) {
		return sess, nil, nil
	}
	if s.now().Before(sess.ScheduledStart.Add(-s.rules.JoinEarlyWindow)) {
		return Session{}, nil, fmt.Errorf("%w: joins open %s before start",
			ErrJoinTooEarly, s.rules.JoinEarlyWindow)
	}

	conflict, err := s.conflicts.HasConflict(ctx, userID, sess.ScheduledStart, sess.PlannedDuration)
	if err != nil {
		return Session{}, nil, err
	}
	if conflict {
		return Session{}, nil, fmt.Errorf("%w: participant has an overlapping session", ErrConflict)
	}

	required := s.eligibilityFor(sess.PlannedDuration)
	enough, err := s.ledger.HasEnough(ctx, userID, required)
	if err != nil {
		return Session{}, nil, err
	}
	if !enough {
		return Session{}, nil, fmt.Errorf("%w: need at least %d minutes of credit to accept",
			ledger.ErrInsufficientCredits, required)
	}

	updated, added, err := s.store.AddAccepted(ctx, sessionID, userID)
	if err != nil {
		return Session{}, nil, err
	}
	if !added {
		// A racing accept already added us, or the session just terminated.
		if updated.IsAccepted(userID) {
			return updated, nil, nil
		}
		return Session{}, nil, ErrTerminal
	}
	s.observeEvent("accepted")

	return updated, []notify.Notification{{
		Recipient: sess.HostID,
		Kind:      notify.KindInviteAccepted,
		SessionID: sess.ID,
		Message:   fmt.Sprintf("%s accepted the invite", userID),
	}}, nil
}

// eligibilityFor is the minimum balance required to accept: a fixed share of
// the planned duration, rounded down.
func (s *Service) eligibilityFor(durationMinutes int) int {
	return int(math.Floor(float64(durationMinutes) * s.rules.EligibilityRate))
}

// Start moves a scheduled session live. Host only.
func (s *Service) Start(ctx context.Context, userID, sessionID string) (Session, []notify.Notification, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	if sess.HostID != userID {
		return Session{}, nil, ErrNotHost
	}

	updated, started, err := s.store.MarkLive(ctx, sessionID, s.now())
	if err != nil {
		return Session{}, nil, err
	}
	if !started {
		if updated.Status.Terminal() {
			return Session{}, nil, ErrTerminal
		}
		return Session{}, nil, fmt.Errorf("%w: session is already %s", ErrIllegalTransition, updated.Status)
	}
	s.observeEvent("started")

	notifications := make([]notify.Notification, 0, len(updated.Accepted))
	for _, p := range updated.Accepted {
		notifications = append(notifications, notify.Notification{
			Recipient: p,
			Kind:      notify.KindStarted,
			SessionID: updated.ID,
			Message:   "your session has started",
		})
	}
	return updated, notifications, nil
}

// Cancel aborts a session that has not gone live. Host only.
func (s *Service) Cancel(ctx context.Context, userID, sessionID string) (Session, []notify.Notification, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	if sess.HostID != userID {
		return Session{}, nil, ErrNotHost
	}

	updated, cancelled, err := s.store.MarkCancelled(ctx, sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	if !cancelled {
		if updated.Status.Terminal() {
			return Session{}, nil, ErrTerminal
		}
		return Session{}, nil, fmt.Errorf("%w: cannot cancel a %s session", ErrIllegalTransition, updated.Status)
	}
	s.observeEvent("cancelled")
	s.refreshActiveGauge(ctx)

	notifications := make([]notify.Notification, 0, len(updated.Invited))
	for _, p := range updated.Invited {
		notifications = append(notifications, notify.Notification{
			Recipient: p,
			Kind:      notify.KindCancelled,
			SessionID: updated.ID,
			Message:   "the session was cancelled by the host",
		})
	}
	return updated, notifications, nil
}

// RemoveSelf lets an invited or accepted participant leave. Session status and
// the other participants are unaffected.
func (s *Service) RemoveSelf(ctx context.Context, userID, sessionID string) (Session, []notify.Notification, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	if sess.HostID == userID {
		return Session{}, nil, fmt.Errorf("%w: the host cannot leave their own session", ErrValidation)
	}
	if !sess.IsInvited(userID) && !sess.IsAccepted(userID) {
		return Session{}, nil, ErrNotParticipant
	}
	if sess.Status.Terminal() {
		return Session{}, nil, ErrTerminal
	}

	updated, err := s.store.RemoveUser(ctx, sessionID, userID)
	if err != nil {
		return Session{}, nil, err
	}
	s.observeEvent("left")

	return updated, []notify.Notification{{
		Recipient: sess.HostID,
		Kind:      notify.KindParticipantLeft,
		SessionID: sess.ID,
		Message:   fmt.Sprintf("%s left the session", userID),
	}}, nil
}

func (s *Service) Get(ctx context.Context, sessionID string) (Session, error) {
	return s.store.Get(ctx, sessionID)
}

func (s *Service) ListForUser(ctx context.Context, userID string, statuses []Status) ([]Session, error) {
	return s.store.ListForUser(ctx, userID, statuses)
}

func (s *Service) observeEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (s *Service) refreshActiveGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if count, err := s.store.CountActive(ctx); err == nil {
		s.metrics.ActiveSessions.Set(float64(count))
	}
}
