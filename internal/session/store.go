package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists sessions. Status transitions are conditional at the store
// boundary: the Mark* methods mutate only when the current status allows the
// transition and report whether this call performed it, so racing callers
// cannot both observe a non-terminal session and both settle it.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// ListForUser returns sessions where the user is host, invited, or
	// accepted, optionally filtered by status.
	ListForUser(ctx context.Context, userID string, statuses []Status) ([]Session, error)
	// ListCommitted returns scheduled/live sessions where the user is host or
	// an accepted participant; merely invited sessions do not block time.
	ListCommitted(ctx context.Context, userID string) ([]Session, error)
	// AddAccepted appends the user to the accepted set when invited, not yet
	// accepted, and the session is not terminal. Reports whether it appended.
	AddAccepted(ctx context.Context, id, userID string) (Session, bool, error)
	// RemoveUser drops the user from both the invited and accepted sets.
	RemoveUser(ctx context.Context, id, userID string) (Session, error)
	// MarkLive transitions scheduled -> live, stamping ActualStart if unset.
	MarkLive(ctx context.Context, id string, actualStart time.Time) (Session, bool, error)
	// MarkCancelled transitions scheduled -> cancelled.
	MarkCancelled(ctx context.Context, id string) (Session, bool, error)
	// MarkEnded transitions any non-terminal status to ended, stamping
	// ActualEnd and defaulting ActualStart to fallbackStart when never set.
	MarkEnded(ctx context.Context, id string, fallbackStart, actualEnd time.Time) (Session, bool, error)
	// ListDue returns non-terminal sessions whose scheduled start has passed.
	ListDue(ctx context.Context, now time.Time) ([]Session, error)
	// PurgeCancelled deletes cancelled sessions with no acceptances created
	// before the cutoff. Ended sessions are never deleted.
	PurgeCancelled(ctx context.Context, before time.Time) (int, error)
	CountActive(ctx context.Context) (int, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// InMemoryStore is a mutex-guarded store for local/dev use and tests. The
// single lock gives every conditional mutation the same atomicity the
// Postgres store gets from guarded UPDATE statements.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

func (s *InMemoryStore) Create(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = clone(&sess)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *clone(sess), nil
}

func (s *InMemoryStore) ListForUser(_ context.Context, userID string, statuses []Status) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.HostID != userID && !sess.IsInvited(userID) && !sess.IsAccepted(userID) {
			continue
		}
		if len(statuses) > 0 && !statusIn(sess.Status, statuses) {
			continue
		}
		out = append(out, *clone(sess))
	}
	sortByStart(out)
	return out, nil
}

func (s *InMemoryStore) ListCommitted(_ context.Context, userID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Status != StatusScheduled && sess.Status != StatusLive {
			continue
		}
		if sess.HostID != userID && !sess.IsAccepted(userID) {
			continue
		}
		out = append(out, *clone(sess))
	}
	sortByStart(out)
	return out, nil
}

func (s *InMemoryStore) AddAccepted(_ context.Context, id, userID string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false, ErrNotFound
	}
	if sess.Status.Terminal() || !sess.IsInvited(userID) || sess.IsAccepted(userID) {
		return *clone(sess), false, nil
	}
	sess.Accepted = append(sess.Accepted, userID)
	return *clone(sess), true, nil
}

func (s *InMemoryStore) RemoveUser(_ context.Context, id, userID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	sess.Invited = without(sess.Invited, userID)
	sess.Accepted = without(sess.Accepted, userID)
	return *clone(sess), nil
}

func (s *InMemoryStore) MarkLive(_ context.Context, id string, actualStart time.Time) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false, ErrNotFound
	}
	if sess.Status != StatusScheduled {
		return *clone(sess), false, nil
	}
	sess.Status = StatusLive
	if sess.ActualStart == nil {
		t := actualStart
		sess.ActualStart = &t
	}
	return *clone(sess), true, nil
}

func (s *InMemoryStore) MarkCancelled(_ context.Context, id string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false, ErrNotFound
	}
	if sess.Status != StatusScheduled {
		return *clone(sess), false, nil
	}
	sess.Status = StatusCancelled
	return *clone(sess), true, nil
}

func (s *InMemoryStore) MarkEnded(_ context.Context, id string, fallbackStart, actualEnd time.Time) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false, ErrNotFound
	}
	if sess.Status.Terminal() {
		return *clone(sess), false, nil
	}
	sess.Status = StatusEnded
	if sess.ActualStart == nil {
		t := fallbackStart
		sess.ActualStart = &t
	}
	t := actualEnd
	sess.ActualEnd = &t
	return *clone(sess), true, nil
}

func (s *InMemoryStore) ListDue(_ context.Context, now time.Time) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Status.Terminal() {
			continue
		}
		if sess.ScheduledStart.After(now) {
			continue
		}
		out = append(out, *clone(sess))
	}
	sortByStart(out)
	return out, nil
}

func (s *InMemoryStore) PurgeCancelled(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, sess := range s.sessions {
		if sess.Status != StatusCancelled || len(sess.Accepted) > 0 {
			continue
		}
		if sess.CreatedAt.After(before) {
			continue
		}
		delete(s.sessions, id)
		purged++
	}
	return purged, nil
}

func (s *InMemoryStore) CountActive(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, sess := range s.sessions {
		if sess.Status == StatusScheduled || sess.Status == StatusLive {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) Close() error { return nil }

func clone(s *Session) *Session {
	c := *s
	c.Invited = append([]string(nil), s.Invited...)
	c.Accepted = append([]string(nil), s.Accepted...)
	if s.ActualStart != nil {
		t := *s.ActualStart
		c.ActualStart = &t
	}
	if s.ActualEnd != nil {
		t := *s.ActualEnd
		c.ActualEnd = &t
	}
	return &c
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func statusIn(status Status, statuses []Status) bool {
	for _, st := range statuses {
		if st == status {
			return true
		}
	}
	return false
}

func sortByStart(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].ScheduledStart.Before(sessions[j].ScheduledStart)
	})
}
