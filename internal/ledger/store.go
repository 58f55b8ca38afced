package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrWalletNotFound = errors.New("wallet not found")

// Store persists wallets and the append-only entry log. Balance mutations are
// conditional at the store boundary so concurrent callers cannot produce a
// negative balance or a lost update.
type Store interface {
	GetWallet(ctx context.Context, userID string) (Wallet, error)
	// CreateWallet inserts the wallet together with its initial reset entry.
	// Returns false when a wallet already exists for the user.
	CreateWallet(ctx context.Context, w Wallet, initial Entry) (bool, error)
	// ResetIfDue replenishes the wallet to its weekly limit only if
	// next_reset <= now. The returned bool reports whether this call applied
	// the reset; the returned wallet is current either way.
	ResetIfDue(ctx context.Context, userID string, now, nextReset time.Time) (Wallet, bool, error)
	// AdjustBalance atomically adds delta (which may be negative) and reports
	// false, without mutating, if the result would be negative.
	AdjustBalance(ctx context.Context, userID string, delta int) (Wallet, bool, error)
	AppendEntry(ctx context.Context, e Entry) error
	ListEntries(ctx context.Context, userID string) ([]Entry, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// InMemoryStore is a mutex-guarded store for local/dev use and tests. A single
// lock around each mutation gives it the same conditional-update semantics the
// Postgres store gets from guarded UPDATE statements.
type InMemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]Wallet
	entries map[string][]Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		wallets: make(map[string]Wallet),
		entries: make(map[string][]Entry),
	}
}

func (s *InMemoryStore) GetWallet(_ context.Context, userID string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[userID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (s *InMemoryStore) CreateWallet(_ context.Context, w Wallet, initial Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.UserID]; ok {
		return false, nil
	}
	s.wallets[w.UserID] = w
	s.entries[w.UserID] = append(s.entries[w.UserID], initial)
	return true, nil
}

func (s *InMemoryStore) ResetIfDue(_ context.Context, userID string, now, nextReset time.Time) (Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return Wallet{}, false, ErrWalletNotFound
	}
	if now.Before(w.NextReset) {
		return w, false, nil
	}
	w.Balance = w.WeeklyLimit
	w.LastReset = now
	w.NextReset = nextReset
	s.wallets[userID] = w
	return w, true, nil
}

func (s *InMemoryStore) AdjustBalance(_ context.Context, userID string, delta int) (Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return Wallet{}, false, ErrWalletNotFound
	}
	if w.Balance+delta < 0 {
		return w, false, nil
	}
	w.Balance += delta
	s.wallets[userID] = w
	return w, true, nil
}

func (s *InMemoryStore) AppendEntry(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.UserID] = append(s.entries[e.UserID], e)
	return nil
}

func (s *InMemoryStore) ListEntries(_ context.Context, userID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.entries[userID]
	out := make([]Entry, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
