package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lmoretti/huddle/internal/observability"
)

var ErrInsufficientCredits = errors.New("insufficient credits")

// Service is the credit wallet plus transaction log. Every operation starts
// with a lazy reset check; there is no background replenishment timer.
type Service struct {
	store       Store
	initial     int
	resetPeriod time.Duration
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewService wires the ledger over a store. A nil now falls back to the wall
// clock; tests inject a fixed one.
func NewService(store Store, initialCredits int, resetPeriod time.Duration, metrics *observability.Metrics, now func() time.Time) *Service {
	if initialCredits <= 0 {
		initialCredits = 330
	}
	if resetPeriod <= 0 {
		resetPeriod = 7 * 24 * time.Hour
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:       store,
		initial:     initialCredits,
		resetPeriod: resetPeriod,
		metrics:     metrics,
		now:         now,
	}
}

// EnsureWallet creates the wallet on first use and applies any pending weekly
// reset. Hosting requires only that a wallet exists, so callers gating session
// creation use this directly.
func (s *Service) EnsureWallet(ctx context.Context, userID string) (Wallet, error) {
	return s.checkAndReset(ctx, userID)
}

func (s *Service) HasEnough(ctx context.Context, userID string, required int) (bool, error) {
	w, err := s.checkAndReset(ctx, userID)
	if err != nil {
		return false, err
	}
	return w.Balance >= required, nil
}

// Spend charges a participant for session time. The decrement is conditional
// at the store, so the balance can never go negative even under concurrent
// spends on the same wallet.
func (s *Service) Spend(ctx context.Context, userID, sessionID string, minutes int) (Wallet, error) {
	if minutes <= 0 {
		return Wallet{}, fmt.Errorf("spend minutes must be positive, got %d", minutes)
	}
	if _, err := s.checkAndReset(ctx, userID); err != nil {
		return Wallet{}, err
	}
	w, ok, err := s.store.AdjustBalance(ctx, userID, -minutes)
	if err != nil {
		return Wallet{}, err
	}
	if !ok {
		return w, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, minutes, w.Balance)
	}
	if err := s.append(ctx, Entry{
		UserID:       userID,
		SessionID:    sessionID,
		Kind:         KindSpend,
		Amount:       minutes,
		Actor:        ActorParticipant,
		BalanceAfter: w.Balance,
	}); err != nil {
		return w, err
	}
	return w, nil
}

// Earn credits a host for time delivered. Earning has no upper bound; only the
// weekly reset clamps the balance back to the limit.
func (s *Service) Earn(ctx context.Context, userID, sessionID string, minutes int) (Wallet, error) {
	if minutes <= 0 {
		return Wallet{}, fmt.Errorf("earn minutes must be positive, got %d", minutes)
	}
	if _, err := s.checkAndReset(ctx, userID); err != nil {
		return Wallet{}, err
	}
	w, ok, err := s.store.AdjustBalance(ctx, userID, minutes)
	if err != nil {
		return Wallet{}, err
	}
	if !ok {
		return Wallet{}, fmt.Errorf("earn rejected for user %s", userID)
	}
	if err := s.append(ctx, Entry{
		UserID:       userID,
		SessionID:    sessionID,
		Kind:         KindEarn,
		Amount:       minutes,
		Actor:        ActorHost,
		BalanceAfter: w.Balance,
	}); err != nil {
		return w, err
	}
	return w, nil
}

func (s *Service) Summary(ctx context.Context, userID string) (Summary, error) {
	w, err := s.checkAndReset(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	entries, err := s.store.ListEntries(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		UserID:      w.UserID,
		Balance:     w.Balance,
		WeeklyLimit: w.WeeklyLimit,
		NextReset:   w.NextReset,
	}
	for _, e := range entries {
		switch e.Kind {
		case KindEarn:
			sum.TotalEarned += e.Amount
		case KindSpend:
			sum.TotalSpent += e.Amount
		}
	}
	return sum, nil
}

func (s *Service) Entries(ctx context.Context, userID string) ([]Entry, error) {
	if _, err := s.checkAndReset(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, userID)
}

// checkAndReset is the lazy-evaluation gate every ledger operation runs first:
// create the wallet if absent, replenish if the weekly reset is due. Both
// paths are conditional store writes, so racing callers produce exactly one
// wallet and one reset entry.
func (s *Service) checkAndReset(ctx context.Context, userID string) (Wallet, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		now := s.now()
		w = Wallet{
			UserID:      userID,
			Balance:     s.initial,
			WeeklyLimit: s.initial,
			LastReset:   now,
			NextReset:   now.Add(s.resetPeriod),
		}
		created, cerr := s.store.CreateWallet(ctx, w, Entry{
			ID:           uuid.NewString(),
			UserID:       userID,
			Kind:         KindReset,
			Amount:       s.initial,
			Actor:        ActorSystem,
			BalanceAfter: s.initial,
			CreatedAt:    now,
		})
		if cerr != nil {
			return Wallet{}, cerr
		}
		if created {
			s.observeEntry(KindReset)
			if s.metrics != nil {
				s.metrics.WalletResets.Inc()
			}
			return w, nil
		}
		// Lost the creation race; fall through with the winner's wallet.
		w, err = s.store.GetWallet(ctx, userID)
		if err != nil {
			return Wallet{}, err
		}
	} else if err != nil {
		return Wallet{}, err
	}

	now := s.now()
	if now.Before(w.NextReset) {
		return w, nil
	}
	w, applied, err := s.store.ResetIfDue(ctx, userID, now, now.Add(s.resetPeriod))
	if err != nil {
		return Wallet{}, err
	}
	if applied {
		if err := s.append(ctx, Entry{
			UserID:       userID,
			Kind:         KindReset,
			Amount:       w.WeeklyLimit,
			Actor:        ActorSystem,
			BalanceAfter: w.Balance,
		}); err != nil {
			return w, err
		}
		if s.metrics != nil {
			s.metrics.WalletResets.Inc()
		}
	}
	return w, nil
}

func (s *Service) append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if err := s.store.AppendEntry(ctx, e); err != nil {
		return err
	}
	s.observeEntry(e.Kind)
	return nil
}

func (s *Service) observeEntry(kind EntryKind) {
	if s.metrics != nil {
		s.metrics.LedgerEntries.WithLabelValues(string(kind)).Inc()
	}
}
