package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(clk *testClock) *Service {
	return NewService(NewInMemoryStore(), 330, 7*24*time.Hour, nil, clk.Now)
}

func TestWalletCreatedLazily(t *testing.T) {
	clk := newTestClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc := newTestService(clk)
	ctx := context.Background()

	ok, err := svc.HasEnough(ctx, "u1", 100)
	if err != nil {
		t.Fatalf("HasEnough() error = %v", err)
	}
	if !ok {
		t.Fatalf("HasEnough() = false, want true for fresh wallet")
	}

	w, err := svc.EnsureWallet(ctx, "u1")
	if err != nil {
		t.Fatalf("EnsureWallet() error = %v", err)
	}
	if w.Balance != 330 || w.WeeklyLimit != 330 {
		t.Fatalf("wallet = %+v, want balance and limit 330", w)
	}
	if !w.NextReset.Equal(clk.Now().Add(7 * 24 * time.Hour)) {
		t.Fatalf("NextReset = %v, want now+7d", w.NextReset)
	}

	entries, err := svc.Entries(ctx, "u1")
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != KindReset || entries[0].Amount != 330 || entries[0].Actor != ActorSystem {
		t.Fatalf("initial entries = %+v, want one system reset of 330", entries)
	}
}

func TestSpendDecrementsAndRecords(t *testing.T) {
	clk := newTestClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc := newTestService(clk)
	ctx := context.Background()

	w, err := svc.Spend(ctx, "u1", "sess-1", 100)
	if err != nil {
		t.Fatalf("Spend() error = %v", err)
	}
	if w.Balance != 230 {
		t.Fatalf("balance = %d, want 230", w.Balance)
	}

	entries, _ := svc.Entries(ctx, "u1")
	var spends []Entry
	for _, e := range entries {
		if e.Kind == KindSpend {
			spends = append(spends, e)
		}
	}
	if len(spends) != 1 {
		t.Fatalf("spend entries = %d, want 1", len(spends))
	}
	e := spends[0]
	if e.Amount != 100 || e.Actor != ActorParticipant || e.SessionID != "sess-1" || e.BalanceAfter != 230 {
		t.Fatalf("spend entry = %+v", e)
	}
}

func TestSpendInsufficient(t *testing.T) {
	clk := newTestClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc := newTestService(clk)
	ctx := context.Background()

	if _, err := svc.Spend(ctx, "u1", "sess-1", 400); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("Spend() error = %v, want ErrInsufficientCredits", err)
	}

	w, _ := svc.EnsureWallet(ctx, "u1")
	if w.Balance != 330 {
		t.Fatalf("balance after failed spend = %d, want 330", w.Balance)
	}
	entries, _ := svc.Entries(ctx, "u1")
	for _, e := range entries {
		if e.Kind == KindSpend {
			t.Fatalf("failed spend left an entry: %+v", e)
		}
	}
}

func TestWeeklyResetOnNextAccess(t *testing.T) {
	clk := newTestClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc := newTestService(clk)
	ctx := context.Background()

	if _, err := svc.Spend(ctx, "u1", "sess-1", 100); err != nil {
		t.Fatalf("Spend() error = %v", err)
	}

	clk.Advance(7*24*time.Hour + time.Minute)

	w, err := svc.EnsureWallet(ctx, "u1")
	if err != nil {
		t.Fatalf("EnsureWallet() error = %v", err)
	}
	if w.Balance != 330 {
		t.Fatalf("balance after reset = %d, want 330", w.Balance)
	}
	if !w.NextReset.Equal(clk.Now().Add(7 * 24 * time.Hour)) {
		t.Fatalf("NextReset = %v, want now+7d", w.NextReset)
	}

	entries, _ := svc.Entries(ctx, "u1")
	resets := 0
	for _, e := range entries {
		if e.Kind == KindReset {
			resets++
		}
	}
	if resets != 2 {
		t.Fatalf("reset entries = %d, want 2 (initial + weekly)", resets)
	}

	// A second access in the same week must not reset again.
	if _, err := svc.EnsureWallet(ctx, "u1"); err != nil {
		t.Fatalf("EnsureWallet() error = %v", err)
	}
	entries, _ = svc.Entries(ctx, "u1")
	resets = 0
	for _, e := range entries {
		if e.Kind == KindReset {
			resets++
		}
	}
	if resets != 2 {
		t.Fatalf("reset entries after second access = %d, want 2", resets)
	}
}

func TestEarnIsUnboundedAboveLimit(t *testing.T) {
	clk := newTestClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc := newTestService(clk)
	ctx := context.Background()

	w, err := svc.Earn(ctx, "host-1", "sess-1", 60)
	if err != nil {
		t.Fatalf("Earn() error = %v", err)
	}
	if w.Balance != 390 {
		t.Fatalf("balance = %d, want 390 (earning banks above the weekly limit)", w.Balance)
	}

	// The next reset clamps back down to the limit.
	clk.Advance(7*24*time.Hour + time.Minute)
	w, _ = svc.EnsureWallet(ctx, "host-1")
	if w.Balance != 330 {
		t.Fatalf("balance after reset = %d, want 330", w.Balance)
	}
}

func TestSummaryAggregates(t *testing.T) {
	clk := newTestClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc := newTestService(clk)
	ctx := context.Background()

	if _, err := svc.Spend(ctx, "u1", "s1", 40); err != nil {
		t.Fatalf("Spend() error = %v", err)
	}
	if _, err := svc.Spend(ctx, "u1", "s2", 60); err != nil {
		t.Fatalf("Spend() error = %v", err)
	}
	if _, err := svc.Earn(ctx, "u1", "s3", 50); err != nil {
		t.Fatalf("Earn() error = %v", err)
	}

	sum, err := svc.Summary(ctx, "u1")
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.Balance != 280 || sum.TotalSpent != 100 || sum.TotalEarned != 50 || sum.WeeklyLimit != 330 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	clk := newTestClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc := newTestService(clk)
	ctx := context.Background()

	if _, err := svc.EnsureWallet(ctx, "u1"); err != nil {
		t.Fatalf("EnsureWallet() error = %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	succeeded := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Spend(ctx, "u1", "sess-1", 50); err == nil {
				succeeded <- 50
			}
		}()
	}
	wg.Wait()
	close(succeeded)

	total := 0
	for amt := range succeeded {
		total += amt
	}

	w, _ := svc.EnsureWallet(ctx, "u1")
	if w.Balance < 0 {
		t.Fatalf("balance went negative: %d", w.Balance)
	}
	if w.Balance != 330-total {
		t.Fatalf("balance = %d, want %d after %d spent", w.Balance, 330-total, total)
	}
	if total > 330 {
		t.Fatalf("overdraw: %d spent from a 330 wallet", total)
	}
}
