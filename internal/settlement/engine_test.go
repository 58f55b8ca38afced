package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lmoretti/huddle/internal/ledger"
	"github.com/lmoretti/huddle/internal/session"
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

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	clk      *testClock
	sessions session.Store
	wallets  *ledger.Service
	svc      *session.Service
	engine   *Engine
	sync     *LazySync
}

func newTestEnv(start time.Time) *testEnv {
	clk := newTestClock(start)
	sessions := session.NewInMemoryStore()
	wallets := ledger.NewService(ledger.NewInMemoryStore(), 330, 7*24*time.Hour, nil, clk.Now)
	svc := session.NewService(sessions, wallets, session.DefaultRules(), nil, clk.Now)
	engine := NewEngine(sessions, wallets, nil, clk.Now)
	return &testEnv{
		clk:      clk,
		sessions: sessions,
		wallets:  wallets,
		svc:      svc,
		engine:   engine,
		sync:     NewLazySync(engine, sessions, nil, clk.Now),
	}
}

// scheduleAndAccept creates a session starting ten minutes out and has every
// invitee accept it.
func (e *testEnv) scheduleAndAccept(t *testing.T, minutes int, invitees ...string) session.Session {
	t.Helper()
	sess, _, err := e.svc.Create(context.Background(), session.CreateRequest{
		HostID:          "host-1",
		ScheduledStart:  e.clk.Now().Add(10 * time.Minute),
		DurationMinutes: minutes,
		Invitees:        invitees,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, p := range invitees {
		if _, _, err := e.svc.Respond(context.Background(), p, sess.ID, true); err != nil {
			t.Fatalf("Respond(%s) error = %v", p, err)
		}
	}
	return sess
}

func (e *testEnv) countEntries(t *testing.T, userID string, kind ledger.EntryKind) (count, total int) {
	t.Helper()
	entries, err := e.wallets.Entries(context.Background(), userID)
	if err != nil {
		t.Fatalf("Entries(%s) error = %v", userID, err)
	}
	for _, entry := range entries {
		if entry.Kind == kind {
			count++
			total += entry.Amount
		}
	}
	return count, total
}

func TestTerminateSettlesOnce(t *testing.T) {
	env := newTestEnv(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sess := env.scheduleAndAccept(t, 60, "p1")

	env.clk.Set(sess.ScheduledStart)
	if _, _, err := env.svc.Start(context.Background(), "host-1", sess.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	env.clk.Set(sess.ScheduledStart.Add(40 * time.Minute))
	res, err := env.engine.Terminate(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if !res.Settled {
		t.Fatalf("first Terminate() should settle")
	}
	if res.Session.Status != session.StatusEnded {
		t.Fatalf("status = %q, want ended", res.Session.Status)
	}
	if res.Session.ActualEnd == nil || !res.Session.ActualEnd.Equal(env.clk.Now()) {
		t.Fatalf("ActualEnd = %v, want %v", res.Session.ActualEnd, env.clk.Now())
	}

	if count, total := env.countEntries(t, "p1", ledger.KindSpend); count != 1 || total != 40 {
		t.Fatalf("p1 spends = %d entries totalling %d, want one of 40", count, total)
	}
	if count, total := env.countEntries(t, "host-1", ledger.KindEarn); count != 1 || total != 40 {
		t.Fatalf("host earns = %d entries totalling %d, want one of 40", count, total)
	}

	// Redundant calls are successful no-ops with zero new postings.
	for i := 0; i < 3; i++ {
		res, err := env.engine.Terminate(context.Background(), sess.ID)
		if err != nil {
			t.Fatalf("redundant Terminate() error = %v", err)
		}
		if res.Settled {
			t.Fatalf("redundant Terminate() settled again")
		}
	}
	if count, _ := env.countEntries(t, "p1", ledger.KindSpend); count != 1 {
		t.Fatalf("p1 spend entries after redundant terminates = %d, want 1", count)
	}
	if count, _ := env.countEntries(t, "host-1", ledger.KindEarn); count != 1 {
		t.Fatalf("host earn entries after redundant terminates = %d, want 1", count)
	}
}

func TestTerminateConcurrent(t *testing.T) {
	env := newTestEnv(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sess := env.scheduleAndAccept(t, 60, "p1", "p2")

	env.clk.Set(sess.ScheduledStart)
	if _, _, err := env.svc.Start(context.Background(), "host-1", sess.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	env.clk.Set(sess.ScheduledStart.Add(60 * time.Minute))

	const callers = 8
	var wg sync.WaitGroup
	settled := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.engine.Terminate(context.Background(), sess.ID)
			if err != nil {
				t.Errorf("Terminate() error = %v", err)
				return
			}
			settled <- res.Settled
		}()
	}
	wg.Wait()
	close(settled)

	wins := 0
	for s := range settled {
		if s {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("settled wins = %d, want exactly 1", wins)
	}

	for _, p := range []string{"p1", "p2"} {
		if count, total := env.countEntries(t, p, ledger.KindSpend); count != 1 || total != 60 {
			t.Fatalf("%s spends = %d entries totalling %d, want one of 60", p, count, total)
		}
	}
	if count, total := env.countEntries(t, "host-1", ledger.KindEarn); count != 1 || total != 60 {
		t.Fatalf("host earns = %d entries totalling %d, want one of 60", count, total)
	}
}

func TestSettlementUsesActualDuration(t *testing.T) {
	env := newTestEnv(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	// Planned for 60 minutes at 09:10.
	sess := env.scheduleAndAccept(t, 60, "p1")

	// Host is ten minutes late and ends twenty minutes early.
	env.clk.Set(sess.ScheduledStart.Add(10 * time.Minute))
	if _, _, err := env.svc.Start(context.Background(), "host-1", sess.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	env.clk.Set(sess.ScheduledStart.Add(50 * time.Minute))

	res, err := env.engine.Terminate(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if !res.Settled {
		t.Fatalf("Terminate() should settle")
	}

	if _, total := env.countEntries(t, "p1", ledger.KindSpend); total != 40 {
		t.Fatalf("participant charged %d, want 40 (actual, not planned)", total)
	}
	if _, total := env.countEntries(t, "host-1", ledger.KindEarn); total != 40 {
		t.Fatalf("host earned %d, want 40 (actual, not planned)", total)
	}
}

func TestTerminateNeverStartedUsesScheduledStart(t *testing.T) {
	env := newTestEnv(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sess := env.scheduleAndAccept(t, 60, "p1")

	env.clk.Set(sess.ScheduledStart.Add(70 * time.Minute))
	res, err := env.engine.Terminate(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if res.Session.ActualStart == nil || !res.Session.ActualStart.Equal(sess.ScheduledStart) {
		t.Fatalf("ActualStart = %v, want scheduled start %v", res.Session.ActualStart, sess.ScheduledStart)
	}
	if _, total := env.countEntries(t, "p1", ledger.KindSpend); total != 70 {
		t.Fatalf("participant charged %d, want 70", total)
	}
}

func TestTerminateMinimumOneMinute(t *testing.T) {
	env := newTestEnv(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sess := env.scheduleAndAccept(t, 60, "p1")

	env.clk.Set(sess.ScheduledStart)
	if _, _, err := env.svc.Start(context.Background(), "host-1", sess.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Ended ten seconds in: still settles one minute.
	env.clk.Advance(10 * time.Second)
	if _, err := env.engine.Terminate(context.Background(), sess.ID); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if _, total := env.countEntries(t, "p1", ledger.KindSpend); total != 1 {
		t.Fatalf("participant charged %d, want 1", total)
	}
}

func TestTerminateSkipsBrokeParticipant(t *testing.T) {
	env := newTestEnv(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sess := env.scheduleAndAccept(t, 60, "p1", "p2")

	env.clk.Set(sess.ScheduledStart)
	if _, _, err := env.svc.Start(context.Background(), "host-1", sess.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// p1 spends almost everything elsewhere between accept and settlement.
	if _, err := env.wallets.Spend(context.Background(), "p1", "other", 300); err != nil {
		t.Fatalf("drain p1: %v", err)
	}

	env.clk.Set(sess.ScheduledStart.Add(60 * time.Minute))
	res, err := env.engine.Terminate(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if !res.Settled {
		t.Fatalf("Terminate() should settle despite a failed charge")
	}

	// p1's charge failed (30 < 60) and left no session spend entry.
	if count, total := env.countEntries(t, "p1", ledger.KindSpend); count != 1 || total != 300 {
		t.Fatalf("p1 spends = %d entries totalling %d, want only the drain", count, total)
	}
	// p2 and the host settle in full.
	if _, total := env.countEntries(t, "p2", ledger.KindSpend); total != 60 {
		t.Fatalf("p2 charged %d, want 60", total)
	}
	if _, total := env.countEntries(t, "host-1", ledger.KindEarn); total != 60 {
		t.Fatalf("host earned %d, want full 60 despite p1's failed charge", total)
	}
}

func TestEndAsAuthorization(t *testing.T) {
	env := newTestEnv(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sess := env.scheduleAndAccept(t, 60, "p1")

	if _, err := env.engine.EndAs(context.Background(), "p1", sess.ID); !errors.Is(err, session.ErrNotHost) {
		t.Fatalf("EndAs() by participant error = %v, want ErrNotHost", err)
	}

	env.clk.Set(sess.ScheduledStart.Add(30 * time.Minute))
	res, err := env.engine.EndAs(context.Background(), "host-1", sess.ID)
	if err != nil {
		t.Fatalf("EndAs() error = %v", err)
	}
	if !res.Settled {
		t.Fatalf("EndAs() by host should settle")
	}
}

func TestTerminateUnknownSession(t *testing.T) {
	env := newTestEnv(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if _, err := env.engine.Terminate(context.Background(), "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Terminate() error = %v, want ErrNotFound", err)
	}
}
