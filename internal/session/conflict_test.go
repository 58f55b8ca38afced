package session

import (
	"context"
	"testing"
	"time"
)

func seedCommitted(t *testing.T, store *InMemoryStore, host string, start time.Time, minutes int, status Status, accepted ...string) Session {
	t.Helper()
	sess := Session{
		ID:              "sess-" + start.Format("150405"),
		HostID:          host,
		Invited:         append([]string(nil), accepted...),
		Accepted:        append([]string(nil), accepted...),
		ScheduledStart:  start,
		PlannedDuration: minutes,
		Status:          status,
		CreatedAt:       start.Add(-time.Hour),
	}
	if err := store.Create(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}

func TestHasConflictBufferedOverlap(t *testing.T) {
	store := NewInMemoryStore()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	// Session occupies 10:00-10:45, buffered 09:55-10:50.
	seedCommitted(t, store, "u1", day.Add(10*time.Hour), 45, StatusScheduled)

	d := NewDetector(store, 5*time.Minute)
	ctx := context.Background()

	conflict, err := d.HasConflict(ctx, "u1", day.Add(10*time.Hour+40*time.Minute), 45)
	if err != nil {
		t.Fatalf("HasConflict() error = %v", err)
	}
	if !conflict {
		t.Fatalf("10:40-11:25 should conflict with buffered 09:55-10:50")
	}

	conflict, err = d.HasConflict(ctx, "u1", day.Add(11*time.Hour), 45)
	if err != nil {
		t.Fatalf("HasConflict() error = %v", err)
	}
	if conflict {
		t.Fatalf("11:00-11:45 should not conflict with buffered 09:55-10:50")
	}
}

func TestHasConflictIgnoresPendingInvites(t *testing.T) {
	store := NewInMemoryStore()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	sess := Session{
		ID:              "sess-invited",
		HostID:          "someone-else",
		Invited:         []string{"u1"},
		Accepted:        []string{},
		ScheduledStart:  day.Add(10 * time.Hour),
		PlannedDuration: 60,
		Status:          StatusScheduled,
	}
	if err := store.Create(context.Background(), sess); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := NewDetector(store, 5*time.Minute)
	conflict, err := d.HasConflict(context.Background(), "u1", day.Add(10*time.Hour), 60)
	if err != nil {
		t.Fatalf("HasConflict() error = %v", err)
	}
	if conflict {
		t.Fatalf("an un-accepted invite must not block the calendar")
	}
}

func TestHasConflictStatusScope(t *testing.T) {
	store := NewInMemoryStore()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	// Ended at 07:00-08:00, live at 10:00-11:00: the candidates below each
	// overlap exactly one of them.
	seedCommitted(t, store, "u1", day.Add(7*time.Hour), 60, StatusEnded)
	seedCommitted(t, store, "u1", day.Add(10*time.Hour), 60, StatusLive)

	d := NewDetector(store, 5*time.Minute)
	ctx := context.Background()

	conflict, err := d.HasConflict(ctx, "u1", day.Add(7*time.Hour), 60)
	if err != nil {
		t.Fatalf("HasConflict() error = %v", err)
	}
	if conflict {
		t.Fatalf("an ended session must not block the calendar")
	}

	conflict, err = d.HasConflict(ctx, "u1", day.Add(10*time.Hour+30*time.Minute), 60)
	if err != nil {
		t.Fatalf("HasConflict() error = %v", err)
	}
	if !conflict {
		t.Fatalf("a live session must block the calendar")
	}

	conflict, err = d.HasConflict(ctx, "u1", day.Add(8*time.Hour+30*time.Minute), 60)
	if err != nil {
		t.Fatalf("HasConflict() error = %v", err)
	}
	if conflict {
		t.Fatalf("08:30-09:30 overlaps neither buffered interval")
	}
}
