package observability

import (
	"testing"
)

func TestOpLatencyWindowSnapshot(t *testing.T) {
	w := NewOpLatencyWindow(4)
	for _, ms := range []float64{10, 20, 30, 40} {
		w.Observe("end_session", ms)
	}
	w.Observe("create_session", 5)

	snap := w.Snapshot()
	if snap.WindowSize != 4 {
		t.Fatalf("window size = %d, want 4", snap.WindowSize)
	}
	if len(snap.Ops) != 2 {
		t.Fatalf("ops = %d, want 2", len(snap.Ops))
	}
	// Sorted by op name.
	if snap.Ops[0].Op != "create_session" || snap.Ops[1].Op != "end_session" {
		t.Fatalf("op order = %q, %q", snap.Ops[0].Op, snap.Ops[1].Op)
	}

	end := snap.Ops[1]
	if end.Samples != 4 {
		t.Fatalf("samples = %d, want 4", end.Samples)
	}
	if end.LastMS != 40 {
		t.Fatalf("last = %v, want 40", end.LastMS)
	}
	if end.AvgMS != 25 {
		t.Fatalf("avg = %v, want 25", end.AvgMS)
	}
	if end.P50MS != 25 {
		t.Fatalf("p50 = %v, want 25", end.P50MS)
	}
}

func TestOpLatencyWindowWraps(t *testing.T) {
	w := NewOpLatencyWindow(2)
	w.Observe("op", 100)
	w.Observe("op", 200)
	w.Observe("op", 300)

	snap := w.Snapshot()
	if len(snap.Ops) != 1 {
		t.Fatalf("ops = %d, want 1", len(snap.Ops))
	}
	got := snap.Ops[0]
	if got.Samples != 2 {
		t.Fatalf("samples = %d, want 2 after wrap", got.Samples)
	}
	if got.AvgMS != 250 {
		t.Fatalf("avg = %v, want 250 (oldest sample evicted)", got.AvgMS)
	}
}

func TestOpLatencyWindowIgnoresBadInput(t *testing.T) {
	w := NewOpLatencyWindow(4)
	w.Observe("", 10)
	w.Observe("op", -1)
	if got := len(w.Snapshot().Ops); got != 0 {
		t.Fatalf("ops = %d, want 0", got)
	}

	w.Observe("op", 10)
	w.Reset()
	if got := len(w.Snapshot().Ops); got != 0 {
		t.Fatalf("ops after reset = %d, want 0", got)
	}
}
