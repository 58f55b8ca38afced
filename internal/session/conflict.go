package session

import (
	"context"
	"time"
)

// Detector checks whether a candidate interval overlaps a user's committed
// sessions. Every interval, candidate included, is padded by the conflict
// buffer on both ends before the standard half-open intersection test.
type Detector struct {
	store  Store
	buffer time.Duration
}

func NewDetector(store Store, buffer time.Duration) *Detector {
	if buffer < 0 {
		buffer = 0
	}
	return &Detector{store: store, buffer: buffer}
}

// HasConflict reports whether the candidate slot collides with any scheduled
// or live session the user hosts or has accepted. Pending invites never block.
func (d *Detector) HasConflict(ctx context.Context, userID string, start time.Time, durationMinutes int) (bool, error) {
	candStart := start.Add(-d.buffer)
	candEnd := start.Add(time.Duration(durationMinutes)*time.Minute + d.buffer)

	existing, err := d.store.ListCommitted(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, sess := range existing {
		exStart := sess.ScheduledStart.Add(-d.buffer)
		exEnd := sess.PlannedEnd().Add(d.buffer)
		if candStart.Before(exEnd) && candEnd.After(exStart) {
			return true, nil
		}
	}
	return false, nil
}
