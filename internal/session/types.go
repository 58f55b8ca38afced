package session

import (
	"time"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// Session is a time-boxed meeting between a host and accepted participants.
// Accepted is always a subset of Invited. Status only moves forward:
// scheduled -> {live, cancelled}, live -> ended. ActualStart is set once the
// session becomes live (or at settlement, falling back to the scheduled
// start); ActualEnd is set exactly when the session ends.
type Session struct {
	ID              string     `json:"id"`
	HostID          string     `json:"host_id"`
	Invited         []string   `json:"invited"`
	Accepted        []string   `json:"accepted"`
	ScheduledStart  time.Time  `json:"scheduled_start"`
	PlannedDuration int        `json:"planned_duration_minutes"`
	ActualStart     *time.Time `json:"actual_start,omitempty"`
	ActualEnd       *time.Time `json:"actual_end,omitempty"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}

// PlannedEnd is the scheduled start plus the planned duration.
func (s Session) PlannedEnd() time.Time {
	return s.ScheduledStart.Add(time.Duration(s.PlannedDuration) * time.Minute)
}

func (s Session) IsInvited(userID string) bool {
	return contains(s.Invited, userID)
}

func (s Session) IsAccepted(userID string) bool {
	return contains(s.Accepted, userID)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
