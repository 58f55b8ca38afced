package notify

// Notification kinds emitted by the engine.
const (
	KindInvite          = "session_invite"
	KindInviteAccepted  = "invite_accepted"
	KindInviteDeclined  = "invite_declined"
	KindParticipantLeft = "participant_left"
	KindStarted         = "session_started"
	KindLive            = "session_live"
	KindCancelled       = "session_cancelled"
	KindEnded           = "session_ended"
)

// Notification is a single message addressed to one user. Engine operations
// return these as data; delivery is the caller's concern and is always
// fire-and-forget.
type Notification struct {
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// Notifier delivers notifications. Failures are swallowed by implementations;
// the engine never observes them.
type Notifier interface {
	Publish(n Notification)
}

// PublishAll fans a batch out to a notifier, tolerating a nil notifier.
func PublishAll(notifier Notifier, batch []Notification) {
	if notifier == nil {
		return
	}
	for _, n := range batch {
		notifier.Publish(n)
	}
}
