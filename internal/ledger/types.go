package ledger

import "time"

// EntryKind is the accounting reason for a balance movement.
type EntryKind string

const (
	KindReset EntryKind = "reset"
	KindEarn  EntryKind = "earn"
	KindSpend EntryKind = "spend"
)

// ActorRole records on whose behalf an entry was posted.
type ActorRole string

const (
	ActorSystem      ActorRole = "system"
	ActorHost        ActorRole = "host"
	ActorParticipant ActorRole = "participant"
)

// Wallet is a user's time-credit balance. One per user, created lazily,
// never deleted. Balance is integer minutes and never negative.
type Wallet struct {
	UserID      string    `json:"user_id"`
	Balance     int       `json:"balance"`
	WeeklyLimit int       `json:"weekly_limit"`
	LastReset   time.Time `json:"last_reset"`
	NextReset   time.Time `json:"next_reset"`
}

// Entry is one immutable row of the append-only audit trail.
// BalanceAfter snapshots the wallet balance once the movement applied;
// for reset entries the pre-reset balance is the prior entry's BalanceAfter.
type Entry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Kind         EntryKind `json:"kind"`
	Amount       int       `json:"amount"`
	Actor        ActorRole `json:"actor"`
	BalanceAfter int       `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary aggregates a wallet and its entries for the API.
type Summary struct {
	UserID      string    `json:"user_id"`
	Balance     int       `json:"balance"`
	TotalEarned int       `json:"total_earned"`
	TotalSpent  int       `json:"total_spent"`
	WeeklyLimit int       `json:"weekly_limit"`
	NextReset   time.Time `json:"next_reset"`
}
