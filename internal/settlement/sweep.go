package settlement

import (
	"context"
	"log"
	"time"

	"github.com/lmoretti/huddle/internal/notify"
	"github.com/lmoretti/huddle/internal/session"
)

// Sweeper is the optional background counterpart to LazySync: on a fixed
// interval it reconciles every due session, so sessions nobody lists still
// settle. It also purges old cancelled sessions that gathered no acceptances.
// Ended sessions are never purged.
type Sweeper struct {
	sync      *LazySync
	sessions  session.Store
	notifier  notify.Notifier
	retention time.Duration
	now       func() time.Time
}

func NewSweeper(sync *LazySync, sessions session.Store, notifier notify.Notifier, retention time.Duration, now func() time.Time) *Sweeper {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		sync:      sync,
		sessions:  sessions,
		notifier:  notifier,
		retention: retention,
		now:       now,
	}
}

// Start launches the sweep loop. It stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.now()
	due, err := s.sessions.ListDue(ctx, now)
	if err != nil {
		log.Printf("sweep: list due sessions: %v", err)
		return
	}
	for _, sess := range due {
		_, notifications := s.sync.Reconcile(ctx, sess)
		notify.PublishAll(s.notifier, notifications)
	}

	if s.retention > 0 {
		if purged, err := s.sessions.PurgeCancelled(ctx, now.Add(-s.retention)); err != nil {
			log.Printf("sweep: purge cancelled sessions: %v", err)
		} else if purged > 0 {
			log.Printf("sweep: purged %d cancelled sessions", purged)
		}
	}
}
