package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/lmoretti/huddle/internal/config"
	"github.com/lmoretti/huddle/internal/httpapi"
	"github.com/lmoretti/huddle/internal/ledger"
	"github.com/lmoretti/huddle/internal/notify"
	"github.com/lmoretti/huddle/internal/observability"
	"github.com/lmoretti/huddle/internal/session"
	"github.com/lmoretti/huddle/internal/settlement"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Service
	Wallets  *ledger.Service
	Engine   *settlement.Engine
	Sync     *settlement.LazySync
	Sweeper  *settlement.Sweeper
	Hub      *notify.Hub
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the whole engine. An empty DatabaseURL selects the in-memory
// stores; anything else opens Postgres pools.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ledgerStore, err := ledger.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("ledger store init failed: %w", err)
	}
	sessionStore, err := session.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = ledgerStore.Close()
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	wallets := ledger.NewService(ledgerStore, cfg.InitialCredits, cfg.ResetPeriod, metrics, nil)
	sessions := session.NewService(sessionStore, wallets, session.Rules{
		MinDurationMinutes: cfg.MinDurationMinutes,
		MaxDurationMinutes: cfg.MaxDurationMinutes,
		MaxInvitees:        cfg.MaxInvitees,
		ConflictBuffer:     cfg.ConflictBuffer,
		EligibilityRate:    cfg.EligibilityRate,
		JoinEarlyWindow:    cfg.JoinEarlyWindow,
	}, metrics, nil)

	engine := settlement.NewEngine(sessionStore, wallets, metrics, nil)
	lazySync := settlement.NewLazySync(engine, sessionStore, metrics, nil)
	hub := notify.NewHub(metrics)
	sweeper := settlement.NewSweeper(lazySync, sessionStore, hub, cfg.CancelledRetention, nil)

	api := httpapi.New(cfg, sessions, wallets, engine, lazySync, hub, metrics)

	cleanup := func() error {
		var errs []string
		if err := sessionStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := ledgerStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Wallets:  wallets,
		Engine:   engine,
		Sync:     lazySync,
		Sweeper:  sweeper,
		Hub:      hub,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
