package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists wallets and ledger entries in PostgreSQL. All balance
// mutations are single guarded UPDATE statements so they stay atomic relative
// to concurrent callers without application-level locks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*InMemoryStore)(nil)

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initLedgerSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initLedgerSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			user_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL CHECK (balance >= 0),
			weekly_limit INTEGER NOT NULL,
			last_reset TIMESTAMPTZ NOT NULL,
			next_reset TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			amount INTEGER NOT NULL,
			actor TEXT NOT NULL,
			balance_after INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created ON ledger_entries (user_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init ledger schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (Wallet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, balance, weekly_limit, last_reset, next_reset FROM wallets WHERE user_id=$1`,
		userID,
	)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w Wallet, initial Entry) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, weekly_limit, last_reset, next_reset)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO NOTHING`,
		w.UserID, w.Balance, w.WeeklyLimit, w.LastReset, w.NextReset,
	)
	if err != nil {
		return false, fmt.Errorf("insert wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertEntry(ctx, tx, initial); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ResetIfDue(ctx context.Context, userID string, now, nextReset time.Time) (Wallet, bool, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE wallets SET balance=weekly_limit, last_reset=$2, next_reset=$3
		  WHERE user_id=$1 AND next_reset <= $2
		 RETURNING user_id, balance, weekly_limit, last_reset, next_reset`,
		userID, now, nextReset,
	)
	w, err := scanWallet(row)
	if err == nil {
		return w, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, false, fmt.Errorf("reset wallet: %w", err)
	}
	// Not due, or another caller already applied the reset.
	w, err = s.GetWallet(ctx, userID)
	if err != nil {
		return Wallet{}, false, err
	}
	return w, false, nil
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, userID string, delta int) (Wallet, bool, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE wallets SET balance = balance + $2
		  WHERE user_id=$1 AND balance + $2 >= 0
		 RETURNING user_id, balance, weekly_limit, last_reset, next_reset`,
		userID, delta,
	)
	w, err := scanWallet(row)
	if err == nil {
		return w, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, false, fmt.Errorf("adjust balance: %w", err)
	}
	w, err = s.GetWallet(ctx, userID)
	if err != nil {
		return Wallet{}, false, err
	}
	return w, false, nil
}

func (s *PostgresStore) AppendEntry(ctx context.Context, e Entry) error {
	return insertEntry(ctx, s.pool, e)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertEntry(ctx context.Context, db execer, e Entry) error {
	_, err := db.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, session_id, kind, amount, actor, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.UserID, e.SessionID, string(e.Kind), e.Amount, string(e.Actor), e.BalanceAfter, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, kind, amount, actor, balance_after, created_at
		   FROM ledger_entries WHERE user_id=$1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		var (
			e     Entry
			kind  string
			actor string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &kind, &e.Amount, &actor, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = EntryKind(kind)
		e.Actor = ActorRole(actor)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return out, nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	if err := row.Scan(&w.UserID, &w.Balance, &w.WeeklyLimit, &w.LastReset, &w.NextReset); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
