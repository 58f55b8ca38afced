package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in PostgreSQL. Every status transition is a
// single guarded UPDATE, so the conditional semantics of the Store interface
// hold without any application-level locking.
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
	if err := initSessionSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSessionSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			host_id TEXT NOT NULL,
			invited TEXT[] NOT NULL DEFAULT '{}',
			accepted TEXT[] NOT NULL DEFAULT '{}',
			scheduled_start TIMESTAMPTZ NOT NULL,
			planned_minutes INTEGER NOT NULL,
			actual_start TIMESTAMPTZ NULL,
			actual_end TIMESTAMPTZ NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_host ON sessions (host_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_start ON sessions (status, scheduled_start);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_invited ON sessions USING GIN (invited);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_accepted ON sessions USING GIN (accepted);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init session schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const sessionColumns = `id, host_id, invited, accepted, scheduled_start, planned_minutes, actual_start, actual_end, status, created_at`

func (s *PostgresStore) Create(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.HostID, sess.Invited, sess.Accepted, sess.ScheduledStart,
		sess.PlannedDuration, sess.ActualStart, sess.ActualEnd, string(sess.Status), sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID string, statuses []Status) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		 WHERE (host_id=$1 OR $1 = ANY(invited) OR $1 = ANY(accepted))`
	args := []any{userID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statusStrings(statuses))
	}
	query += ` ORDER BY scheduled_start ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *PostgresStore) ListCommitted(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		  WHERE status IN ('scheduled', 'live')
		    AND (host_id=$1 OR $1 = ANY(accepted))
		  ORDER BY scheduled_start ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list committed sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *PostgresStore) AddAccepted(ctx context.Context, id, userID string) (Session, bool, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE sessions SET accepted = accepted || $2
		  WHERE id=$1
		    AND $2 = ANY(invited)
		    AND NOT ($2 = ANY(accepted))
		    AND status NOT IN ('ended', 'cancelled')
		 RETURNING `+sessionColumns,
		id, userID,
	)
	return s.conditional(ctx, id, row, "accept invite")
}

func (s *PostgresStore) RemoveUser(ctx context.Context, id, userID string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE sessions
		    SET invited = array_remove(invited, $2), accepted = array_remove(accepted, $2)
		  WHERE id=$1
		 RETURNING `+sessionColumns,
		id, userID,
	)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("remove user: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) MarkLive(ctx context.Context, id string, actualStart time.Time) (Session, bool, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE sessions SET status='live', actual_start = COALESCE(actual_start, $2)
		  WHERE id=$1 AND status='scheduled'
		 RETURNING `+sessionColumns,
		id, actualStart,
	)
	return s.conditional(ctx, id, row, "mark live")
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, id string) (Session, bool, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE sessions SET status='cancelled'
		  WHERE id=$1 AND status='scheduled'
		 RETURNING `+sessionColumns,
		id,
	)
	return s.conditional(ctx, id, row, "mark cancelled")
}

func (s *PostgresStore) MarkEnded(ctx context.Context, id string, fallbackStart, actualEnd time.Time) (Session, bool, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE sessions
		    SET status='ended', actual_end=$3, actual_start = COALESCE(actual_start, $2)
		  WHERE id=$1 AND status NOT IN ('ended', 'cancelled')
		 RETURNING `+sessionColumns,
		id, fallbackStart, actualEnd,
	)
	return s.conditional(ctx, id, row, "mark ended")
}

// conditional resolves a guarded UPDATE: a returned row means this call
// performed the transition, no row means the guard failed and the current
// session is fetched instead.
func (s *PostgresStore) conditional(ctx context.Context, id string, row pgx.Row, op string) (Session, bool, error) {
	sess, err := scanSession(row)
	if err == nil {
		return sess, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, fmt.Errorf("%s: %w", op, err)
	}
	sess, err = s.Get(ctx, id)
	if err != nil {
		return Session{}, false, err
	}
	return sess, false, nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		  WHERE status IN ('scheduled', 'live') AND scheduled_start <= $1
		  ORDER BY scheduled_start ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *PostgresStore) PurgeCancelled(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions
		  WHERE status='cancelled' AND cardinality(accepted) = 0 AND created_at <= $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("purge cancelled sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status IN ('scheduled', 'live')`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	out := make([]Session, 0, 8)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		sess   Session
		status string
	)
	if err := row.Scan(
		&sess.ID,
		&sess.HostID,
		&sess.Invited,
		&sess.Accepted,
		&sess.ScheduledStart,
		&sess.PlannedDuration,
		&sess.ActualStart,
		&sess.ActualEnd,
		&status,
		&sess.CreatedAt,
	); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	return sess, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}
