package timer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the timers table used by PostgresRepository
const Schema = `
CREATE TABLE IF NOT EXISTS timers (
    user_id               TEXT PRIMARY KEY,
    status                TEXT        NOT NULL,
    started_at            TIMESTAMPTZ NOT NULL,
    elapsed_ms            BIGINT      NOT NULL DEFAULT 0,
    is_user_paused        BOOLEAN     NOT NULL DEFAULT FALSE,
    is_application_paused BOOLEAN     NOT NULL DEFAULT FALSE,
    updated_at            TIMESTAMPTZ NOT NULL
)`

const (
	upsertTimer = `
INSERT INTO timers (
  user_id, status, started_at, elapsed_ms,
  is_user_paused, is_application_paused, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id) DO UPDATE SET
  status = EXCLUDED.status,
  started_at = EXCLUDED.started_at,
  elapsed_ms = EXCLUDED.elapsed_ms,
  is_user_paused = EXCLUDED.is_user_paused,
  is_application_paused = EXCLUDED.is_application_paused,
  updated_at = EXCLUDED.updated_at`

	selectTimer = `
SELECT user_id, status, started_at, elapsed_ms,
       is_user_paused, is_application_paused, updated_at
FROM timers
WHERE user_id = $1`

	deleteTimer = `DELETE FROM timers WHERE user_id = $1`
)

// PgxQuerier defines what the repository needs from the database layer.
// *pgxpool.Pool and pgx.Tx both satisfy it.
type PgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores snapshots in the timers table
type PostgresRepository struct {
	db PgxQuerier
}

// NewPostgresRepository creates a new Postgres backed repository
func NewPostgresRepository(db PgxQuerier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the timers table if it does not exist
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create timers table: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Save(ctx context.Context, s Snapshot) error {
	_, err := r.db.Exec(ctx, upsertTimer,
		s.UserID, string(s.Status), s.StartedAt, s.ElapsedMs,
		s.IsUserPaused, s.IsApplicationPaused, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save timer: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Load(ctx context.Context, userID string) (Snapshot, error) {
	var (
		s         Snapshot
		status    string
		startedAt time.Time
		updatedAt time.Time
	)
	err := r.db.QueryRow(ctx, selectTimer, userID).Scan(
		&s.UserID, &status, &startedAt, &s.ElapsedMs,
		&s.IsUserPaused, &s.IsApplicationPaused, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrTimerNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load timer: %w", err)
	}

	s.Status = Status(status)
	s.StartedAt = startedAt.UTC()
	s.UpdatedAt = updatedAt.UTC()
	return s, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, userID string) error {
	if _, err := r.db.Exec(ctx, deleteTimer, userID); err != nil {
		return fmt.Errorf("failed to delete timer: %w", err)
	}
	return nil
}
