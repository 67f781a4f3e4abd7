package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"taskcache/internal/models"
)

var ErrNotFound = errors.New("task not found")

// Store wraps pgxpool for Postgres persistence of terminal task history.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordTask upserts t and appends an audit row for its state, in one transaction.
func (s *Store) RecordTask(ctx context.Context, t models.Task) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO tasks (id, input_key, state, attempts, max_attempts, result, last_error, from_cache, created_at, started_at, finished_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				attempts = EXCLUDED.attempts,
				result = EXCLUDED.result,
				last_error = EXCLUDED.last_error,
				from_cache = EXCLUDED.from_cache,
				started_at = EXCLUDED.started_at,
				finished_at = EXCLUDED.finished_at,
				updated_at = NOW()
		`, t.ID, t.InputKey, string(t.State), t.Attempts, t.MaxAttempts, t.Result, t.LastError, t.FromCache, t.CreatedAt, t.StartedAt, t.FinishedAt)
		if err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_logs (task_id, event, detail, ts)
			VALUES ($1, $2, $3, NOW())
		`, t.ID, string(t.State), auditDetail(t)); err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		return nil
	})
}

func auditDetail(t models.Task) string {
	switch {
	case t.LastError != nil:
		return *t.LastError
	case t.FromCache:
		return fmt.Sprintf("served from cache after %d attempts", t.Attempts)
	default:
		return fmt.Sprintf("attempts=%d", t.Attempts)
	}
}

// GetTask fetches a recorded task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, input_key, state, attempts, max_attempts, result, last_error, from_cache, created_at, started_at, finished_at
		FROM tasks WHERE id = $1
	`, id)

	var t models.Task
	var state string
	var lastErr pgtype.Text
	if err := row.Scan(&t.ID, &t.InputKey, &state, &t.Attempts, &t.MaxAttempts, &t.Result, &lastErr, &t.FromCache, &t.CreatedAt, &t.StartedAt, &t.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, ErrNotFound
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.State = models.State(state)
	t.LastError = textPtr(lastErr)
	return t, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

// AuditTrail returns the audit rows for a task, oldest first.
func (s *Store) AuditTrail(ctx context.Context, taskID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, event, detail, ts FROM audit_logs WHERE task_id = $1 ORDER BY ts, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var l models.AuditLog
		err := row.Scan(&l.TaskID, &l.Event, &l.Detail, &l.Recorded)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit: %w", err)
	}
	return logs, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
