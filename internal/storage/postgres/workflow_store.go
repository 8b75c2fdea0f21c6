// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrapefleet/internal/store"
)

// Schema creates the tables WorkflowStore writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	workflow_id     TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	total_tasks     BIGINT NOT NULL DEFAULT 0,
	processed_tasks BIGINT NOT NULL DEFAULT 0,
	total_items     BIGINT NOT NULL DEFAULT 0,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS task_outcomes (
	workflow_id   TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	items         BIGINT NOT NULL DEFAULT 0,
	attempt       BIGINT NOT NULL DEFAULT 0,
	error_message TEXT,
	recorded_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS task_outcomes_workflow_idx ON task_outcomes (workflow_id, recorded_at DESC);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// WorkflowStore implements store.WorkflowRepository on Postgres.
type WorkflowStore struct {
	pool querier
}

var _ store.WorkflowRepository = (*WorkflowStore)(nil)

// NewWorkflowStore connects to Postgres using cfg.
func NewWorkflowStore(ctx context.Context, cfg Config) (*WorkflowStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &WorkflowStore{pool: pool}, nil
}

// NewWorkflowStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewWorkflowStoreWithPool(pool querier) (*WorkflowStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &WorkflowStore{pool: pool}, nil
}

// Migrate applies Schema.
func (s *WorkflowStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

// Ping checks the database answers queries.
func (s *WorkflowStore) Ping(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *WorkflowStore) Close() {
	s.pool.Close()
}

// UpsertWorkflowStart inserts a running workflow row if none exists.
func (s *WorkflowStore) UpsertWorkflowStart(
	ctx context.Context,
	workflowID string,
	totalTasks int64,
	startedAt time.Time,
) error {
	query := `
		INSERT INTO workflow_runs (workflow_id, status, total_tasks, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, workflowID, store.WorkflowRunning, totalTasks, startedAt); err != nil {
		return fmt.Errorf("upsert workflow start: %w", err)
	}
	return nil
}

// RecordTask stores an outcome row and bumps counters for processed tasks.
func (s *WorkflowStore) RecordTask(ctx context.Context, rec store.TaskRecord) error {
	query := `
		INSERT INTO task_outcomes (workflow_id, task_id, outcome, items, attempt, error_message, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		rec.WorkflowID,
		rec.TaskID,
		rec.Outcome,
		rec.Items,
		rec.Attempt,
		rec.ErrorMessage,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task outcome: %w", err)
	}
	if rec.Outcome != store.OutcomeProcessed {
		return nil
	}
	update := `
		UPDATE workflow_runs
		SET processed_tasks = processed_tasks + 1, total_items = total_items + $1
		WHERE workflow_id = $2;
	`
	if _, err := s.pool.Exec(ctx, update, rec.Items, rec.WorkflowID); err != nil {
		return fmt.Errorf("update workflow counters: %w", err)
	}
	return nil
}

// CompleteWorkflow marks the workflow completed.
func (s *WorkflowStore) CompleteWorkflow(ctx context.Context, workflowID string, finishedAt time.Time) error {
	query := `
		UPDATE workflow_runs
		SET status = $1, finished_at = $2
		WHERE workflow_id = $3;
	`
	if _, err := s.pool.Exec(ctx, query, store.WorkflowCompleted, finishedAt, workflowID); err != nil {
		return fmt.Errorf("complete workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads a single workflow.
func (s *WorkflowStore) GetWorkflow(ctx context.Context, workflowID string) (store.WorkflowRun, error) {
	query := `
		SELECT workflow_id, status, total_tasks, processed_tasks, total_items, started_at, finished_at
		FROM workflow_runs
		WHERE workflow_id = $1;
	`
	var run store.WorkflowRun
	err := s.pool.QueryRow(ctx, query, workflowID).Scan(
		&run.WorkflowID,
		&run.Status,
		&run.TotalTasks,
		&run.ProcessedTasks,
		&run.TotalItems,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.WorkflowRun{}, store.ErrNotFound
		}
		return store.WorkflowRun{}, fmt.Errorf("get workflow: %w", err)
	}
	return run, nil
}

// ListWorkflows lists workflows, newest first.
func (s *WorkflowStore) ListWorkflows(
	ctx context.Context,
	status *store.WorkflowStatus,
	limit,
	offset int,
) ([]store.WorkflowRun, error) {
	query := `
		SELECT workflow_id, status, total_tasks, processed_tasks, total_items, started_at, finished_at
		FROM workflow_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var runs []store.WorkflowRun
	for rows.Next() {
		var run store.WorkflowRun
		if err := rows.Scan(
			&run.WorkflowID,
			&run.Status,
			&run.TotalTasks,
			&run.ProcessedTasks,
			&run.TotalItems,
			&run.StartedAt,
			&run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow rows: %w", err)
	}
	return runs, nil
}

// ListWorkflowTasks lists outcome rows for a workflow, newest first.
func (s *WorkflowStore) ListWorkflowTasks(
	ctx context.Context,
	workflowID string,
	limit,
	offset int,
) ([]store.TaskRecord, error) {
	query := `
		SELECT workflow_id, task_id, outcome, items, attempt, error_message, recorded_at
		FROM task_outcomes
		WHERE workflow_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list workflow tasks: %w", err)
	}
	defer rows.Close()

	var recs []store.TaskRecord
	for rows.Next() {
		var rec store.TaskRecord
		if err := rows.Scan(
			&rec.WorkflowID,
			&rec.TaskID,
			&rec.Outcome,
			&rec.Items,
			&rec.Attempt,
			&rec.ErrorMessage,
			&rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return recs, nil
}
