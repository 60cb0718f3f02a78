// Package postgres implements task.Store and subject.Store against a
// PostgreSQL database, using pgx as the driver and sqlx for struct-scanning
// convenience, and goose for schema migrations. This is the durable Store
// the Task Executor and Pipeline Orchestrator use outside of tests.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/store/postgres/migrations"
	"github.com/forgebench/anacore/pkg/task"
)

type pgxTx = pgx.Tx

func jsonMarshal(v any) ([]byte, error) { return json.Marshal(v) }

// DB wraps the connection pool and migration state shared by TaskStore and
// SubjectStore.
type DB struct {
	pool *pgxpool.Pool
	sqlx *sqlx.DB
}

// Open connects to dsn and verifies connectivity. Callers should call
// Migrate once at startup before using the returned DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("opening sqlx handle: %w", err)
	}

	return &DB{pool: pool, sqlx: sqlx.NewDb(sqlDB, "pgx")}, nil
}

// Migrate applies every pending goose migration embedded in
// pkg/store/postgres/migrations.
func (d *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, d.sqlx.DB, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool and sqlx handle.
func (d *DB) Close() error {
	d.pool.Close()
	return d.sqlx.Close()
}

// TaskStore is the PostgreSQL-backed implementation of task.Store.
type TaskStore struct {
	db *DB
}

var _ task.Store = (*TaskStore)(nil)

// NewTaskStore returns a TaskStore bound to db.
func NewTaskStore(db *DB) *TaskStore { return &TaskStore{db: db} }

type taskRow struct {
	ID                   string         `db:"id"`
	SubjectID            string         `db:"subject_id"`
	PipelineID           sql.NullString `db:"pipeline_id"`
	Kind                 string         `db:"kind"`
	ToolNames            []string       `db:"tool_names"`
	Config               []byte         `db:"config"`
	Priority             int            `db:"priority"`
	State                string         `db:"state"`
	CreatedAt            time.Time      `db:"created_at"`
	StartedAt            sql.NullTime   `db:"started_at"`
	CompletedAt          sql.NullTime   `db:"completed_at"`
	PreflightRetries     int            `db:"preflight_retries"`
	TransientRetries     int            `db:"transient_retries"`
	StuckRetries         int            `db:"stuck_retries"`
	NotBefore            sql.NullTime   `db:"not_before"`
	Summary              []byte         `db:"summary"`
	ErrorClassification sql.NullString `db:"error_classification"`
	ErrorMessage         sql.NullString `db:"error_message"`
	ErrorReason          sql.NullString `db:"error_reason"`
}

// Create implements task.Store.
func (s *TaskStore) Create(ctx context.Context, t task.Task) error {
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO tasks (id, subject_id, pipeline_id, kind, tool_names, config, priority, state, created_at, not_before)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.SubjectID, pipelineIDOrNil(t.PipelineID), t.Kind, t.ToolNames, jsonOrEmpty(t.Config), t.Priority, t.State, t.CreatedAt, t.NotBefore)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// Claim implements task.Store in one transaction: SELECT ... FOR UPDATE SKIP
// LOCKED picks and locks the next candidate row, and a second statement moves
// it PENDING->RUNNING, so two executors racing never both win the same row:
// the loser's SELECT skips the locked row and takes the next candidate.
func (s *TaskStore) Claim(ctx context.Context, now time.Time) (task.Task, error) {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return task.Task{}, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id FROM tasks
		WHERE state = $1 AND (not_before IS NULL OR not_before <= $2)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, task.StatePending, now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, task.ErrNoRunnableTask
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("selecting claimable task: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE tasks SET state = $1, started_at = $2 WHERE id = $3`, task.StateRunning, now, id); err != nil {
		return task.Task{}, fmt.Errorf("claiming task %s: %w", id, err)
	}

	row, err := s.getTx(ctx, tx, id)
	if err != nil {
		return task.Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return task.Task{}, fmt.Errorf("committing claim: %w", err)
	}
	return row, nil
}

// Get implements task.Store.
func (s *TaskStore) Get(ctx context.Context, id ids.TaskID) (task.Task, error) {
	var row taskRow
	err := s.db.sqlx.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.ErrTaskNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("loading task %s: %w", id, err)
	}
	return rowToTask(row), nil
}

func (s *TaskStore) getTx(ctx context.Context, tx pgxTx, id string) (task.Task, error) {
	var row taskRow
	r := tx.QueryRow(ctx, `SELECT id, subject_id, pipeline_id, kind, tool_names, config, priority, state,
		created_at, started_at, completed_at, preflight_retries, transient_retries, stuck_retries,
		not_before, summary, error_classification, error_message, error_reason FROM tasks WHERE id = $1`, id)
	if err := r.Scan(&row.ID, &row.SubjectID, &row.PipelineID, &row.Kind, &row.ToolNames, &row.Config, &row.Priority,
		&row.State, &row.CreatedAt, &row.StartedAt, &row.CompletedAt, &row.PreflightRetries, &row.TransientRetries,
		&row.StuckRetries, &row.NotBefore, &row.Summary, &row.ErrorClassification, &row.ErrorMessage, &row.ErrorReason); err != nil {
		return task.Task{}, fmt.Errorf("scanning claimed task %s: %w", id, err)
	}
	return rowToTask(row), nil
}

// Update implements task.Store.
func (s *TaskStore) Update(ctx context.Context, t task.Task) error {
	ct, err := s.db.pool.Exec(ctx, `
		UPDATE tasks SET state = $1, started_at = $2, completed_at = $3, preflight_retries = $4,
			transient_retries = $5, stuck_retries = $6, not_before = $7, summary = $8,
			error_classification = $9, error_message = $10, error_reason = $11
		WHERE id = $12
	`, t.State, t.StartedAt, t.CompletedAt, t.PreflightRetries, t.TransientRetries, t.StuckRetries,
		t.NotBefore, jsonOrEmpty(t.Summary), errField(t.Error, "classification"), errField(t.Error, "message"),
		errField(t.Error, "reason"), t.ID)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// ListByState implements task.Store.
func (s *TaskStore) ListByState(ctx context.Context, state task.State, limit int) ([]task.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []taskRow
	err := s.db.sqlx.SelectContext(ctx, &rows, `
		SELECT * FROM tasks WHERE state = $1
		ORDER BY COALESCE(started_at, created_at) ASC
		LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tasks by state %s: %w", state, err)
	}
	out := make([]task.Task, len(rows))
	for i, r := range rows {
		out[i] = rowToTask(r)
	}
	return out, nil
}

// ListByPipeline implements task.Store.
func (s *TaskStore) ListByPipeline(ctx context.Context, pipelineID ids.PipelineID) ([]task.Task, error) {
	var rows []taskRow
	err := s.db.sqlx.SelectContext(ctx, &rows, `SELECT * FROM tasks WHERE pipeline_id = $1`, string(pipelineID))
	if err != nil {
		return nil, fmt.Errorf("listing tasks for pipeline %s: %w", pipelineID, err)
	}
	out := make([]task.Task, len(rows))
	for i, r := range rows {
		out[i] = rowToTask(r)
	}
	return out, nil
}

func rowToTask(row taskRow) task.Task {
	t := task.Task{
		ID:               ids.TaskID(row.ID),
		SubjectID:        ids.SubjectID(row.SubjectID),
		Kind:             task.Kind(row.Kind),
		ToolNames:        row.ToolNames,
		Priority:         row.Priority,
		State:            task.State(row.State),
		CreatedAt:        row.CreatedAt,
		PreflightRetries: row.PreflightRetries,
		TransientRetries: row.TransientRetries,
		StuckRetries:     row.StuckRetries,
	}
	if row.PipelineID.Valid {
		pid := ids.PipelineID(row.PipelineID.String)
		t.PipelineID = &pid
	}
	if row.StartedAt.Valid {
		t.StartedAt = &row.StartedAt.Time
	}
	if row.CompletedAt.Valid {
		t.CompletedAt = &row.CompletedAt.Time
	}
	if row.NotBefore.Valid {
		t.NotBefore = &row.NotBefore.Time
	}
	if row.ErrorClassification.Valid {
		t.Error = &task.ErrorDetail{
			Classification: row.ErrorClassification.String,
			Message:        row.ErrorMessage.String,
			Reason:         row.ErrorReason.String,
		}
	}
	return t
}

func pipelineIDOrNil(p *ids.PipelineID) any {
	if p == nil {
		return nil
	}
	return string(*p)
}

func jsonOrEmpty(m map[string]any) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := jsonMarshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func errField(e *task.ErrorDetail, field string) any {
	if e == nil {
		return nil
	}
	switch field {
	case "classification":
		return e.Classification
	case "message":
		return e.Message
	default:
		return e.Reason
	}
}
