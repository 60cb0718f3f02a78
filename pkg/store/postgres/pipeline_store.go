package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/pipeline"
)

// PipelineStore is the PostgreSQL-backed implementation of pipeline.Store.
// Steps are stored as a single JSONB column rather than normalised into
// their own table: a Step's shape (child task IDs, tool config) is read and
// rewritten as one unit on every reconciliation pass, so there is no
// per-step query this package ever needs that a table would serve better.
type PipelineStore struct {
	db *DB
}

var _ pipeline.Store = (*PipelineStore)(nil)

// NewPipelineStore returns a PipelineStore bound to db.
func NewPipelineStore(db *DB) *PipelineStore { return &PipelineStore{db: db} }

type pipelineRow struct {
	ID          string       `db:"id"`
	Name        string       `db:"name"`
	State       string       `db:"state"`
	Steps       []byte       `db:"steps"`
	CreatedAt   time.Time    `db:"created_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

// Create implements pipeline.Store.
func (s *PipelineStore) Create(ctx context.Context, p pipeline.Pipeline) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("encoding pipeline steps: %w", err)
	}
	_, err = s.db.pool.Exec(ctx, `
		INSERT INTO pipelines (id, name, state, steps, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, string(p.ID), p.Name, string(p.State), steps, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting pipeline: %w", err)
	}
	return nil
}

// Get implements pipeline.Store.
func (s *PipelineStore) Get(ctx context.Context, id ids.PipelineID) (pipeline.Pipeline, error) {
	var row pipelineRow
	err := s.db.sqlx.GetContext(ctx, &row, `SELECT * FROM pipelines WHERE id = $1`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Pipeline{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Pipeline{}, fmt.Errorf("loading pipeline %s: %w", id, err)
	}
	return rowToPipeline(row)
}

// Update implements pipeline.Store.
func (s *PipelineStore) Update(ctx context.Context, p pipeline.Pipeline) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("encoding pipeline steps: %w", err)
	}
	ct, err := s.db.pool.Exec(ctx, `
		UPDATE pipelines SET state = $1, steps = $2, completed_at = $3 WHERE id = $4
	`, string(p.State), steps, p.CompletedAt, string(p.ID))
	if err != nil {
		return fmt.Errorf("updating pipeline %s: %w", p.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// ListNotTerminal implements pipeline.Store.
func (s *PipelineStore) ListNotTerminal(ctx context.Context) ([]pipeline.Pipeline, error) {
	var rows []pipelineRow
	err := s.db.sqlx.SelectContext(ctx, &rows, `
		SELECT * FROM pipelines WHERE state NOT IN ($1, $2, $3)
	`, string(pipeline.StateCompleted), string(pipeline.StatePartialSuccess), string(pipeline.StateFailed))
	if err != nil {
		return nil, fmt.Errorf("listing non-terminal pipelines: %w", err)
	}
	out := make([]pipeline.Pipeline, 0, len(rows))
	for _, r := range rows {
		p, err := rowToPipeline(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func rowToPipeline(row pipelineRow) (pipeline.Pipeline, error) {
	var steps []pipeline.Step
	if err := json.Unmarshal(row.Steps, &steps); err != nil {
		return pipeline.Pipeline{}, fmt.Errorf("decoding pipeline steps for %s: %w", row.ID, err)
	}
	p := pipeline.Pipeline{
		ID:        ids.PipelineID(row.ID),
		Name:      row.Name,
		Steps:     steps,
		State:     pipeline.State(row.State),
		CreatedAt: row.CreatedAt,
	}
	if row.CompletedAt.Valid {
		p.CompletedAt = &row.CompletedAt.Time
	}
	return p, nil
}
