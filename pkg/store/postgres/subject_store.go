package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/subject"
)

// SubjectStore is the PostgreSQL-backed implementation of subject.Store.
type SubjectStore struct {
	db *DB
}

var _ subject.Store = (*SubjectStore)(nil)

// NewSubjectStore returns a SubjectStore bound to db.
func NewSubjectStore(db *DB) *SubjectStore { return &SubjectStore{db: db} }

type subjectRow struct {
	ID              string         `db:"id"`
	ModelIdentifier string         `db:"model_identifier"`
	AppNumber       int            `db:"app_number"`
	DirectoryPath   string         `db:"directory_path"`
	BackendPort     int            `db:"backend_port"`
	FrontendPort    int            `db:"frontend_port"`
	CreatedAt       sql.NullTime   `db:"created_at"`
	MissingSince    sql.NullTime   `db:"missing_since"`
	DeletedAt       sql.NullTime   `db:"deleted_at"`
}

// Create implements subject.Store. The (model_identifier, app_number) and
// port uniqueness invariants are enforced by the schema's UNIQUE constraint
// and the application-level transactional read-then-insert in the caller
// (pkg/subject.PortAllocator fed by UsedPorts within the same transaction).
func (s *SubjectStore) Create(ctx context.Context, subj subject.Subject) error {
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO subjects (id, model_identifier, app_number, directory_path, backend_port, frontend_port, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, subj.ID, subj.ModelIdentifier, subj.AppNumber, subj.DirectoryPath, subj.BackendPort, subj.FrontendPort, subj.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting subject: %w", err)
	}
	return nil
}

// Get implements subject.Store.
func (s *SubjectStore) Get(ctx context.Context, id ids.SubjectID) (subject.Subject, error) {
	var row subjectRow
	err := s.db.sqlx.GetContext(ctx, &row, `SELECT * FROM subjects WHERE id = $1`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return subject.Subject{}, subject.ErrNotFound
	}
	if err != nil {
		return subject.Subject{}, fmt.Errorf("loading subject %s: %w", id, err)
	}
	return rowToSubject(row), nil
}

// GetByKey implements subject.Store.
func (s *SubjectStore) GetByKey(ctx context.Context, modelIdentifier string, appNumber int) (subject.Subject, error) {
	var row subjectRow
	err := s.db.sqlx.GetContext(ctx, &row, `SELECT * FROM subjects WHERE model_identifier = $1 AND app_number = $2`, modelIdentifier, appNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return subject.Subject{}, subject.ErrNotFound
	}
	if err != nil {
		return subject.Subject{}, fmt.Errorf("loading subject %s/app%d: %w", modelIdentifier, appNumber, err)
	}
	return rowToSubject(row), nil
}

// Update implements subject.Store.
func (s *SubjectStore) Update(ctx context.Context, subj subject.Subject) error {
	ct, err := s.db.pool.Exec(ctx, `
		UPDATE subjects SET directory_path = $1, backend_port = $2, frontend_port = $3,
			missing_since = $4, deleted_at = $5
		WHERE id = $6
	`, subj.DirectoryPath, subj.BackendPort, subj.FrontendPort, subj.MissingSince, subj.DeletedAt, subj.ID)
	if err != nil {
		return fmt.Errorf("updating subject %s: %w", subj.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return subject.ErrNotFound
	}
	return nil
}

// ListNotDeleted implements subject.Store.
func (s *SubjectStore) ListNotDeleted(ctx context.Context) ([]subject.Subject, error) {
	var rows []subjectRow
	err := s.db.sqlx.SelectContext(ctx, &rows, `SELECT * FROM subjects WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing non-deleted subjects: %w", err)
	}
	out := make([]subject.Subject, len(rows))
	for i, r := range rows {
		out[i] = rowToSubject(r)
	}
	return out, nil
}

// UsedPorts implements subject.Store. Callers needing the transactional
// guarantee described on subject.Store.UsedPorts should call this within an
// explicit transaction alongside the subsequent Create.
func (s *SubjectStore) UsedPorts(ctx context.Context) (map[int]struct{}, error) {
	rows, err := s.db.pool.Query(ctx, `SELECT backend_port, frontend_port FROM subjects WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing used ports: %w", err)
	}
	defer rows.Close()

	used := make(map[int]struct{})
	for rows.Next() {
		var backend, frontend int
		if err := rows.Scan(&backend, &frontend); err != nil {
			return nil, fmt.Errorf("scanning port row: %w", err)
		}
		used[backend] = struct{}{}
		used[frontend] = struct{}{}
	}
	return used, rows.Err()
}

func rowToSubject(row subjectRow) subject.Subject {
	s := subject.Subject{
		ID:              ids.SubjectID(row.ID),
		ModelIdentifier: row.ModelIdentifier,
		AppNumber:       row.AppNumber,
		DirectoryPath:   row.DirectoryPath,
		BackendPort:     row.BackendPort,
		FrontendPort:    row.FrontendPort,
	}
	if row.CreatedAt.Valid {
		s.CreatedAt = row.CreatedAt.Time
	}
	if row.MissingSince.Valid {
		s.MissingSince = &row.MissingSince.Time
	}
	if row.DeletedAt.Valid {
		s.DeletedAt = &row.DeletedAt.Time
	}
	return s
}
