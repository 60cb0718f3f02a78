package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/pipeline"
	"github.com/forgebench/anacore/pkg/subject"
)

// newMockDB wires a DB whose sqlx handle is backed by sqlmock rather than a
// live connection, exercising the struct-scanning read paths (Get/Select)
// without a database. The pool half of DB is left nil: the write paths that
// use it (Create/Update/pool.Exec) need a live pgxpool and are out of scope
// for this package's unit tests.
func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{sqlx: sqlx.NewDb(sqlDB, "sqlmock")}, mock
}

func TestSubjectStoreGet(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSubjectStore(db)

	cols := []string{"id", "model_identifier", "app_number", "directory_path", "backend_port", "frontend_port", "created_at", "missing_since", "deleted_at"}
	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM subjects WHERE id = \$1`).
		WithArgs("subj-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("subj-1", "gpt-4o", 3, "/subjects/gpt-4o/app3", 8080, 3000, now, nil, nil))

	got, err := store.Get(context.Background(), ids.SubjectID("subj-1"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got.ModelIdentifier)
	assert.Equal(t, 3, got.AppNumber)
	assert.Equal(t, 8080, got.BackendPort)
	assert.Nil(t, got.DeletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubjectStoreGetReturnsQueryError(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSubjectStore(db)

	mock.ExpectQuery(`SELECT \* FROM subjects WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sqlmock.ErrCancelled)

	_, err := store.Get(context.Background(), ids.SubjectID("missing"))
	assert.Error(t, err)
}

func TestSubjectStoreGetByKey(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSubjectStore(db)

	cols := []string{"id", "model_identifier", "app_number", "directory_path", "backend_port", "frontend_port", "created_at", "missing_since", "deleted_at"}
	mock.ExpectQuery(`SELECT \* FROM subjects WHERE model_identifier = \$1 AND app_number = \$2`).
		WithArgs("claude-3", 7).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("subj-2", "claude-3", 7, "/subjects/claude-3/app7", 8081, 3001, time.Now(), nil, nil))

	got, err := store.GetByKey(context.Background(), "claude-3", 7)
	require.NoError(t, err)
	assert.Equal(t, ids.SubjectID("subj-2"), got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubjectStoreGetByKeyNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSubjectStore(db)

	cols := []string{"id", "model_identifier", "app_number", "directory_path", "backend_port", "frontend_port", "created_at", "missing_since", "deleted_at"}
	mock.ExpectQuery(`SELECT \* FROM subjects WHERE model_identifier = \$1 AND app_number = \$2`).
		WithArgs("claude-3", 99).
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := store.GetByKey(context.Background(), "claude-3", 99)
	assert.ErrorIs(t, err, subject.ErrNotFound)
}

func TestSubjectStoreListNotDeleted(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewSubjectStore(db)

	cols := []string{"id", "model_identifier", "app_number", "directory_path", "backend_port", "frontend_port", "created_at", "missing_since", "deleted_at"}
	mock.ExpectQuery(`SELECT \* FROM subjects WHERE deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("subj-1", "gpt-4o", 1, "/a", 8080, 3000, time.Now(), nil, nil).
			AddRow("subj-2", "gpt-4o", 2, "/b", 8082, 3002, time.Now(), nil, nil))

	got, err := store.ListNotDeleted(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPipelineStoreGet(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPipelineStore(db)

	cols := []string{"id", "name", "state", "steps", "created_at", "completed_at"}
	mock.ExpectQuery(`SELECT \* FROM pipelines WHERE id = \$1`).
		WithArgs("pipe-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("pipe-1", "comprehensive", "RUNNING", []byte(`[]`), time.Now(), nil))

	got, err := store.Get(context.Background(), ids.PipelineID("pipe-1"))
	require.NoError(t, err)
	assert.Equal(t, "comprehensive", got.Name)
	assert.Equal(t, pipeline.StateRunning, got.State)
	assert.Empty(t, got.Steps)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPipelineStoreGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPipelineStore(db)

	cols := []string{"id", "name", "state", "steps", "created_at", "completed_at"}
	mock.ExpectQuery(`SELECT \* FROM pipelines WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := store.Get(context.Background(), ids.PipelineID("missing"))
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestPipelineStoreListNotTerminal(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPipelineStore(db)

	cols := []string{"id", "name", "state", "steps", "created_at", "completed_at"}
	mock.ExpectQuery(`SELECT \* FROM pipelines WHERE state NOT IN \(\$1, \$2, \$3\)`).
		WithArgs(string(pipeline.StateCompleted), string(pipeline.StatePartialSuccess), string(pipeline.StateFailed)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("pipe-1", "comprehensive", "RUNNING", []byte(`[]`), time.Now(), nil).
			AddRow("pipe-2", "static_only", "PENDING", []byte(`[]`), time.Now(), nil))

	got, err := store.ListNotTerminal(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}
