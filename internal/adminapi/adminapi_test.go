package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/maintenance"
	"github.com/forgebench/anacore/pkg/store/memory"
	"github.com/forgebench/anacore/pkg/task"
)

type fakeDispatcher struct {
	healthy map[task.Kind]int
}

func (f *fakeDispatcher) HealthyEndpoints(k task.Kind) int { return f.healthy[k] }

func newServer(t *testing.T) (*Server, *memory.TaskStore) {
	t.Helper()
	tasks := memory.NewTaskStore()
	dispatcher := &fakeDispatcher{healthy: map[task.Kind]int{task.KindStatic: 2}}
	actor := maintenance.New(maintenance.Config{}, tasks, memory.NewSubjectStore(), nil)
	return New(Config{}, tasks, dispatcher, actor), tasks
}

func TestSubmitTaskCreatesPendingTask(t *testing.T) {
	s, tasks := newServer(t)

	body, _ := json.Marshal(submitTaskRequest{
		SubjectID: ids.NewSubjectID(),
		Kind:      task.KindStatic,
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got task.Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, task.StatePending, got.State)

	stored, err := tasks.Get(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, task.KindStatic, stored.Kind)
}

func TestSubmitTaskRejectsMissingKind(t *testing.T) {
	s, _ := newServer(t)

	body, _ := json.Marshal(submitTaskRequest{SubjectID: ids.NewSubjectID()})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskReturnsNotFoundForUnknownID(t *testing.T) {
	s, _ := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTaskTransitionsPendingTaskToCancelled(t *testing.T) {
	s, tasks := newServer(t)
	tk := task.Task{ID: ids.NewTaskID(), SubjectID: ids.NewSubjectID(), Kind: task.KindStatic, State: task.StatePending, CreatedAt: time.Now()}
	require.NoError(t, tasks.Create(context.Background(), tk))

	req := httptest.NewRequest(http.MethodPost, "/tasks/"+string(tk.ID)+"/cancel", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	got, err := tasks.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, got.State)
}

func TestListEndpointsReportsHealthyCounts(t *testing.T) {
	s, _ := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/endpoints", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats []endpointStat
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	found := false
	for _, s := range stats {
		if s.Kind == task.KindStatic {
			found = true
			assert.Equal(t, 2, s.Healthy)
		}
	}
	assert.True(t, found)
}

func TestTriggerSweepRunsWithoutError(t *testing.T) {
	s, _ := newServer(t)

	req := httptest.NewRequest(http.MethodPost, "/maintenance/sweep", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}
