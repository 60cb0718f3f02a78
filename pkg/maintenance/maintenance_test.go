package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/resultstore"
	"github.com/forgebench/anacore/pkg/store/memory"
	"github.com/forgebench/anacore/pkg/subject"
	"github.com/forgebench/anacore/pkg/task"
)

type fakeDirectoryChecker struct {
	present map[string]bool
}

func (f *fakeDirectoryChecker) Exists(path string) bool { return f.present[path] }

type fakeReconciler struct {
	issues         []resultstore.ReconcileIssue
	calls          int
	backfillCalls  []resultstore.Payload
	backfillErr    error
}

func (f *fakeReconciler) Reconcile(context.Context) ([]resultstore.ReconcileIssue, error) {
	f.calls++
	return f.issues, nil
}

func (f *fakeReconciler) Backfill(_ context.Context, _ string, _ int, payload resultstore.Payload) error {
	f.backfillCalls = append(f.backfillCalls, payload)
	return f.backfillErr
}

func TestReapStuckTaskReturnsToPending(t *testing.T) {
	tasks := memory.NewTaskStore()
	started := time.Now().Add(-20 * time.Minute)
	tk := task.Task{ID: ids.NewTaskID(), Kind: task.KindStatic, State: task.StateRunning, StartedAt: &started, CreatedAt: started}
	require.NoError(t, tasks.Create(context.Background(), tk))

	a := New(Config{StuckThreshold: 15 * time.Minute, StuckHardLimit: 2 * time.Hour}, tasks, memory.NewSubjectStore(), nil)
	a.ReapStuckTasks(context.Background())

	got, err := tasks.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatePending, got.State)
	assert.Equal(t, 1, got.StuckRetries)
}

func TestReapStuckTaskExhaustedFails(t *testing.T) {
	tasks := memory.NewTaskStore()
	started := time.Now().Add(-20 * time.Minute)
	tk := task.Task{ID: ids.NewTaskID(), Kind: task.KindStatic, State: task.StateRunning, StartedAt: &started, CreatedAt: started, StuckRetries: 3}
	require.NoError(t, tasks.Create(context.Background(), tk))

	a := New(Config{StuckThreshold: 15 * time.Minute, StuckHardLimit: 2 * time.Hour, StuckMaxRetries: 3}, tasks, memory.NewSubjectStore(), nil)
	a.ReapStuckTasks(context.Background())

	got, err := tasks.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "stuck", got.Error.Reason)
}

func TestReapStuckTaskPastHardLimitForceFails(t *testing.T) {
	tasks := memory.NewTaskStore()
	started := time.Now().Add(-3 * time.Hour)
	tk := task.Task{ID: ids.NewTaskID(), Kind: task.KindStatic, State: task.StateRunning, StartedAt: &started, CreatedAt: started}
	require.NoError(t, tasks.Create(context.Background(), tk))

	a := New(Config{StuckThreshold: 15 * time.Minute, StuckHardLimit: 2 * time.Hour}, tasks, memory.NewSubjectStore(), nil)
	a.ReapStuckTasks(context.Background())

	got, err := tasks.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.State)
}

func TestSweepOrphanSubjectsMarksMissingThenPurges(t *testing.T) {
	subjects := memory.NewSubjectStore()
	subj := subject.Subject{ID: ids.NewSubjectID(), ModelIdentifier: "m", AppNumber: 4, DirectoryPath: "/apps/m/app4", CreatedAt: time.Now()}
	require.NoError(t, subjects.Create(context.Background(), subj))

	checker := &fakeDirectoryChecker{present: map[string]bool{}}
	a := New(Config{DirectoryChecker: checker, GracePeriod: 7 * 24 * time.Hour}, memory.NewTaskStore(), subjects, nil)

	a.SweepOrphanSubjects(context.Background())
	got, err := subjects.Get(context.Background(), subj.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MissingSince)
	assert.Nil(t, got.DeletedAt)

	// Still within the grace period: a second sweep leaves the record intact.
	a.SweepOrphanSubjects(context.Background())
	got, err = subjects.Get(context.Background(), subj.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)

	// Simulate the grace period having elapsed.
	past := time.Now().Add(-8 * 24 * time.Hour)
	got.MissingSince = &past
	require.NoError(t, subjects.Update(context.Background(), got))

	a.SweepOrphanSubjects(context.Background())
	got, err = subjects.Get(context.Background(), subj.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
}

func TestSweepOrphanSubjectsRestoresDirectory(t *testing.T) {
	subjects := memory.NewSubjectStore()
	missingSince := time.Now().Add(-time.Hour)
	subj := subject.Subject{ID: ids.NewSubjectID(), ModelIdentifier: "m", AppNumber: 5, DirectoryPath: "/apps/m/app5", CreatedAt: time.Now(), MissingSince: &missingSince}
	require.NoError(t, subjects.Create(context.Background(), subj))

	checker := &fakeDirectoryChecker{present: map[string]bool{"/apps/m/app5": true}}
	a := New(Config{DirectoryChecker: checker}, memory.NewTaskStore(), subjects, nil)

	a.SweepOrphanSubjects(context.Background())
	got, err := subjects.Get(context.Background(), subj.ID)
	require.NoError(t, err)
	assert.Nil(t, got.MissingSince)
}

func TestRunReconciliationLogsIssuesIdempotently(t *testing.T) {
	rec := &fakeReconciler{issues: []resultstore.ReconcileIssue{{Dir: "d1", Reason: "missing manifest.json"}}}
	a := New(Config{}, memory.NewTaskStore(), memory.NewSubjectStore(), rec)

	a.RunReconciliation(context.Background())
	a.RunReconciliation(context.Background())

	assert.Equal(t, 2, rec.calls)
}

func TestRunReconciliationBackfillsTasksMissingResultFiles(t *testing.T) {
	tasks := memory.NewTaskStore()
	subjects := memory.NewSubjectStore()

	subj := subject.Subject{ID: ids.NewSubjectID(), ModelIdentifier: "gpt_4o", AppNumber: 2, DirectoryPath: "/apps/gpt_4o/app2", CreatedAt: time.Now()}
	require.NoError(t, subjects.Create(context.Background(), subj))

	completed := time.Now()
	tk := task.Task{
		ID: ids.NewTaskID(), SubjectID: subj.ID, Kind: task.KindStatic, State: task.StateCompleted,
		CreatedAt: completed, CompletedAt: &completed,
		Summary: map[string]any{
			"has_result_files": false,
			"tools":            map[string]any{"bandit": map[string]any{}},
			"tool_kinds":       map[string]any{"bandit": "static"},
		},
	}
	require.NoError(t, tasks.Create(context.Background(), tk))

	rec := &fakeReconciler{}
	a := New(Config{}, tasks, subjects, rec)

	a.RunReconciliation(context.Background())

	require.Len(t, rec.backfillCalls, 1)
	assert.Equal(t, tk.ID, rec.backfillCalls[0].TaskID)

	got, err := tasks.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, true, got.Summary["has_result_files"])
}

func TestRunReconciliationSkipsTasksAlreadyHavingResultFiles(t *testing.T) {
	tasks := memory.NewTaskStore()
	subjects := memory.NewSubjectStore()

	completed := time.Now()
	tk := task.Task{
		ID: ids.NewTaskID(), Kind: task.KindStatic, State: task.StateCompleted,
		CreatedAt: completed, CompletedAt: &completed,
		Summary: map[string]any{"has_result_files": true},
	}
	require.NoError(t, tasks.Create(context.Background(), tk))

	rec := &fakeReconciler{}
	a := New(Config{}, tasks, subjects, rec)

	a.RunReconciliation(context.Background())

	assert.Empty(t, rec.backfillCalls)
}
