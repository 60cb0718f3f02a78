package resultstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/normalize"
	"github.com/forgebench/anacore/pkg/task"
)

type fakeSummaryUpdater struct {
	calls []struct {
		taskID  ids.TaskID
		state   task.State
		summary map[string]any
	}
}

func (f *fakeSummaryUpdater) UpdateSummary(_ context.Context, taskID ids.TaskID, state task.State, summary map[string]any) error {
	f.calls = append(f.calls, struct {
		taskID  ids.TaskID
		state   task.State
		summary map[string]any
	}{taskID, state, summary})
	return nil
}

func TestWriteCreatesArtifactTreeAndManifest(t *testing.T) {
	dir := t.TempDir()
	db := &fakeSummaryUpdater{}
	s := New(dir, db, nil)

	sarifDoc := `{"$schema":"https://x","version":"2.1.0","runs":[{"results":[]}]}`
	payload := Payload{
		TaskID: "t1",
		Tools: map[string]normalize.ToolResult{
			"bandit": {
				Execution:     normalize.ExecutionRecord{Tool: "bandit", Status: normalize.StatusSuccess},
				SARIFFile:     "sarif/static_bandit.sarif.json",
				SARIFDocument: json.RawMessage(sarifDoc),
			},
		},
		ToolKinds: map[string]task.Kind{"bandit": task.KindStatic},
		Summary:   map[string]any{"issues": 3},
	}

	err := s.Write(context.Background(), "gpt_4o", 3, task.StateCompleted, payload)
	require.NoError(t, err)

	artifactDir := s.ArtifactDir("gpt_4o", 3, "t1")
	assert.FileExists(t, filepath.Join(artifactDir, "payload.json"))
	assert.FileExists(t, filepath.Join(artifactDir, "manifest.json"))
	assert.FileExists(t, filepath.Join(artifactDir, "services", "static.json"))
	assert.FileExists(t, filepath.Join(artifactDir, "sarif", "static_bandit.sarif.json"))
	assert.FileExists(t, filepath.Join(artifactDir, "sarif", "static_consolidated.sarif.json"))

	payloadBytes, err := os.ReadFile(filepath.Join(artifactDir, "payload.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(payloadBytes), "SARIFDocument")

	require.Len(t, db.calls, 1)
	assert.Equal(t, ids.TaskID("t1"), db.calls[0].taskID)
	assert.Equal(t, task.StateCompleted, db.calls[0].state)
	assert.Equal(t, true, db.calls[0].summary["has_result_files"])
}

func TestBackfillRegeneratesArtifactsFromSummary(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil, nil)

	payload := Payload{
		TaskID: "t5",
		Tools: map[string]normalize.ToolResult{
			"pylint": {Execution: normalize.ExecutionRecord{Tool: "pylint", Status: normalize.StatusNoIssues}},
		},
		ToolKinds: map[string]task.Kind{"pylint": task.KindStatic},
		Summary:   map[string]any{"issues": 0},
	}

	summary := map[string]any{"tools": payload.Tools, "tool_kinds": payload.ToolKinds}
	reconstructed, err := PayloadFromSummary("t5", summary)
	require.NoError(t, err)

	require.NoError(t, s.Backfill(context.Background(), "gpt_4o", 1, reconstructed))

	artifactDir := s.ArtifactDir("gpt_4o", 1, "t5")
	assert.FileExists(t, filepath.Join(artifactDir, "services", "static.json"))
	assert.FileExists(t, filepath.Join(artifactDir, "manifest.json"))
}

func TestReconcileDetectsMissingManifest(t *testing.T) {
	dir := t.TempDir()
	taskDir := filepath.Join(dir, "m", "app1", "task_t2")
	require.NoError(t, os.MkdirAll(taskDir, 0o755))

	s := New(dir, nil, nil)
	issues, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Reason, "missing manifest.json")
}

func TestReconcileDetectsMissingReferencedFile(t *testing.T) {
	dir := t.TempDir()
	taskDir := filepath.Join(dir, "m", "app1", "task_t3")
	require.NoError(t, os.MkdirAll(taskDir, 0o755))

	manifest := Manifest{Payload: "payload.json"}
	b, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "manifest.json"), b, 0o644))

	s := New(dir, nil, nil)
	issues, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Reason, "missing payload")
}

func TestReconcileCleanTreeReportsNoIssues(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, &fakeSummaryUpdater{}, nil)
	payload := Payload{TaskID: "t4", Tools: map[string]normalize.ToolResult{}, Summary: map[string]any{}}
	require.NoError(t, s.Write(context.Background(), "m", 1, task.StateCompleted, payload))

	issues, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issues)
}
