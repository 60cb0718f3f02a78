package aireview

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebench/anacore/pkg/normalize"
	"github.com/forgebench/anacore/pkg/replica/transport"
	"github.com/forgebench/anacore/pkg/taskerr"
)

type fakeReviewer struct {
	responses map[string]string
	err       error
}

func (f *fakeReviewer) Review(_ context.Context, systemPrompt, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.responses[systemPrompt], nil
}

func writeTempSource(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	return dir
}

func TestHandlerParsesFindings(t *testing.T) {
	dir := writeTempSource(t)
	reviewer := &fakeReviewer{responses: map[string]string{
		reviewers["ai_security_review"]: "high|main.go:3|hardcoded secret|api key embedded in source",
	}}
	handler := NewHandler(reviewer)

	payload, err := handler(context.Background(), transport.RequestFrame{
		SourcePath: dir,
		ToolNames:  []string{"ai_security_review"},
	})
	require.NoError(t, err)

	results, ok := payload.(map[string]any)
	require.True(t, ok)
	result, ok := results["ai_security_review"].(normalize.ToolResult)
	require.True(t, ok)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, normalize.Severity("high"), result.Findings[0].Severity)
	assert.Equal(t, "main.go", result.Findings[0].File.Path)
	assert.Equal(t, 3, result.Findings[0].File.LineStart)
	assert.Equal(t, normalize.StatusComplete, result.Execution.Status)
}

func TestHandlerNoFindingsReportsStatusNoIssues(t *testing.T) {
	dir := writeTempSource(t)
	reviewer := &fakeReviewer{responses: map[string]string{
		reviewers["ai_quality_review"]: "NO_FINDINGS",
	}}
	handler := NewHandler(reviewer)

	payload, err := handler(context.Background(), transport.RequestFrame{
		SourcePath: dir,
		ToolNames:  []string{"ai_quality_review"},
	})
	require.NoError(t, err)

	results := payload.(map[string]any)
	result := results["ai_quality_review"].(normalize.ToolResult)
	assert.Empty(t, result.Findings)
	assert.Equal(t, normalize.StatusNoIssues, result.Execution.Status)
}

func TestHandlerRejectsUnknownToolName(t *testing.T) {
	dir := writeTempSource(t)
	handler := NewHandler(&fakeReviewer{})

	_, err := handler(context.Background(), transport.RequestFrame{
		SourcePath: dir,
		ToolNames:  []string{"not_a_real_tool"},
	})
	require.Error(t, err)
	assert.Equal(t, taskerr.Validation, taskerr.ClassOf(err))
}

func TestHandlerRejectsEmptyToolNames(t *testing.T) {
	dir := writeTempSource(t)
	handler := NewHandler(&fakeReviewer{})

	_, err := handler(context.Background(), transport.RequestFrame{SourcePath: dir})
	require.Error(t, err)
	assert.Equal(t, taskerr.Validation, taskerr.ClassOf(err))
}

func TestHandlerRecordsReviewerFailureAsToolStatus(t *testing.T) {
	dir := writeTempSource(t)
	reviewer := &fakeReviewer{err: assert.AnError}
	handler := NewHandler(reviewer)

	payload, err := handler(context.Background(), transport.RequestFrame{
		SourcePath: dir,
		ToolNames:  []string{"ai_security_review"},
	})
	require.NoError(t, err)

	results := payload.(map[string]any)
	result := results["ai_security_review"].(normalize.ToolResult)
	assert.Equal(t, normalize.StatusFailed, result.Execution.Status)
	assert.NotEmpty(t, result.Execution.Error)
}
