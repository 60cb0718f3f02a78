// Package resultstore implements the Result Store: a dual write of each
// completed task's outcome to the transactional store (a summary) and a
// content-addressed on-disk layout (the full payload, SARIF files, and
// per-service snapshots), plus a reconciliation sweep that detects and
// repairs divergence between the two.
package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/normalize"
	"github.com/forgebench/anacore/pkg/task"
	"github.com/forgebench/anacore/pkg/telemetry"
)

// Payload is the main JSON document written to a task's result artifact.
type Payload struct {
	TaskID  ids.TaskID                      `json:"task_id"`
	Tools   map[string]normalize.ToolResult `json:"tools"`
	// ToolKinds maps each key of Tools to the analyzer kind ("static",
	// "dynamic", "performance", "ai") that produced it, so writeArtifacts
	// can group tools into the §6 per-kind services/ snapshot and
	// sarif/{kind}_consolidated.sarif.json rather than one file per tool.
	ToolKinds map[string]task.Kind `json:"tool_kinds"`
	Summary   map[string]any       `json:"summary"`
}

// Manifest enumerates every file written under a task's result artifact
// directory, so a reconciliation sweep can verify completeness without
// re-deriving the expected file set from the payload each time.
type Manifest struct {
	Payload  string   `json:"payload"`
	SARIF    []string `json:"sarif"`
	Services []string `json:"services"`
}

// SummaryUpdater persists the task-level summary to the transactional
// store. The Task Executor's task.Store satisfies this via a thin wrapper
// that loads, mutates, and calls Update.
type SummaryUpdater interface {
	UpdateSummary(ctx context.Context, taskID ids.TaskID, state task.State, summary map[string]any) error
}

// Store writes a task's result to both the transactional store and the
// content-addressed filesystem layout, and reconciles divergence between
// them.
type Store struct {
	rootDir string
	db      SummaryUpdater
	logger  telemetry.Logger
}

// New constructs a Store rooted at rootDir (results are written under
// rootDir/{model}/app{N}/task_{id}/).
func New(rootDir string, db SummaryUpdater, logger telemetry.Logger) *Store {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{rootDir: rootDir, db: db, logger: logger}
}

// ArtifactDir returns the directory a task's result artifact is written to.
func (s *Store) ArtifactDir(modelIdentifier string, appNumber int, taskID ids.TaskID) string {
	return filepath.Join(s.rootDir, modelIdentifier, fmt.Sprintf("app%d", appNumber), fmt.Sprintf("task_%s", taskID))
}

// Write persists payload's tools/summary to the filesystem artifact
// directory (main payload, SARIF files, per-service snapshots, manifest),
// then writes the summary to the transactional store. The DB write is
// primary: a failed filesystem write is demoted to a warning and recorded
// as `has_result_files: false` in the persisted summary rather than
// propagated as a task failure, so a file-layer hiccup never masks an
// otherwise successful analysis. A later reconciliation sweep backfills
// the artifacts from the summary once the underlying problem clears.
func (s *Store) Write(ctx context.Context, modelIdentifier string, appNumber int, state task.State, payload Payload) error {
	dir := s.ArtifactDir(modelIdentifier, appNumber, payload.TaskID)

	hasResultFiles := true
	if err := writeArtifacts(ctx, dir, payload); err != nil {
		hasResultFiles = false
		s.logger.Warn(ctx, "writing result artifacts to disk failed, summary persisted without them",
			"task_id", payload.TaskID, "error", err)
	}

	summary := make(map[string]any, len(payload.Summary)+1)
	for k, v := range payload.Summary {
		summary[k] = v
	}
	summary["has_result_files"] = hasResultFiles

	if s.db != nil {
		if err := s.db.UpdateSummary(ctx, payload.TaskID, state, summary); err != nil {
			return fmt.Errorf("writing task summary to store: %w", err)
		}
	}
	return nil
}

// Backfill regenerates the on-disk artifact tree for payload without
// touching the transactional store, the counterpart to Write's filesystem
// half. The reconciliation sweep calls this for tasks whose Write demoted
// has_result_files to false, once the underlying filesystem problem has
// presumably cleared.
func (s *Store) Backfill(ctx context.Context, modelIdentifier string, appNumber int, payload Payload) error {
	dir := s.ArtifactDir(modelIdentifier, appNumber, payload.TaskID)
	return writeArtifacts(ctx, dir, payload)
}

// PayloadFromSummary reconstructs the Payload a task's stored summary was
// derived from, so Backfill can regenerate artifacts without the original
// in-memory results map, which does not survive a process restart.
func PayloadFromSummary(taskID ids.TaskID, summary map[string]any) (Payload, error) {
	payload := Payload{TaskID: taskID, Summary: summary}

	toolsRaw, ok := summary["tools"]
	if !ok {
		return Payload{}, fmt.Errorf("summary carries no tools field")
	}
	toolsBytes, err := json.Marshal(toolsRaw)
	if err != nil {
		return Payload{}, fmt.Errorf("marshalling summary tools: %w", err)
	}
	if err := json.Unmarshal(toolsBytes, &payload.Tools); err != nil {
		return Payload{}, fmt.Errorf("decoding summary tools: %w", err)
	}

	if kindsRaw, ok := summary["tool_kinds"]; ok {
		kindsBytes, err := json.Marshal(kindsRaw)
		if err != nil {
			return Payload{}, fmt.Errorf("marshalling summary tool kinds: %w", err)
		}
		if err := json.Unmarshal(kindsBytes, &payload.ToolKinds); err != nil {
			return Payload{}, fmt.Errorf("decoding summary tool kinds: %w", err)
		}
	}
	return payload, nil
}

// defaultServiceKind groups tools that carry no ToolKinds entry, so a
// directly-constructed Payload (as in tests, or a caller that predates
// per-kind grouping) still produces a valid, if coarser, artifact tree.
const defaultServiceKind = "default"

func writeArtifacts(ctx context.Context, dir string, payload Payload) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating result artifact directory: %w", err)
	}

	manifest := Manifest{Payload: "payload.json"}

	byKind := make(map[string]map[string]normalize.ToolResult)
	sarifDocsByKind := make(map[string][][]byte)
	sarifDir := filepath.Join(dir, "sarif")

	for name, result := range payload.Tools {
		kind := string(payload.ToolKinds[name])
		if kind == "" {
			kind = defaultServiceKind
		}
		stripped := result
		stripped.SARIFDocument = nil
		if byKind[kind] == nil {
			byKind[kind] = make(map[string]normalize.ToolResult)
		}
		byKind[kind][name] = stripped

		if len(result.SARIFDocument) == 0 || result.SARIFFile == "" {
			continue
		}
		if err := os.MkdirAll(sarifDir, 0o755); err != nil {
			return fmt.Errorf("creating sarif directory: %w", err)
		}
		sarifPath := filepath.Join(dir, result.SARIFFile)
		if err := os.WriteFile(sarifPath, result.SARIFDocument, 0o644); err != nil {
			return fmt.Errorf("writing sarif document for %s: %w", name, err)
		}
		manifest.SARIF = append(manifest.SARIF, result.SARIFFile)
		sarifDocsByKind[kind] = append(sarifDocsByKind[kind], []byte(result.SARIFDocument))
	}

	for kind, docs := range sarifDocsByKind {
		consolidated, err := normalize.ConsolidateSARIF(ctx, docs)
		if err != nil {
			return fmt.Errorf("consolidating sarif documents for %s: %w", kind, err)
		}
		relPath := fmt.Sprintf("sarif/%s_consolidated.sarif.json", kind)
		if err := os.WriteFile(filepath.Join(dir, relPath), consolidated, 0o644); err != nil {
			return fmt.Errorf("writing consolidated sarif document for %s: %w", kind, err)
		}
		manifest.SARIF = append(manifest.SARIF, relPath)
	}

	// payload.json carries every tool's findings and execution record, but
	// never the raw SARIF document outside sarif/.
	sanitized := payload
	sanitized.Tools = make(map[string]normalize.ToolResult, len(payload.Tools))
	for name, result := range payload.Tools {
		result.SARIFDocument = nil
		sanitized.Tools[name] = result
	}
	payloadBytes, err := json.MarshalIndent(sanitized, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "payload.json"), payloadBytes, 0o644); err != nil {
		return fmt.Errorf("writing payload.json: %w", err)
	}

	servicesDir := filepath.Join(dir, "services")
	if err := os.MkdirAll(servicesDir, 0o755); err != nil {
		return fmt.Errorf("creating services directory: %w", err)
	}
	for kind, tools := range byKind {
		svcFile := kind + ".json"
		b, err := json.MarshalIndent(tools, "", "  ")
		if err != nil {
			return fmt.Errorf("marshalling service %s snapshot: %w", kind, err)
		}
		if err := os.WriteFile(filepath.Join(servicesDir, svcFile), b, 0o644); err != nil {
			return fmt.Errorf("writing service %s snapshot: %w", kind, err)
		}
		manifest.Services = append(manifest.Services, svcFile)
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestBytes, 0o644); err != nil {
		return fmt.Errorf("writing manifest.json: %w", err)
	}
	return nil
}

// Reconcile walks the filesystem artifact tree and reports any task
// directory whose manifest.json is missing or whose referenced files are
// absent, so an operator (or the maintenance sweep) can distinguish a true
// gap from one that merely hasn't synced yet.
type ReconcileIssue struct {
	Dir    string
	Reason string
}

// Reconcile scans rootDir for task_* directories and validates each
// manifest against the files it lists.
func (s *Store) Reconcile(ctx context.Context) ([]ReconcileIssue, error) {
	var issues []ReconcileIssue
	err := filepath.WalkDir(s.rootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort sweep, a single unreadable entry must not abort the whole walk
		}
		if !d.IsDir() || filepath.Base(path)[:min(5, len(filepath.Base(path)))] != "task_" {
			return nil
		}

		manifestPath := filepath.Join(path, "manifest.json")
		b, err := os.ReadFile(manifestPath)
		if err != nil {
			issues = append(issues, ReconcileIssue{Dir: path, Reason: "missing manifest.json"})
			return nil
		}
		var m Manifest
		if err := json.Unmarshal(b, &m); err != nil {
			issues = append(issues, ReconcileIssue{Dir: path, Reason: "malformed manifest.json"})
			return nil
		}
		if _, err := os.Stat(filepath.Join(path, m.Payload)); err != nil {
			issues = append(issues, ReconcileIssue{Dir: path, Reason: "missing payload referenced by manifest"})
		}
		for _, svc := range m.Services {
			if _, err := os.Stat(filepath.Join(path, "services", svc)); err != nil {
				issues = append(issues, ReconcileIssue{Dir: path, Reason: fmt.Sprintf("missing service snapshot %s", svc)})
			}
		}
		for _, sf := range m.SARIF {
			if _, err := os.Stat(filepath.Join(path, sf)); err != nil {
				issues = append(issues, ReconcileIssue{Dir: path, Reason: fmt.Sprintf("missing sarif file %s", sf)})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking result store root: %w", err)
	}

	if len(issues) > 0 {
		s.logger.Warn(ctx, "result store reconciliation found divergence", "issue_count", len(issues))
	}
	return issues, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
