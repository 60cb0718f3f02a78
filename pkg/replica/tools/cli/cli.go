// Package cli implements the static/security analyzer kinds' tool
// invocation: each requested tool name is shelled out to its native CLI
// (Python security scanners, linters, type checkers, dependency auditors;
// JavaScript linters and audit tools), its JSON output decoded, and the
// result handed to the normalizer's registered Parser for that tool.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/forgebench/anacore/pkg/normalize"
	"github.com/forgebench/anacore/pkg/replica/transport"
	"github.com/forgebench/anacore/pkg/taskerr"
	"github.com/forgebench/anacore/pkg/telemetry"
)

// Runner executes a command against a source tree and returns combined
// stdout/stderr plus the process exit code. Swappable in tests to avoid
// invoking a real tool binary.
type Runner interface {
	Run(ctx context.Context, sourcePath string, args ...string) (output string, exitCode int, err error)
}

// execRunner is the production Runner.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, sourcePath string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = sourcePath
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err == nil {
		return buf.String(), 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return buf.String(), exitErr.ExitCode(), nil
	}
	return buf.String(), -1, err
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}

// Spec declares how one tool is invoked and how its output is shaped.
type Spec struct {
	// Name is the tool identifier, matched against the parser registry and
	// surfaced in the finding's Tool field.
	Name string
	// Args builds the command line (argv[0] is the binary) for a run
	// against sourcePath.
	Args func(sourcePath string) []string
	// JSONOutput reports whether the tool's stdout is a JSON document to
	// decode before handing it to the registry; false means the raw text
	// output is wrapped as {"output": text} instead.
	JSONOutput bool
	// Policy classifies the tool's exit code when the registry's parser for
	// Name leaves the status empty. A Name with no registered parser is
	// parsed by normalize.GenericParser with normalize.DefaultLintPolicy.
	Policy normalize.ExitCodePolicy
	// SARIFArgs builds the command line for a second invocation that asks
	// the tool for its native SARIF rendering of the same analysis. Nil
	// means the tool has no SARIF rendering available.
	SARIFArgs func(sourcePath string) []string
}

// Registry maps tool names to their invocation Spec.
type Registry map[string]Spec

// Handler runs the requested tool set against a source tree and normalises
// each tool's output, returning the per-tool ToolResult map the Result
// Store expects.
type Handler struct {
	service string
	specs   Registry
	parsers *normalize.Registry
	runner  Runner
	logger  telemetry.Logger
}

// NewHandler constructs a Handler. service is the analyzer kind this
// handler serves ("static" or "security"), used as the SARIF consolidation
// grouping key. parsers supplies per-tool Parser closures (falling back to
// normalize.GenericParser for unregistered tools); runner defaults to
// shelling out to the real binaries.
func NewHandler(service string, specs Registry, parsers *normalize.Registry, logger telemetry.Logger, runner Runner) *Handler {
	if runner == nil {
		runner = execRunner{}
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Handler{service: service, specs: specs, parsers: parsers, runner: runner, logger: logger}
}

// Serve is the replica.Handler-compatible entry point.
func (h *Handler) Serve(ctx context.Context, req transport.RequestFrame) (any, error) {
	if len(req.ToolNames) == 0 {
		return nil, taskerr.New(taskerr.Validation, "request carries no tool names")
	}
	out := make(map[string]any, len(req.ToolNames))
	for _, name := range req.ToolNames {
		spec, ok := h.specs[name]
		if !ok {
			return nil, taskerr.New(taskerr.Validation, "unknown tool "+name)
		}
		out[name] = h.runOne(ctx, req.SourcePath, spec)
	}
	return out, nil
}

func (h *Handler) runOne(ctx context.Context, sourcePath string, spec Spec) normalize.ToolResult {
	start := time.Now()
	args := spec.Args(sourcePath)
	output, exitCode, err := h.runner.Run(ctx, sourcePath, args...)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return normalize.ToolResult{Execution: normalize.ExecutionRecord{
			Tool: spec.Name, Executed: true, Status: normalize.StatusFailed,
			DurationSeconds: elapsed, Error: err.Error(),
		}}
	}

	raw, decodeErr := decodeOutput(output, spec.JSONOutput)
	if decodeErr != nil {
		h.logger.Warn(ctx, "tool output failed to decode as json, wrapping as text", "tool", spec.Name, "error", decodeErr)
		raw = map[string]any{"output": output}
	}

	if spec.SARIFArgs != nil {
		h.attachSARIF(ctx, sourcePath, spec, raw)
	}
	var sarifDocument json.RawMessage
	var sarifFile string
	if document, relPath, ok := normalize.ExtractSARIF(h.service, spec.Name, raw); ok {
		sarifDocument, sarifFile = document, relPath
		raw = normalize.ReplaceWithSARIFReference(raw, relPath)
	}

	result, parseErr := h.parsers.Parse(spec.Name, raw, exitCode)
	if parseErr != nil {
		return normalize.ToolResult{Execution: normalize.ExecutionRecord{
			Tool: spec.Name, Executed: true, Status: normalize.StatusFailed,
			DurationSeconds: elapsed, Error: parseErr.Error(),
		}}
	}
	result.Execution.Tool = spec.Name
	result.Execution.Executed = true
	result.Execution.DurationSeconds = elapsed
	if result.Execution.Status == "" {
		result.Execution.Status = spec.Policy.Interpret(exitCode)
	}
	result.SARIFDocument = sarifDocument
	result.SARIFFile = sarifFile
	return result
}

// attachSARIF runs the tool a second time with its SARIF-rendering args and
// nests the decoded document under raw["sarif"] for ExtractSARIF to pull
// back out. A failure here is logged and leaves raw untouched: the tool's
// native findings are still usable even without a SARIF projection.
func (h *Handler) attachSARIF(ctx context.Context, sourcePath string, spec Spec, raw map[string]any) {
	output, _, err := h.runner.Run(ctx, sourcePath, spec.SARIFArgs(sourcePath)...)
	if err != nil {
		h.logger.Warn(ctx, "sarif rendering failed, snapshot carries no sarif reference", "tool", spec.Name, "error", err)
		return
	}
	var doc any
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		h.logger.Warn(ctx, "sarif rendering did not decode as json", "tool", spec.Name, "error", err)
		return
	}
	raw["sarif"] = doc
}

func decodeOutput(output string, jsonOutput bool) (map[string]any, error) {
	if !jsonOutput {
		return map[string]any{"output": output}, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(output), &decoded); err != nil {
		return nil, err
	}
	switch v := decoded.(type) {
	case map[string]any:
		return v, nil
	case []any:
		// Tools whose top-level JSON document is a bare array (e.g.
		// pylint's --output-format=json) are wrapped under "messages" so
		// their parser can find the list without a type switch on the
		// decoded shape.
		return map[string]any{"messages": v}, nil
	default:
		return map[string]any{"output": output}, nil
	}
}
