// Package containered implements the dynamic/performance analyzer kinds'
// tool invocation: these are the two analysis kinds that require a running
// subject application (§4.2's "invokes the Docker Driver if the analysis
// kind requires a running subject"), so the handler starts the subject's
// compose project, waits for health, then runs each requested tool against
// the exposed ports before leaving the project running for a subsequent
// task against the same subject.
package containered

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/forgebench/anacore/pkg/dockerdriver"
	"github.com/forgebench/anacore/pkg/normalize"
	"github.com/forgebench/anacore/pkg/replica/transport"
	"github.com/forgebench/anacore/pkg/taskerr"
	"github.com/forgebench/anacore/pkg/telemetry"
)

// Runner executes one dynamic/performance tool against a running subject's
// base URL.
type Runner interface {
	Run(ctx context.Context, baseURL string, args ...string) (output string, exitCode int, err error)
}

// execRunner is the production Runner, shelling out to the tool binary
// directly, mirroring pkg/replica/tools/cli's subprocess invocation.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, baseURL string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err == nil {
		return buf.String(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return buf.String(), exitErr.ExitCode(), nil
	}
	return buf.String(), -1, err
}

// Spec declares how one dynamic/performance tool is invoked.
type Spec struct {
	Name   string
	Args   func(baseURL string) []string
	Policy normalize.ExitCodePolicy
	// SARIFArgs builds the command line for a second invocation that asks
	// the tool for its native SARIF rendering. Nil means the tool has no
	// SARIF rendering available.
	SARIFArgs func(baseURL string) []string
}

// Registry maps tool names to their Spec.
type Registry map[string]Spec

// Handler runs the requested tool set against a subject application that
// the Docker Driver has brought up and health-checked.
type Handler struct {
	service string
	driver  *dockerdriver.Driver
	specs   Registry
	parsers *normalize.Registry
	runner  Runner
	logger  telemetry.Logger
}

// NewHandler constructs a Handler bound to driver for bringing subjects up,
// specs for the requestable tool set, and parsers for native-output
// decoding. service is the analyzer kind this handler serves ("dynamic" or
// "performance"), used as the SARIF consolidation grouping key.
func NewHandler(service string, driver *dockerdriver.Driver, specs Registry, parsers *normalize.Registry, logger telemetry.Logger, runner Runner) *Handler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if runner == nil {
		runner = execRunner{}
	}
	return &Handler{service: service, driver: driver, specs: specs, parsers: parsers, logger: logger, runner: runner}
}

// Serve is the replica.Handler-compatible entry point.
func (h *Handler) Serve(ctx context.Context, req transport.RequestFrame) (any, error) {
	if len(req.ToolNames) == 0 {
		return nil, taskerr.New(taskerr.Validation, "request carries no tool names")
	}
	target, err := parseTarget(req.AppKey)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.Validation, "parsing subject app key", err)
	}

	healthResult, err := h.driver.Start(ctx, target)
	if err != nil {
		return nil, err // already a classified *taskerr.TaskError from the driver
	}

	baseURL, err := baseURLFromConfig(req.Config)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.Validation, "resolving subject base url", err)
	}

	out := make(map[string]any, len(req.ToolNames)+1)
	for _, name := range req.ToolNames {
		spec, ok := h.specs[name]
		if !ok {
			return nil, taskerr.New(taskerr.Validation, "unknown tool "+name)
		}
		out[name] = h.runOne(ctx, baseURL, spec)
	}
	if healthResult.BuildRetries > 0 {
		// Reserved metadata key: normalize.IsReservedKey skips this when
		// collecting the tools map, and the Task Executor merges it into
		// the task's persisted summary instead.
		out["_metadata"] = map[string]any{"build_retries": healthResult.BuildRetries}
	}
	return out, nil
}

func (h *Handler) runOne(ctx context.Context, baseURL string, spec Spec) normalize.ToolResult {
	output, exitCode, err := h.runner.Run(ctx, baseURL, spec.Args(baseURL)...)
	if err != nil {
		return normalize.ToolResult{Execution: normalize.ExecutionRecord{
			Tool: spec.Name, Executed: true, Status: normalize.StatusFailed, Error: err.Error(),
		}}
	}
	raw := map[string]any{"output": output}
	if spec.SARIFArgs != nil {
		h.attachSARIF(ctx, baseURL, spec, raw)
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
			Tool: spec.Name, Executed: true, Status: normalize.StatusFailed, Error: parseErr.Error(),
		}}
	}
	result.Execution.Tool = spec.Name
	result.Execution.Executed = true
	if result.Execution.Status == "" {
		result.Execution.Status = spec.Policy.Interpret(exitCode)
	}
	result.SARIFDocument = sarifDocument
	result.SARIFFile = sarifFile
	return result
}

// attachSARIF runs the tool a second time with its SARIF-rendering args and
// nests the decoded document under raw["sarif"], mirroring cli.Handler's
// attachSARIF.
func (h *Handler) attachSARIF(ctx context.Context, baseURL string, spec Spec, raw map[string]any) {
	output, _, err := h.runner.Run(ctx, baseURL, spec.SARIFArgs(baseURL)...)
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

// parseTarget splits a subject's natural key ("model/appN", per
// subject.Subject.Key) back into a dockerdriver.Target.
func parseTarget(appKey string) (dockerdriver.Target, error) {
	idx := strings.LastIndex(appKey, "/app")
	if idx < 0 {
		return dockerdriver.Target{}, fmt.Errorf("app key %q is not of the form model/appN", appKey)
	}
	n, err := strconv.Atoi(appKey[idx+len("/app"):])
	if err != nil {
		return dockerdriver.Target{}, fmt.Errorf("app key %q has a non-numeric app number: %w", appKey, err)
	}
	return dockerdriver.Target{Model: appKey[:idx], AppNum: n}, nil
}

// baseURLFromConfig reads the subject's exposed port out of the task's
// config map, set by the Task Executor from the subject record at dispatch
// time, since the replica channel carries no subject.Store access of its
// own.
func baseURLFromConfig(cfg map[string]any) (string, error) {
	port, ok := cfg["backend_port"]
	if !ok {
		return "", fmt.Errorf("task config carries no backend_port")
	}
	switch v := port.(type) {
	case float64:
		return fmt.Sprintf("http://localhost:%d", int(v)), nil
	case int:
		return fmt.Sprintf("http://localhost:%d", v), nil
	default:
		return "", fmt.Errorf("backend_port has unexpected type %T", port)
	}
}
