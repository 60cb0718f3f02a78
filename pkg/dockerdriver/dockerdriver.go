// Package dockerdriver wraps Compose-style multi-container orchestration for
// each subject application: build, start, stop, rebuild, status, logs, and
// port probing. It shells out to the `docker compose` CLI via os/exec rather
// than a Docker Engine API client, since no library in this module's
// ecosystem offers a pure-Go Compose file interpreter; the CLI is the
// reference implementation of the Compose spec.
package dockerdriver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/forgebench/anacore/pkg/retry"
	"github.com/forgebench/anacore/pkg/taskerr"
	"github.com/forgebench/anacore/pkg/telemetry"
)

// transientTokens are matched case-insensitively against combined
// stdout/stderr to classify a Docker build/up failure as transient.
var transientTokens = []string{"buildkit", "solver", "network", "timeout"}

// Target identifies one subject application's compose project.
type Target struct {
	Model string
	AppNum int
}

// ProjectName derives the deterministic COMPOSE_PROJECT_NAME for t, e.g.
// "gpt-4o-app3". Using a name derived purely from (model, app_num) — never
// the working directory — is required so concurrent builds across
// applications never collide on container/network names.
func (t Target) ProjectName() string {
	slug := strings.ReplaceAll(t.Model, "_", "-")
	return fmt.Sprintf("%s-app%d", slug, t.AppNum)
}

// ContainerHealth is one container's reported health state.
type ContainerHealth struct {
	Service string
	State   string // "healthy", "unhealthy", "starting", "none"
}

// StatusResult is the structured output of Status.
type StatusResult struct {
	Containers []ContainerHealth
	Overall    string // "healthy", "unhealthy", "starting", "absent"
}

// HealthWaitResult is returned by waitForHealth, always, even on timeout, so
// the caller can report diagnostically per spec rather than with a blanket
// failure.
type HealthWaitResult struct {
	Containers []ContainerHealth
	TimedOut   bool
	// BuildRetries is the number of build retries the auto-build-before-start
	// path needed, 0 when no auto-build occurred or it succeeded first try.
	BuildRetries int
}

// Runner executes a command and returns combined stdout+stderr. Swappable in
// tests to avoid invoking a real docker binary.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (output string, err error)
}

// execRunner is the production Runner, invoking the `docker` binary.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// Driver orchestrates one or more subject applications' compose projects.
// It is globally serialisable per (model, app_num): concurrent build/start
// on the same target is rejected, enforced by a per-target mutex; distinct
// targets proceed unconstrained.
type Driver struct {
	runner   Runner
	rootDir  func(Target) string // maps a target to its compose project directory
	logger   telemetry.Logger

	HealthWaitTimeout         time.Duration
	HealthWaitTimeoutPipeline time.Duration
	healthPollInterval        time.Duration

	mu      sync.Mutex
	locked  map[string]bool
}

// New constructs a Driver. rootDir resolves a Target to the filesystem
// directory containing its docker-compose.yml.
func New(rootDir func(Target) string, opts ...Option) *Driver {
	d := &Driver{
		runner:                    execRunner{},
		rootDir:                   rootDir,
		logger:                    telemetry.NewNoopLogger(),
		HealthWaitTimeout:         60 * time.Second,
		HealthWaitTimeoutPipeline: 180 * time.Second,
		healthPollInterval:        2 * time.Second,
		locked:                    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Option configures a Driver.
type Option func(*Driver)

// WithRunner overrides the command runner, for tests.
func WithRunner(r Runner) Option { return func(d *Driver) { d.runner = r } }

// WithLogger sets the driver's logger.
func WithLogger(l telemetry.Logger) Option { return func(d *Driver) { d.logger = l } }

// ErrTargetBusy indicates a build/start/rebuild is already in flight for the
// same target.
var ErrTargetBusy = taskerr.New(taskerr.Validation, "a build/start operation is already in progress for this target")

func (d *Driver) lock(t Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := t.ProjectName()
	if d.locked[key] {
		return ErrTargetBusy
	}
	d.locked[key] = true
	return nil
}

func (d *Driver) unlock(t Target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.locked, t.ProjectName())
}

func (d *Driver) compose(ctx context.Context, t Target, args ...string) (string, error) {
	full := append([]string{"compose", "-p", t.ProjectName()}, args...)
	return d.runner.Run(ctx, d.rootDir(t), full...)
}

// preBuildCleanup runs `down --remove-orphans --rmi local` before a build so
// stale images or leftover containers never block the new one. Failures are
// logged as warnings, not propagated, per the build contract.
func (d *Driver) preBuildCleanup(ctx context.Context, t Target) {
	if _, err := d.compose(ctx, t, "down", "--remove-orphans", "--rmi", "local"); err != nil {
		d.logger.Warn(ctx, "pre-build cleanup failed", "target", t.ProjectName(), "error", err)
	}
}

// Build runs the compose build, retrying on transient Docker errors. It
// returns the number of retries the build needed (0 on a first-try success).
func (d *Driver) Build(ctx context.Context, t Target, noCache bool) (int, error) {
	if err := d.lock(t); err != nil {
		return 0, err
	}
	defer d.unlock(t)
	return d.build(ctx, t, noCache)
}

func (d *Driver) build(ctx context.Context, t Target, noCache bool) (int, error) {
	d.preBuildCleanup(ctx, t)

	args := []string{"build"}
	if noCache {
		args = append(args, "--no-cache")
	}

	attempts := 0
	err := retry.Do(ctx, retry.DockerConfig(), func(ctx context.Context) error {
		attempts++
		out, err := d.compose(ctx, t, args...)
		if err == nil {
			return nil
		}
		return classifyComposeError(out, err)
	})
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	return retries, err
}

// Start runs `up -d` then waits for health. If the target's images are
// absent, Start transparently builds first, removing the "build first"
// failure mode from the caller's perspective.
func (d *Driver) Start(ctx context.Context, t Target) (HealthWaitResult, error) {
	return d.start(ctx, t, d.HealthWaitTimeout)
}

// StartForPipeline is Start with the longer pipeline-mode health timeout,
// passed explicitly rather than through a shared field: distinct targets are
// allowed to Start concurrently (§5), so a shared d.HealthWaitTimeout field
// mutated per call would race.
func (d *Driver) StartForPipeline(ctx context.Context, t Target) (HealthWaitResult, error) {
	return d.start(ctx, t, d.HealthWaitTimeoutPipeline)
}

func (d *Driver) start(ctx context.Context, t Target, healthTimeout time.Duration) (HealthWaitResult, error) {
	if err := d.lock(t); err != nil {
		return HealthWaitResult{}, err
	}
	defer d.unlock(t)

	buildRetries := 0
	status, err := d.status(ctx, t)
	if err != nil || len(status.Containers) == 0 {
		retries, err := d.build(ctx, t, false)
		if err != nil {
			return HealthWaitResult{}, fmt.Errorf("auto-build before start: %w", err)
		}
		buildRetries = retries
	}

	err = retry.Do(ctx, retry.DockerConfig(), func(ctx context.Context) error {
		out, err := d.compose(ctx, t, "up", "-d")
		if err == nil {
			return nil
		}
		return classifyComposeError(out, err)
	})
	if err != nil {
		return HealthWaitResult{}, err
	}

	result, err := d.waitForHealth(ctx, t, healthTimeout)
	result.BuildRetries = buildRetries
	return result, err
}

// Stop runs `down`.
func (d *Driver) Stop(ctx context.Context, t Target) error {
	_, err := d.compose(ctx, t, "down")
	return err
}

// Rebuild runs `build --no-cache` without an implicit start.
func (d *Driver) Rebuild(ctx context.Context, t Target) error {
	if err := d.lock(t); err != nil {
		return err
	}
	defer d.unlock(t)
	_, err := d.build(ctx, t, true)
	return err
}

// Status returns containers found, per-container health, and an overall
// rollup.
func (d *Driver) Status(ctx context.Context, t Target) (StatusResult, error) {
	return d.status(ctx, t)
}

func (d *Driver) status(ctx context.Context, t Target) (StatusResult, error) {
	out, err := d.compose(ctx, t, "ps", "--format", "json")
	if err != nil {
		return StatusResult{}, taskerr.Wrap(taskerr.Transient, "listing compose containers", err)
	}
	containers := parseComposePSHealth(out)
	return StatusResult{Containers: containers, Overall: rollupHealth(containers)}, nil
}

// Logs returns the tail of each service's logs.
func (d *Driver) Logs(ctx context.Context, t Target, tail int) (string, error) {
	return d.compose(ctx, t, "logs", "--tail", fmt.Sprintf("%d", tail))
}

// PortProbe performs a boolean TCP probe from the host.
func (d *Driver) PortProbe(ctx context.Context, port int) bool {
	dialer := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// waitForHealth polls container health every healthPollInterval up to
// timeout. A container with no health check configured is treated as
// healthy; "unhealthy" is terminal; "starting" keeps polling. On timeout the
// result still lists each container's final state, never a blanket failure.
func (d *Driver) waitForHealth(ctx context.Context, t Target, timeout time.Duration) (HealthWaitResult, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := d.status(ctx, t)
		if err != nil {
			return HealthWaitResult{}, err
		}

		if allHealthyOrNone(status.Containers) {
			return HealthWaitResult{Containers: status.Containers}, nil
		}
		if anyUnhealthy(status.Containers) {
			return HealthWaitResult{Containers: status.Containers}, taskerr.New(taskerr.Health, "one or more containers reported unhealthy")
		}
		if time.Now().After(deadline) {
			return HealthWaitResult{Containers: status.Containers, TimedOut: true}, taskerr.New(taskerr.Health, "timed out waiting for container health")
		}

		select {
		case <-ctx.Done():
			return HealthWaitResult{Containers: status.Containers}, ctx.Err()
		case <-time.After(d.healthPollInterval):
		}
	}
}

func classifyComposeError(output string, cause error) error {
	lower := strings.ToLower(output)
	for _, tok := range transientTokens {
		if strings.Contains(lower, tok) {
			return taskerr.Wrap(taskerr.Transient, "docker compose transient failure", cause)
		}
	}
	return taskerr.Wrap(taskerr.Fatal, "docker compose failed", cause)
}

func allHealthyOrNone(containers []ContainerHealth) bool {
	for _, c := range containers {
		if c.State != "healthy" && c.State != "none" {
			return false
		}
	}
	return true
}

func anyUnhealthy(containers []ContainerHealth) bool {
	for _, c := range containers {
		if c.State == "unhealthy" {
			return true
		}
	}
	return false
}

func rollupHealth(containers []ContainerHealth) string {
	if len(containers) == 0 {
		return "absent"
	}
	if anyUnhealthy(containers) {
		return "unhealthy"
	}
	for _, c := range containers {
		if c.State == "starting" {
			return "starting"
		}
	}
	return "healthy"
}
