// Package executor implements the Task Executor: a long-lived, single-owner
// daemon that claims PENDING tasks, probes the Analyzer Pool for required
// endpoint health, dispatches to the pool, and persists the terminal
// outcome through the Result Store — one task at a time, per process.
//
// Multiple executor instances coordinate only through the transactional
// task.Store; Claim's atomicity is what keeps them from double-running a
// task.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/normalize"
	"github.com/forgebench/anacore/pkg/pool"
	"github.com/forgebench/anacore/pkg/resultstore"
	"github.com/forgebench/anacore/pkg/subject"
	"github.com/forgebench/anacore/pkg/task"
	"github.com/forgebench/anacore/pkg/taskerr"
	"github.com/forgebench/anacore/pkg/telemetry"
)

// Config configures an Executor.
type Config struct {
	// PollInterval governs how often the main loop attempts to claim a new
	// task. 10s in production, typically overridden to a few milliseconds
	// in tests.
	PollInterval time.Duration

	// PreflightMaxRetries is how many times a task may be returned to
	// PENDING awaiting a healthy endpoint before failing outright.
	PreflightMaxRetries int
	// PreflightBackoff is the not-before delay schedule for pre-flight
	// retries, indexed by the retry attempt number (clamped to the last
	// entry once exhausted).
	PreflightBackoff []time.Duration

	// TransientMaxRetries is how many times a dispatch failure classified
	// Transient may return the task to PENDING before it is FAILED.
	TransientMaxRetries int
	// TransientBackoff is the not-before delay schedule for transient
	// dispatch retries, same indexing rule as PreflightBackoff.
	TransientBackoff []time.Duration

	// KindTimeouts overrides the default dispatch timeout per analysis
	// kind. Kinds absent from the map use DefaultTimeout.
	KindTimeouts map[task.Kind]time.Duration
	// DefaultTimeout bounds a single dispatch when KindTimeouts has no
	// entry for the task's kind.
	DefaultTimeout time.Duration

	// CancelPollInterval is how often a dispatched task's state is
	// re-checked for an external cancel request while it is in flight.
	CancelPollInterval time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.PreflightMaxRetries <= 0 {
		c.PreflightMaxRetries = 3
	}
	if len(c.PreflightBackoff) == 0 {
		c.PreflightBackoff = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	}
	if c.TransientMaxRetries <= 0 {
		c.TransientMaxRetries = 3
	}
	if len(c.TransientBackoff) == 0 {
		c.TransientBackoff = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 1800 * time.Second
	}
	if c.KindTimeouts == nil {
		c.KindTimeouts = map[task.Kind]time.Duration{
			task.KindStatic:      1800 * time.Second,
			task.KindSecurity:    1800 * time.Second,
			task.KindPerformance: 1800 * time.Second,
			task.KindDynamic:     1800 * time.Second,
			task.KindAI:          2400 * time.Second,
		}
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewNoopMetrics()
	}
}

// subtaskOutcome records one analyzer kind's outcome within a fanned-out
// comprehensive task, surfaced verbatim in the task summary so callers can
// drive re-run decisions without log inspection.
type subtaskOutcome struct {
	Kind           task.Kind `json:"kind"`
	State          string    `json:"state"`
	Classification string    `json:"classification,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// Executor is a single-owner Task Executor instance. Exactly one goroutine
// ever runs its main loop; Start/Stop make that lifecycle explicit instead
// of an implicit background goroutine kicked off at construction time.
type Executor struct {
	cfg        Config
	tasks      task.Store
	subjects   subject.Store
	dispatcher Dispatcher
	results    *resultstore.Store

	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an Executor over the given stores and dispatcher.
func New(cfg Config, tasks task.Store, subjects subject.Store, dispatcher Dispatcher, results *resultstore.Store) *Executor {
	cfg.setDefaults()
	return &Executor{
		cfg:        cfg,
		tasks:      tasks,
		subjects:   subjects,
		dispatcher: dispatcher,
		results:    results,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// Start launches the main loop in its own goroutine. Calling Start twice
// without an intervening Stop is a programmer error.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(runCtx, e.done)
}

// Stop cancels the main loop and blocks until it has fully drained the task
// it was working on, if any.
func (e *Executor) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Executor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick claims and drives exactly one task to either a terminal state or a
// retry-eligible PENDING, per the executor's single-owner contract.
func (e *Executor) tick(ctx context.Context) {
	now := time.Now()
	t, err := e.tasks.Claim(ctx, now)
	if err != nil {
		if errors.Is(err, task.ErrNoRunnableTask) {
			return
		}
		e.logger.Error(ctx, "claiming next task failed", "error", err)
		return
	}
	e.metrics.IncCounter("executor.task.claimed", 1, "kind", string(t.Kind))
	e.execute(ctx, t)
}

// execute runs one claimed task through pre-flight, dispatch, and
// completion, persisting every transition along the way.
func (e *Executor) execute(ctx context.Context, t task.Task) {
	requiredKinds := task.RequiredKinds(t.Kind)

	if unhealthy := e.firstUnhealthyKind(requiredKinds); unhealthy != "" {
		e.retryPreflight(ctx, t, unhealthy)
		return
	}

	subj, err := e.subjects.Get(ctx, t.SubjectID)
	if err != nil {
		e.fail(ctx, t, taskerr.Wrap(taskerr.Fatal, "loading subject application", err))
		return
	}

	cancelCtx, stopWatch := e.watchCancellation(ctx, t.ID)
	defer stopWatch()

	outcomes, results, err := e.dispatchAll(cancelCtx, t, subj, requiredKinds)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		e.cancelTask(ctx, t)
		return
	}

	e.complete(ctx, t, subj, requiredKinds, outcomes, results)
}

// firstUnhealthyKind returns the first required kind with no healthy
// endpoint, or "" if every required kind currently has at least one.
func (e *Executor) firstUnhealthyKind(kinds []task.Kind) task.Kind {
	for _, k := range kinds {
		if e.dispatcher.HealthyEndpoints(k) == 0 {
			return k
		}
	}
	return ""
}

// retryPreflight returns t to PENDING with a backoff not-before, or fails
// it outright once PreflightMaxRetries is exceeded. Pre-flight retries do
// not consume the transient-failure budget.
func (e *Executor) retryPreflight(ctx context.Context, t task.Task, unhealthyKind task.Kind) {
	if t.PreflightRetries >= e.cfg.PreflightMaxRetries {
		e.fail(ctx, t, taskerr.Errorf(taskerr.Preflight, "no healthy endpoint for kind %s after %d pre-flight retries", unhealthyKind, t.PreflightRetries))
		return
	}

	t.PreflightRetries++
	notBefore := time.Now().Add(backoffFor(e.cfg.PreflightBackoff, t.PreflightRetries))
	t.NotBefore = &notBefore

	updated, err := task.Transition(t, task.StatePending, time.Now())
	if err != nil {
		e.logger.Error(ctx, "pre-flight retry transition failed", "task_id", t.ID, "error", err)
		return
	}
	if err := e.tasks.Update(ctx, updated); err != nil {
		e.logger.Error(ctx, "persisting pre-flight retry failed", "task_id", t.ID, "error", err)
	}
}

func backoffFor(schedule []time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// requiresSubjectPorts is the subset of kinds whose replica handler needs a
// running subject and therefore its allocated ports, mirroring
// pkg/replica.RequiredDockerKinds without importing the replica package
// (the executor dispatches over the Dispatcher interface, never the
// replica worker directly).
var requiresSubjectPorts = map[task.Kind]bool{
	task.KindDynamic:     true,
	task.KindPerformance: true,
}

// requestConfig returns the per-kind config map dispatched to the pool: a
// copy of the task's own config, with the subject's allocated ports merged
// in for kinds whose replica handler must reach a running subject. A copy
// is required because dispatchAll fans out concurrently across kinds and
// t.Config is shared across every goroutine.
func requestConfig(base map[string]any, subj subject.Subject, kind task.Kind) map[string]any {
	out := make(map[string]any, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	if requiresSubjectPorts[kind] {
		out["backend_port"] = subj.BackendPort
		out["frontend_port"] = subj.FrontendPort
	}
	return out
}

func (e *Executor) dispatchTimeout(kind task.Kind) time.Duration {
	if d, ok := e.cfg.KindTimeouts[kind]; ok {
		return d
	}
	return e.cfg.DefaultTimeout
}

// dispatchAll submits one request per required kind, concurrently for
// comprehensive tasks, and collects a per-kind outcome plus raw result.
func (e *Executor) dispatchAll(ctx context.Context, t task.Task, subj subject.Subject, kinds []task.Kind) ([]subtaskOutcome, map[task.Kind]pool.Result, error) {
	type dispatchResult struct {
		kind   task.Kind
		result pool.Result
		err    error
	}

	out := make(chan dispatchResult, len(kinds))
	var wg sync.WaitGroup
	for _, k := range kinds {
		k := k
		wg.Add(1)
		go func() {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout(k))
			defer cancel()
			res, err := e.dispatcher.Dispatch(dctx, k, pool.Request{
				RequestID:  fmt.Sprintf("%s:%s", t.ID, k),
				TaskID:     string(t.ID),
				AppKey:     subj.Key(),
				SourcePath: subj.DirectoryPath,
				ToolNames:  t.ToolNames,
				Config:     requestConfig(t.Config, subj, k),
				Timeout:    e.dispatchTimeout(k),
			})
			out <- dispatchResult{kind: k, result: res, err: err}
		}()
	}
	wg.Wait()
	close(out)

	outcomes := make([]subtaskOutcome, 0, len(kinds))
	results := make(map[task.Kind]pool.Result, len(kinds))
	var cancelled bool
	for dr := range out {
		if dr.err == nil {
			outcomes = append(outcomes, subtaskOutcome{Kind: dr.kind, State: string(task.StateCompleted)})
			results[dr.kind] = dr.result
			continue
		}
		if errors.Is(dr.err, context.Canceled) {
			cancelled = true
		}
		class := taskerr.ClassOf(dr.err)
		outcomes = append(outcomes, subtaskOutcome{
			Kind:           dr.kind,
			State:          string(task.StateFailed),
			Classification: string(class),
			Reason:         dr.err.Error(),
		})
	}
	if cancelled {
		return outcomes, results, context.Canceled
	}
	return outcomes, results, nil
}

// complete applies the Task Executor's completion-phase rules: COMPLETED
// when every subtask succeeded, PARTIAL_SUCCESS when some did and some
// didn't, transient retry or FAILED when none did.
func (e *Executor) complete(ctx context.Context, t task.Task, subj subject.Subject, kinds []task.Kind, outcomes []subtaskOutcome, results map[task.Kind]pool.Result) {
	succeeded, failed := 0, 0
	allTransient := true
	for _, o := range outcomes {
		if o.State == string(task.StateCompleted) {
			succeeded++
			continue
		}
		failed++
		if o.Classification != string(taskerr.Transient) {
			allTransient = false
		}
	}

	switch {
	case failed == 0:
		e.persistSuccess(ctx, t, subj, task.StateCompleted, outcomes, results)
	case succeeded > 0:
		e.persistSuccess(ctx, t, subj, task.StatePartialSuccess, outcomes, results)
	case allTransient && t.TransientRetries < e.cfg.TransientMaxRetries:
		e.retryTransient(ctx, t, outcomes)
	default:
		e.fail(ctx, t, taskerr.Errorf(taskerr.Tool, "all %d subtask(s) failed", len(kinds)))
	}
}

func (e *Executor) persistSuccess(ctx context.Context, t task.Task, subj subject.Subject, state task.State, outcomes []subtaskOutcome, results map[task.Kind]pool.Result) {
	tools := make(map[string]any)
	toolKinds := make(map[string]task.Kind)
	metadata := make(map[string]any)
	for kind, r := range results {
		for name, tr := range r.Tools {
			// normalize.IsReservedKey keeps a reserved key like "_metadata"
			// (dockerdriver's build-retry diagnostic, surfaced by
			// containered.Handler.Serve) from ever reaching
			// toolResultsFromAny and being mistaken for a tool's own
			// execution record; its contents are merged into the task
			// summary directly instead.
			if normalize.IsReservedKey(name) {
				if name == "_metadata" {
					if entry, ok := tr.(map[string]any); ok {
						for k, v := range entry {
							metadata[k] = v
						}
					}
				}
				continue
			}
			tools[name] = tr
			toolKinds[name] = kind
		}
	}
	toolResults, err := toolResultsFromAny(tools)
	if err != nil {
		e.fail(ctx, t, taskerr.Wrap(taskerr.Fatal, "normalising dispatch results", err))
		return
	}

	summary := map[string]any{"subtasks": outcomes, "tools": toolResults, "tool_kinds": toolKinds}
	for k, v := range metadata {
		summary[k] = v
	}

	payload := resultstore.Payload{TaskID: t.ID, Tools: toolResults, ToolKinds: toolKinds, Summary: summary}
	if e.results != nil {
		if err := e.results.Write(ctx, subj.ModelIdentifier, subj.AppNumber, state, payload); err != nil {
			e.logger.Warn(ctx, "result store write failed", "task_id", t.ID, "error", err)
		}
	}

	t.Summary = summary
	updated, err := task.Transition(t, state, time.Now())
	if err != nil {
		e.logger.Error(ctx, "completion transition failed", "task_id", t.ID, "error", err)
		return
	}
	if err := e.tasks.Update(ctx, updated); err != nil {
		e.logger.Error(ctx, "persisting completed task failed", "task_id", t.ID, "error", err)
		return
	}
	e.metrics.IncCounter("executor.task.terminal", 1, "kind", string(t.Kind), "state", string(state))
}

func (e *Executor) retryTransient(ctx context.Context, t task.Task, outcomes []subtaskOutcome) {
	t.TransientRetries++
	notBefore := time.Now().Add(backoffFor(e.cfg.TransientBackoff, t.TransientRetries))
	t.NotBefore = &notBefore

	updated, err := task.Transition(t, task.StatePending, time.Now())
	if err != nil {
		e.logger.Error(ctx, "transient retry transition failed", "task_id", t.ID, "error", err)
		return
	}
	if err := e.tasks.Update(ctx, updated); err != nil {
		e.logger.Error(ctx, "persisting transient retry failed", "task_id", t.ID, "error", err)
		return
	}
	e.logger.Warn(ctx, "task dispatch failed transiently, retrying", "task_id", t.ID, "attempt", t.TransientRetries, "subtasks", outcomes)
}

func (e *Executor) fail(ctx context.Context, t task.Task, failErr error) {
	class := taskerr.ClassOf(failErr)
	t.Error = &task.ErrorDetail{
		Classification: string(class),
		Message:        failErr.Error(),
	}
	updated, err := task.Transition(t, task.StateFailed, time.Now())
	if err != nil {
		e.logger.Error(ctx, "fail transition itself failed", "task_id", t.ID, "error", err)
		return
	}
	if err := e.tasks.Update(ctx, updated); err != nil {
		e.logger.Error(ctx, "persisting failed task failed", "task_id", t.ID, "error", err)
		return
	}
	e.metrics.IncCounter("executor.task.terminal", 1, "kind", string(t.Kind), "state", string(task.StateFailed))
}

// cancelTask transitions a task already marked cancelling to CANCELLED, the
// executor's acknowledgement that it has stopped dispatching on the
// replica's behalf.
func (e *Executor) cancelTask(ctx context.Context, t task.Task) {
	current, err := e.tasks.Get(ctx, t.ID)
	if err != nil {
		e.logger.Error(ctx, "loading task for cancellation failed", "task_id", t.ID, "error", err)
		return
	}
	if current.State != task.StateCancelling {
		return
	}
	updated, err := task.Transition(current, task.StateCancelled, time.Now())
	if err != nil {
		e.logger.Error(ctx, "cancel transition failed", "task_id", t.ID, "error", err)
		return
	}
	if err := e.tasks.Update(ctx, updated); err != nil {
		e.logger.Error(ctx, "persisting cancellation failed", "task_id", t.ID, "error", err)
	}
}

// watchCancellation polls the task store for an external transition to
// cancelling and cancels the returned context the moment it observes one,
// propagating cancellation down into the in-flight dispatch.
func (e *Executor) watchCancellation(parent context.Context, id ids.TaskID) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t, err := e.tasks.Get(ctx, id)
				if err != nil {
					continue
				}
				if t.State == task.StateCancelling {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}

// RequestCancel cancels the task id. A RUNNING task is marked cancelling so
// the owning executor's dispatch loop observes it on its next cancellation
// poll; any other non-terminal task is set to CANCELLED directly; a task
// already in a terminal state is left unchanged. Safe to call from the admin
// HTTP surface, cross-process, since it only mutates via the transactional
// store.
func RequestCancel(ctx context.Context, store task.Store, id ids.TaskID) error {
	t, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.IsTerminal(t.State) {
		return nil
	}
	if t.State != task.StateRunning {
		t.State = task.StateCancelled
		now := time.Now()
		t.CompletedAt = &now
		return store.Update(ctx, t)
	}
	updated, err := task.Transition(t, task.StateCancelling, time.Now())
	if err != nil {
		return err
	}
	return store.Update(ctx, updated)
}
