// Package maintenance implements the Maintenance background actor: the
// stuck-task reaper, the orphan subject-application grace-period sweep, and
// the result-store reconciliation sweep, each on its own ticker, all hosted
// by one actor with an explicit Start/Stop lifecycle rather than implicit
// goroutines kicked off at construction time.
package maintenance

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/forgebench/anacore/pkg/resultstore"
	"github.com/forgebench/anacore/pkg/subject"
	"github.com/forgebench/anacore/pkg/task"
	"github.com/forgebench/anacore/pkg/telemetry"
)

// backfillStates are the terminal states whose has_result_files=false tasks
// are eligible for artifact regeneration, per §4.5: only a task that
// actually completed (possibly with partial tool failures) ever gets a
// result artifact in the first place.
var backfillStates = []task.State{task.StateCompleted, task.StatePartialSuccess}

// DirectoryChecker reports whether a subject application's directory is
// currently present. *osDirectoryChecker backs production use; tests
// substitute a fake so the sweep never touches the real filesystem.
type DirectoryChecker interface {
	Exists(path string) bool
}

type osDirectoryChecker struct{}

func (osDirectoryChecker) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Reconciler is the subset of resultstore.Store the reconciliation sweep
// needs.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]resultstore.ReconcileIssue, error)
	Backfill(ctx context.Context, modelIdentifier string, appNumber int, payload resultstore.Payload) error
}

// backfillListLimit bounds how many tasks of each backfill state a single
// sweep lists before filtering them for has_result_files=false, so one
// pathological backlog never blocks the reconcile ticker from returning.
const backfillListLimit = 200

// Config configures an Actor. Every interval and threshold defaults to the
// values named in the stuck-task reaper and orphan-grace-period sections.
type Config struct {
	ReaperInterval   time.Duration // default 5m
	StuckThreshold   time.Duration // default 15m
	StuckHardLimit   time.Duration // default 2h
	StuckMaxRetries  int           // default 3

	SubjectSweepInterval time.Duration // default 1h
	GracePeriod          time.Duration // default subject.DefaultGracePeriod (7d)

	ReconcileInterval time.Duration // default 10m

	DirectoryChecker DirectoryChecker
	Logger           telemetry.Logger
	Metrics          telemetry.Metrics
}

func (c *Config) setDefaults() {
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 5 * time.Minute
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 15 * time.Minute
	}
	if c.StuckHardLimit <= 0 {
		c.StuckHardLimit = 2 * time.Hour
	}
	if c.StuckMaxRetries <= 0 {
		c.StuckMaxRetries = 3
	}
	if c.SubjectSweepInterval <= 0 {
		c.SubjectSweepInterval = time.Hour
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = subject.DefaultGracePeriod
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 10 * time.Minute
	}
	if c.DirectoryChecker == nil {
		c.DirectoryChecker = osDirectoryChecker{}
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewNoopMetrics()
	}
}

// Actor hosts the three background sweeps as one constructed, start/stop-
// able unit, per the lifecycle-explicitness redesign note.
type Actor struct {
	cfg      Config
	tasks    task.Store
	subjects subject.Store
	results  Reconciler
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs an Actor over the given stores.
func New(cfg Config, tasks task.Store, subjects subject.Store, results Reconciler) *Actor {
	cfg.setDefaults()
	return &Actor{
		cfg:      cfg,
		tasks:    tasks,
		subjects: subjects,
		results:  results,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Start launches the reaper, subject sweep, and reconciliation loops, each
// on its own ticker, until Stop is called or ctx is cancelled.
func (a *Actor) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(3)
	go a.runLoop(runCtx, a.cfg.ReaperInterval, a.ReapStuckTasks)
	go a.runLoop(runCtx, a.cfg.SubjectSweepInterval, a.SweepOrphanSubjects)
	go a.runLoop(runCtx, a.cfg.ReconcileInterval, a.RunReconciliation)
}

// Stop cancels every sweep loop and blocks until each has exited.
func (a *Actor) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
}

func (a *Actor) runLoop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// ReapStuckTasks finds tasks in RUNNING past the stuck threshold and
// transitions them back to PENDING with an incremented stuck-retry
// counter, up to StuckMaxRetries; tasks stuck past StuckHardLimit are
// force-failed regardless of remaining retries.
func (a *Actor) ReapStuckTasks(ctx context.Context) {
	running, err := a.tasks.ListByState(ctx, task.StateRunning, 0)
	if err != nil {
		a.logger.Error(ctx, "listing running tasks for reaper failed", "error", err)
		return
	}

	now := time.Now()
	for _, t := range running {
		if t.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*t.StartedAt)

		switch {
		case elapsed >= a.cfg.StuckHardLimit:
			a.forceFailStuck(ctx, t)
		case elapsed >= a.cfg.StuckThreshold:
			a.reapOne(ctx, t)
		}
	}
}

func (a *Actor) reapOne(ctx context.Context, t task.Task) {
	if t.StuckRetries >= a.cfg.StuckMaxRetries {
		a.forceFailStuck(ctx, t)
		return
	}
	t.StuckRetries++
	updated, err := task.Transition(t, task.StatePending, time.Now())
	if err != nil {
		a.logger.Error(ctx, "reaper transition to pending failed", "task_id", t.ID, "error", err)
		return
	}
	if err := a.tasks.Update(ctx, updated); err != nil {
		a.logger.Error(ctx, "reaper persisting pending task failed", "task_id", t.ID, "error", err)
		return
	}
	a.metrics.IncCounter("maintenance.reaper.reaped", 1, "kind", string(t.Kind))
	a.logger.Warn(ctx, "reaped stuck task back to pending", "task_id", t.ID, "stuck_retries", t.StuckRetries)
}

func (a *Actor) forceFailStuck(ctx context.Context, t task.Task) {
	t.Error = &task.ErrorDetail{Classification: "stuck", Message: "task exceeded stuck-task thresholds", Reason: "stuck"}
	updated, err := task.Transition(t, task.StateFailed, time.Now())
	if err != nil {
		a.logger.Error(ctx, "reaper force-fail transition failed", "task_id", t.ID, "error", err)
		return
	}
	if err := a.tasks.Update(ctx, updated); err != nil {
		a.logger.Error(ctx, "reaper persisting force-failed task failed", "task_id", t.ID, "error", err)
		return
	}
	a.metrics.IncCounter("maintenance.reaper.force_failed", 1, "kind", string(t.Kind))
	a.logger.Warn(ctx, "force-failed task stuck past hard limit", "task_id", t.ID)
}

// SweepOrphanSubjects walks every non-deleted subject application and
// reconciles its directory's presence against MissingSince/DeletedAt per
// the grace-period lifecycle: newly absent directories are marked missing,
// absences that outlive GracePeriod are soft-deleted, and directories that
// reappear before the grace period elapses clear MissingSince.
func (a *Actor) SweepOrphanSubjects(ctx context.Context) {
	subjects, err := a.subjects.ListNotDeleted(ctx)
	if err != nil {
		a.logger.Error(ctx, "listing subjects for orphan sweep failed", "error", err)
		return
	}

	now := time.Now()
	for _, s := range subjects {
		exists := a.cfg.DirectoryChecker.Exists(s.DirectoryPath)

		switch {
		case !exists && s.MissingSince == nil:
			missingSince := now
			s.MissingSince = &missingSince
			a.update(ctx, s, "marked subject application missing")
		case !exists && s.EligibleForPurge(now, a.cfg.GracePeriod):
			deletedAt := now
			s.DeletedAt = &deletedAt
			a.update(ctx, s, "purged subject application past grace period")
		case exists && s.MissingSince != nil:
			s.MissingSince = nil
			a.update(ctx, s, "subject application directory restored")
		}
	}
}

func (a *Actor) update(ctx context.Context, s subject.Subject, msg string) {
	if err := a.subjects.Update(ctx, s); err != nil {
		a.logger.Error(ctx, "orphan sweep update failed", "subject_id", s.ID, "error", err)
		return
	}
	a.logger.Info(ctx, msg, "subject_id", s.ID, "key", s.Key())
}

// RunReconciliation invokes the result store's reconciliation sweep and
// logs any divergence found. It is idempotent: running it twice over an
// unchanged tree reports the same issues, never duplicates or masks them.
func (a *Actor) RunReconciliation(ctx context.Context) {
	if a.results == nil {
		return
	}
	issues, err := a.results.Reconcile(ctx)
	if err != nil {
		a.logger.Error(ctx, "result store reconciliation sweep failed", "error", err)
		return
	}
	if len(issues) > 0 {
		a.metrics.RecordGauge("maintenance.reconcile.issues", float64(len(issues)))
		for _, issue := range issues {
			a.logger.Warn(ctx, "result store reconciliation issue", "dir", issue.Dir, "reason", issue.Reason)
		}
	}

	a.backfillMissingArtifacts(ctx)
}

// backfillMissingArtifacts locates completed (or partially-succeeded) tasks
// whose Write demoted has_result_files to false and regenerates their
// on-disk artifacts from the stored summary, then flips has_result_files
// back to true once the regeneration succeeds. A task whose summary carries
// no reconstructable tools field (e.g. predating this field, or a non-tool
// task) is skipped rather than retried forever.
func (a *Actor) backfillMissingArtifacts(ctx context.Context) {
	if a.tasks == nil || a.subjects == nil {
		return
	}

	var pending []task.Task
	for _, state := range backfillStates {
		tasks, err := a.tasks.ListByState(ctx, state, backfillListLimit)
		if err != nil {
			a.logger.Error(ctx, "listing tasks for artifact backfill failed", "state", state, "error", err)
			continue
		}
		for _, t := range tasks {
			if hasFiles, ok := t.Summary["has_result_files"].(bool); ok && !hasFiles {
				pending = append(pending, t)
			}
		}
	}
	if len(pending) == 0 {
		return
	}

	var backfilled int
	for _, t := range pending {
		if a.backfillOne(ctx, t) {
			backfilled++
		}
	}
	if backfilled > 0 {
		a.metrics.RecordGauge("maintenance.reconcile.backfilled", float64(backfilled))
	}
}

func (a *Actor) backfillOne(ctx context.Context, t task.Task) bool {
	subj, err := a.subjects.Get(ctx, t.SubjectID)
	if err != nil {
		a.logger.Error(ctx, "loading subject for artifact backfill failed", "task_id", t.ID, "error", err)
		return false
	}

	payload, err := resultstore.PayloadFromSummary(t.ID, t.Summary)
	if err != nil {
		a.logger.Warn(ctx, "task summary is not reconstructable, skipping artifact backfill", "task_id", t.ID, "error", err)
		return false
	}

	if err := a.results.Backfill(ctx, subj.ModelIdentifier, subj.AppNumber, payload); err != nil {
		a.logger.Warn(ctx, "artifact backfill write failed, will retry next sweep", "task_id", t.ID, "error", err)
		return false
	}

	if t.Summary == nil {
		t.Summary = make(map[string]any, 1)
	}
	t.Summary["has_result_files"] = true
	if err := a.tasks.Update(ctx, t); err != nil {
		a.logger.Error(ctx, "persisting has_result_files after backfill failed", "task_id", t.ID, "error", err)
		return false
	}
	a.logger.Info(ctx, "regenerated result artifacts from stored summary", "task_id", t.ID)
	return true
}
