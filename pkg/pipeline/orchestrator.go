package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/task"
	"github.com/forgebench/anacore/pkg/telemetry"
)

// Observer is notified once a pipeline reaches a terminal state. Wired
// implementations (e.g. the Slack webhook in pkg/pipeline/notify) never
// block step advancement: observer calls happen after the pipeline's own
// state has already been persisted.
type Observer interface {
	PipelineCompleted(ctx context.Context, p Pipeline)
}

// Config configures an Orchestrator.
type Config struct {
	// ReconcileInterval governs how often Start's background loop
	// re-evaluates every non-terminal pipeline.
	ReconcileInterval time.Duration // default 5s

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

func (c *Config) setDefaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewNoopMetrics()
	}
}

// Orchestrator composes multi-step workflows from Analysis Tasks. It never
// dispatches a task itself; the Task Executor does that. The orchestrator
// only creates child tasks in PENDING and reconciles step/pipeline state
// from their terminal outcomes.
type Orchestrator struct {
	cfg       Config
	pipelines Store
	tasks     task.Store
	observers []Observer
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an Orchestrator. observers are notified, in order, each
// time a pipeline transitions into a terminal state.
func New(cfg Config, pipelines Store, tasks task.Store, observers ...Observer) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		cfg:       cfg,
		pipelines: pipelines,
		tasks:     tasks,
		observers: observers,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Submit creates a new Pipeline from specs, persists it, and creates child
// tasks for every step with no unmet dependency.
func (o *Orchestrator) Submit(ctx context.Context, name string, specs []StepSpec) (Pipeline, error) {
	steps := make([]Step, 0, len(specs))
	for _, spec := range specs {
		steps = append(steps, Step{
			Name:      spec.Name,
			Kind:      spec.Kind,
			SubjectID: spec.SubjectID,
			ToolNames: spec.ToolNames,
			Config:    spec.Config,
			Priority:  spec.Priority,
			DependsOn: spec.DependsOn,
			State:     StatePending,
		})
	}

	p := Pipeline{ID: ids.NewPipelineID(), Name: name, Steps: steps, State: StatePending, CreatedAt: time.Now()}
	if err := o.pipelines.Create(ctx, p); err != nil {
		return Pipeline{}, fmt.Errorf("creating pipeline: %w", err)
	}

	if err := o.advance(ctx, &p); err != nil {
		return Pipeline{}, err
	}
	if err := o.pipelines.Update(ctx, p); err != nil {
		return Pipeline{}, fmt.Errorf("persisting pipeline after submit: %w", err)
	}
	return p, nil
}

// Reconcile re-derives every step's state from its child tasks' current
// states, advances any step whose dependency just became eligible, rolls
// the pipeline state up, and notifies observers exactly once on the
// transition into a terminal state.
func (o *Orchestrator) Reconcile(ctx context.Context, id ids.PipelineID) error {
	p, err := o.pipelines.Get(ctx, id)
	if err != nil {
		return err
	}
	wasTerminal := IsTerminal(p.State)

	for i := range p.Steps {
		if p.Steps[i].State == StatePending || len(p.Steps[i].ChildTaskIDs) == 0 {
			continue
		}
		states, err := o.childStates(ctx, p.Steps[i].ChildTaskIDs)
		if err != nil {
			return err
		}
		p.Steps[i].State = aggregateChildStates(states)
	}

	if err := o.advance(ctx, &p); err != nil {
		return err
	}

	p.State = aggregateSteps(p.Steps)
	if IsTerminal(p.State) && p.CompletedAt == nil {
		now := time.Now()
		p.CompletedAt = &now
	}

	if err := o.pipelines.Update(ctx, p); err != nil {
		return fmt.Errorf("persisting reconciled pipeline: %w", err)
	}

	if !wasTerminal && IsTerminal(p.State) {
		o.notify(ctx, p)
	}
	return nil
}

// advance creates child tasks for every step that is still PENDING (never
// started) and whose dependency, if any, has reached a non-FAILED
// terminal state. A step depending on one that FAILED is itself marked
// FAILED without ever spawning a child task — failure isolation's
// "blocks advancing" half.
func (o *Orchestrator) advance(ctx context.Context, p *Pipeline) error {
	byName := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		byName[p.Steps[i].Name] = &p.Steps[i]
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		if step.State != StatePending || len(step.ChildTaskIDs) > 0 {
			continue
		}
		if step.DependsOn == "" {
			if err := o.startStep(ctx, p.ID, step); err != nil {
				return err
			}
			continue
		}
		dep, ok := byName[step.DependsOn]
		if !ok || !IsTerminal(dep.State) {
			continue // dependency hasn't resolved yet
		}
		if dep.State == StateFailed {
			step.State = StateFailed
			continue
		}
		if err := o.startStep(ctx, p.ID, step); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) startStep(ctx context.Context, pipelineID ids.PipelineID, step *Step) error {
	t := task.Task{
		ID:         ids.NewTaskID(),
		PipelineID: &pipelineID,
		SubjectID:  step.SubjectID,
		Kind:       step.Kind,
		ToolNames:  step.ToolNames,
		Config:     step.Config,
		Priority:   step.Priority,
		State:      task.StatePending,
		CreatedAt:  time.Now(),
	}
	if err := o.tasks.Create(ctx, t); err != nil {
		return fmt.Errorf("creating child task for step %s: %w", step.Name, err)
	}
	step.ChildTaskIDs = append(step.ChildTaskIDs, t.ID)
	step.State = StateRunning
	o.metrics.IncCounter("pipeline.step.started", 1, "step", step.Name)
	return nil
}

func (o *Orchestrator) childStates(ctx context.Context, taskIDs []ids.TaskID) ([]task.State, error) {
	states := make([]task.State, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, err := o.tasks.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading child task %s: %w", id, err)
		}
		states = append(states, t.State)
	}
	return states, nil
}

func (o *Orchestrator) notify(ctx context.Context, p Pipeline) {
	for _, obs := range o.observers {
		obs.PipelineCompleted(ctx, p)
	}
}

// Start launches a background loop that reconciles every non-terminal
// pipeline on its own ticker, the polling half of "observes completion
// callbacks" since Analysis Tasks do not themselves push into the
// orchestrator.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.loop(runCtx)
}

// Stop cancels the background reconciliation loop and waits for it to
// exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reconcileAll(ctx)
		}
	}
}

func (o *Orchestrator) reconcileAll(ctx context.Context) {
	pipelines, err := o.pipelines.ListNotTerminal(ctx)
	if err != nil {
		o.logger.Error(ctx, "listing non-terminal pipelines failed", "error", err)
		return
	}
	for _, p := range pipelines {
		if err := o.Reconcile(ctx, p.ID); err != nil {
			o.logger.Error(ctx, "reconciling pipeline failed", "pipeline_id", p.ID, "error", err)
		}
	}
}
