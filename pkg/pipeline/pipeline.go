// Package pipeline implements the Pipeline Orchestrator: multi-step
// workflows composed of Analysis Tasks. The orchestrator never executes a
// task itself — it creates child tasks in PENDING and observes their
// completion, aggregating step and pipeline state from the child tasks'
// terminal outcomes.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/task"
)

// State is a pipeline's (or step's) aggregate lifecycle state, following
// the same COMPLETED/PARTIAL_SUCCESS/FAILED rollup rule at both levels.
type State string

const (
	StatePending        State = "PENDING"
	StateRunning        State = "RUNNING"
	StateCompleted      State = "COMPLETED"
	StatePartialSuccess State = "PARTIAL_SUCCESS"
	StateFailed         State = "FAILED"
)

var terminalStates = map[State]bool{
	StateCompleted:      true,
	StatePartialSuccess: true,
	StateFailed:         true,
}

// IsTerminal reports whether s is a terminal pipeline/step state.
func IsTerminal(s State) bool { return terminalStates[s] }

// StepSpec describes one step at pipeline submission time.
type StepSpec struct {
	Name      string
	Kind      task.Kind
	SubjectID ids.SubjectID
	ToolNames []string
	Config    map[string]any
	Priority  int
	// DependsOn names a prior step that must reach a non-FAILED terminal
	// state before this step's child tasks are created. Empty means the
	// step is eligible to start immediately alongside every other
	// dependency-free step.
	DependsOn string
}

// Step is one step of a Pipeline, tracking the child tasks it spawned and
// its own aggregate state.
type Step struct {
	Name         string
	Kind         task.Kind
	SubjectID    ids.SubjectID
	ToolNames    []string
	Config       map[string]any
	Priority     int
	DependsOn    string
	ChildTaskIDs []ids.TaskID
	State        State
}

// Pipeline is an ordered sequence of steps composing a multi-step
// workflow (e.g. generation then analysis), with its own retention policy:
// terminal pipelines retain every child task record, including failed
// ones, for post-mortem.
type Pipeline struct {
	ID          ids.PipelineID
	Name        string
	Steps       []Step
	State       State
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// ErrNotFound indicates a pipeline does not exist in the store.
var ErrNotFound = errors.New("pipeline not found")

// Store persists Pipelines.
type Store interface {
	Create(ctx context.Context, p Pipeline) error
	Get(ctx context.Context, id ids.PipelineID) (Pipeline, error)
	Update(ctx context.Context, p Pipeline) error
	// ListNotTerminal lists every pipeline whose State is not yet
	// terminal, for the orchestrator's reconciliation sweep.
	ListNotTerminal(ctx context.Context) ([]Pipeline, error)
}

// aggregateChildStates applies the step/pipeline rollup rule to a set of
// terminal-or-not child states: COMPLETED when all are terminal and none
// failed, PARTIAL_SUCCESS when some failed but at least one succeeded,
// FAILED when all failed, RUNNING while any child remains non-terminal.
func aggregateChildStates(states []task.State) State {
	if len(states) == 0 {
		return StatePending
	}
	succeeded, failed, running := 0, 0, 0
	for _, s := range states {
		switch {
		case s == task.StateCompleted || s == task.StatePartialSuccess:
			succeeded++
		case !task.IsTerminal(s):
			running++
		default: // FAILED, CANCELLED
			failed++
		}
	}
	if running > 0 {
		return StateRunning
	}
	switch {
	case failed == 0:
		return StateCompleted
	case succeeded > 0:
		return StatePartialSuccess
	default:
		return StateFailed
	}
}

// aggregateSteps rolls up a pipeline's state from its steps' states using
// the identical rule, treating a step's own State as the unit instead of a
// task's.
func aggregateSteps(steps []Step) State {
	if len(steps) == 0 {
		return StatePending
	}
	succeeded, failed, pending := 0, 0, 0
	for _, s := range steps {
		switch s.State {
		case StateCompleted, StatePartialSuccess:
			succeeded++
		case StateFailed:
			failed++
		default:
			pending++
		}
	}
	if pending > 0 {
		return StateRunning
	}
	switch {
	case failed == 0:
		return StateCompleted
	case succeeded > 0:
		return StatePartialSuccess
	default:
		return StateFailed
	}
}
