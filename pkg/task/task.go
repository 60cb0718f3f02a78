// Package task defines the Analysis Task entity, its state machine, and the
// Store contract the Task Executor and Pipeline Orchestrator persist through.
//
// A Task is the first-class unit of work. Tasks are created in PENDING by a
// caller (the admin API or the Pipeline Orchestrator) and driven to a
// terminal state exclusively by the Task Executor that claims them.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgebench/anacore/pkg/ids"
)

type (
	// Kind is the requested analysis kind.
	Kind string

	// State is the task lifecycle state.
	State string

	// Task carries everything needed to dispatch, retry, and report on one
	// analysis request against one subject application.
	//
	// Contract:
	//   - Task IDs are server-generated and stable for the task's lifetime.
	//   - A task in a terminal state never changes state again; apart from
	//     administrative purge, its record is only rewritten by the maintenance
	//     backfill that sets has_result_files in its Summary.
	Task struct {
		ID         ids.TaskID
		SubjectID  ids.SubjectID
		PipelineID *ids.PipelineID

		Kind      Kind
		ToolNames []string
		Config    map[string]any
		Priority  int

		State State

		CreatedAt   time.Time
		StartedAt   *time.Time
		CompletedAt *time.Time

		PreflightRetries int
		TransientRetries int
		StuckRetries     int
		NotBefore        *time.Time

		Summary map[string]any
		Error   *ErrorDetail
	}

	// ErrorDetail is the structured failure recorded on a task that reached
	// FAILED or PARTIAL_SUCCESS.
	ErrorDetail struct {
		Classification string
		Message        string
		Reason         string
	}

	// Store persists tasks and implements the atomic claim semantics the Task
	// Executor relies on for safe multi-process operation.
	//
	// Store implementations must be durable and transactional: Claim must
	// atomically select and transition exactly one runnable task per call,
	// even under concurrent callers across processes.
	Store interface {
		// Create inserts a new task in PENDING state.
		Create(ctx context.Context, t Task) error
		// Claim atomically selects the next runnable task ordered by
		// (priority DESC, created_at ASC) among PENDING tasks whose
		// NotBefore is unset or in the past, transitions it to RUNNING with
		// StartedAt set to now, and returns it. Returns ErrNoRunnableTask
		// when nothing is claimable.
		Claim(ctx context.Context, now time.Time) (Task, error)
		// Get loads a task by ID. Returns ErrTaskNotFound when missing.
		Get(ctx context.Context, id ids.TaskID) (Task, error)
		// Update persists a full task record. Callers must only call Update
		// on tasks they own (claimed, or not yet dispatched).
		Update(ctx context.Context, t Task) error
		// ListByState lists tasks in the given state, oldest StartedAt/CreatedAt
		// first, for use by the stuck-task reaper and admin listing.
		ListByState(ctx context.Context, state State, limit int) ([]Task, error)
		// ListByPipeline lists every task belonging to pipelineID, for
		// pipeline aggregation.
		ListByPipeline(ctx context.Context, pipelineID ids.PipelineID) ([]Task, error)
	}
)

const (
	KindSecurity      Kind = "security"
	KindStatic        Kind = "static"
	KindDynamic       Kind = "dynamic"
	KindPerformance   Kind = "performance"
	KindAI            Kind = "ai"
	KindComprehensive Kind = "comprehensive"
)

const (
	StatePending        State = "PENDING"
	StateRunning        State = "RUNNING"
	StateCancelling     State = "cancelling"
	StateCompleted      State = "COMPLETED"
	StatePartialSuccess State = "PARTIAL_SUCCESS"
	StateFailed         State = "FAILED"
	StateCancelled      State = "CANCELLED"
)

var terminalStates = map[State]bool{
	StateCompleted:      true,
	StatePartialSuccess: true,
	StateFailed:         true,
	StateCancelled:      true,
}

// IsTerminal reports whether s is one of the four terminal states, from
// which a task never transitions again.
func IsTerminal(s State) bool { return terminalStates[s] }

var (
	// ErrTaskNotFound indicates a task does not exist in the store.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNoRunnableTask indicates Claim found no PENDING task eligible to run.
	ErrNoRunnableTask = errors.New("no runnable task")
	// ErrInvalidTransition indicates an attempted state transition is not
	// permitted by the task state machine.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// validTransitions enumerates the state machine's edges, mirroring the
// diagram: PENDING -> RUNNING -> {COMPLETED, PARTIAL_SUCCESS, FAILED,
// CANCELLED}, with RUNNING -> PENDING for transient-retry/reaper recovery,
// and cancelling as an intermediate step toward CANCELLED. Any state may
// transition directly to itself only via administrative purge, which
// bypasses this table entirely.
var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateRunning: true,
	},
	StateRunning: {
		StateCompleted:      true,
		StatePartialSuccess: true,
		StateFailed:         true,
		StatePending:        true, // transient retry / reaper
		StateCancelling:     true,
	},
	StateCancelling: {
		StateCancelled: true,
		StateFailed:    true, // cancel raced with a terminal failure
	},
}

// Transition validates and applies a state change, returning the updated
// task. It does not persist the change; callers pass the result to
// Store.Update within the same operation.
func Transition(t Task, to State, now time.Time) (Task, error) {
	if IsTerminal(t.State) {
		return t, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.State)
	}
	allowed := validTransitions[t.State]
	if !allowed[to] {
		return t, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
	}

	t.State = to
	switch to {
	case StateRunning:
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
	case StateCompleted, StatePartialSuccess, StateFailed, StateCancelled:
		completed := now
		t.CompletedAt = &completed
	}
	return t, nil
}

// RequiredKinds expands a task's Kind into the set of analyzer kinds the
// pre-flight phase must probe for liveness. KindComprehensive fans out to
// static, dynamic, performance and ai (not security); all other kinds map
// to themselves.
func RequiredKinds(k Kind) []Kind {
	if k == KindComprehensive {
		return []Kind{KindStatic, KindDynamic, KindPerformance, KindAI}
	}
	return []Kind{k}
}
