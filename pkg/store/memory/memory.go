// Package memory provides in-memory implementations of task.Store,
// subject.Store, and pipeline.Store, intended for unit tests and local
// development. Production deployments use pkg/store/postgres instead.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/pipeline"
	"github.com/forgebench/anacore/pkg/subject"
	"github.com/forgebench/anacore/pkg/task"
)

// TaskStore is an in-memory, concurrency-safe implementation of task.Store.
// Claim approximates the transactional store's atomic claim: it holds the
// write lock across selection and transition, so two concurrent callers
// never claim the same task.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[ids.TaskID]task.Task
}

var _ task.Store = (*TaskStore)(nil)

// NewTaskStore returns an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[ids.TaskID]task.Task)}
}

// Create implements task.Store.
func (s *TaskStore) Create(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// Claim implements task.Store.
func (s *TaskStore) Claim(_ context.Context, now time.Time) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []task.Task
	for _, t := range s.tasks {
		if t.State != task.StatePending {
			continue
		}
		if t.NotBefore != nil && t.NotBefore.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return task.Task{}, task.ErrNoRunnableTask
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	claimed, err := task.Transition(candidates[0], task.StateRunning, now)
	if err != nil {
		return task.Task{}, err
	}
	s.tasks[claimed.ID] = cloneTask(claimed)
	return cloneTask(claimed), nil
}

// Get implements task.Store.
func (s *TaskStore) Get(_ context.Context, id ids.TaskID) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// Update implements task.Store.
func (s *TaskStore) Update(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return task.ErrTaskNotFound
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// ListByState implements task.Store.
func (s *TaskStore) ListByState(_ context.Context, state task.State, limit int) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []task.Task
	for _, t := range s.tasks {
		if t.State == state {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].StartedAt, out[j].StartedAt
		if ti == nil {
			ti = &out[i].CreatedAt
		}
		if tj == nil {
			tj = &out[j].CreatedAt
		}
		return ti.Before(*tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByPipeline implements task.Store.
func (s *TaskStore) ListByPipeline(_ context.Context, pipelineID ids.PipelineID) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []task.Task
	for _, t := range s.tasks {
		if t.PipelineID != nil && *t.PipelineID == pipelineID {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func cloneTask(in task.Task) task.Task {
	out := in
	if in.ToolNames != nil {
		out.ToolNames = append([]string(nil), in.ToolNames...)
	}
	if in.Config != nil {
		out.Config = make(map[string]any, len(in.Config))
		for k, v := range in.Config {
			out.Config[k] = v
		}
	}
	if in.Summary != nil {
		out.Summary = make(map[string]any, len(in.Summary))
		for k, v := range in.Summary {
			out.Summary[k] = v
		}
	}
	if in.StartedAt != nil {
		t := *in.StartedAt
		out.StartedAt = &t
	}
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		out.CompletedAt = &t
	}
	if in.NotBefore != nil {
		t := *in.NotBefore
		out.NotBefore = &t
	}
	if in.Error != nil {
		e := *in.Error
		out.Error = &e
	}
	return out
}

// SubjectStore is an in-memory, concurrency-safe implementation of
// subject.Store.
type SubjectStore struct {
	mu       sync.Mutex
	subjects map[ids.SubjectID]subject.Subject
}

var _ subject.Store = (*SubjectStore)(nil)

// NewSubjectStore returns an empty SubjectStore.
func NewSubjectStore() *SubjectStore {
	return &SubjectStore{subjects: make(map[ids.SubjectID]subject.Subject)}
}

// Create implements subject.Store.
func (s *SubjectStore) Create(_ context.Context, subj subject.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[subj.ID] = cloneSubject(subj)
	return nil
}

// Get implements subject.Store.
func (s *SubjectStore) Get(_ context.Context, id ids.SubjectID) (subject.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subj, ok := s.subjects[id]
	if !ok {
		return subject.Subject{}, subject.ErrNotFound
	}
	return cloneSubject(subj), nil
}

// GetByKey implements subject.Store.
func (s *SubjectStore) GetByKey(_ context.Context, modelIdentifier string, appNumber int) (subject.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subj := range s.subjects {
		if subj.ModelIdentifier == modelIdentifier && subj.AppNumber == appNumber {
			return cloneSubject(subj), nil
		}
	}
	return subject.Subject{}, subject.ErrNotFound
}

// Update implements subject.Store.
func (s *SubjectStore) Update(_ context.Context, subj subject.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[subj.ID]; !ok {
		return subject.ErrNotFound
	}
	s.subjects[subj.ID] = cloneSubject(subj)
	return nil
}

// ListNotDeleted implements subject.Store.
func (s *SubjectStore) ListNotDeleted(_ context.Context) ([]subject.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []subject.Subject
	for _, subj := range s.subjects {
		if !subj.IsDeleted() {
			out = append(out, cloneSubject(subj))
		}
	}
	return out, nil
}

// UsedPorts implements subject.Store.
func (s *SubjectStore) UsedPorts(_ context.Context) (map[int]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := make(map[int]struct{})
	for _, subj := range s.subjects {
		if subj.IsDeleted() {
			continue
		}
		if subj.BackendPort != 0 {
			used[subj.BackendPort] = struct{}{}
		}
		if subj.FrontendPort != 0 {
			used[subj.FrontendPort] = struct{}{}
		}
	}
	return used, nil
}

func cloneSubject(in subject.Subject) subject.Subject {
	out := in
	if in.MissingSince != nil {
		t := *in.MissingSince
		out.MissingSince = &t
	}
	if in.DeletedAt != nil {
		t := *in.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// PipelineStore is an in-memory, concurrency-safe implementation of
// pipeline.Store.
type PipelineStore struct {
	mu        sync.Mutex
	pipelines map[ids.PipelineID]pipeline.Pipeline
}

var _ pipeline.Store = (*PipelineStore)(nil)

// NewPipelineStore returns an empty PipelineStore.
func NewPipelineStore() *PipelineStore {
	return &PipelineStore{pipelines: make(map[ids.PipelineID]pipeline.Pipeline)}
}

// Create implements pipeline.Store.
func (s *PipelineStore) Create(_ context.Context, p pipeline.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[p.ID] = clonePipeline(p)
	return nil
}

// Get implements pipeline.Store.
func (s *PipelineStore) Get(_ context.Context, id ids.PipelineID) (pipeline.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return pipeline.Pipeline{}, pipeline.ErrNotFound
	}
	return clonePipeline(p), nil
}

// Update implements pipeline.Store.
func (s *PipelineStore) Update(_ context.Context, p pipeline.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; !ok {
		return pipeline.ErrNotFound
	}
	s.pipelines[p.ID] = clonePipeline(p)
	return nil
}

// ListNotTerminal implements pipeline.Store.
func (s *PipelineStore) ListNotTerminal(_ context.Context) ([]pipeline.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pipeline.Pipeline
	for _, p := range s.pipelines {
		if !pipeline.IsTerminal(p.State) {
			out = append(out, clonePipeline(p))
		}
	}
	return out, nil
}

func clonePipeline(in pipeline.Pipeline) pipeline.Pipeline {
	out := in
	out.Steps = make([]pipeline.Step, len(in.Steps))
	for i, step := range in.Steps {
		out.Steps[i] = step
		out.Steps[i].ChildTaskIDs = append([]ids.TaskID(nil), step.ChildTaskIDs...)
		if step.ToolNames != nil {
			out.Steps[i].ToolNames = append([]string(nil), step.ToolNames...)
		}
		if step.Config != nil {
			cfg := make(map[string]any, len(step.Config))
			for k, v := range step.Config {
				cfg[k] = v
			}
			out.Steps[i].Config = cfg
		}
	}
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
