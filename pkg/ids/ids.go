// Package ids provides strong type identifiers for the entities tracked by
// the orchestration core. Using distinct string types instead of a bare
// string keeps a TaskID from being accidentally passed where a SubjectID is
// expected, at the map key / function signature level.
package ids

import "github.com/google/uuid"

type (
	// TaskID identifies an Analysis Task.
	TaskID string

	// SubjectID identifies a Subject Application under analysis.
	SubjectID string

	// PipelineID identifies a Pipeline Orchestrator run composed of several
	// Analysis Tasks.
	PipelineID string

	// ReplicaID identifies a single replica endpoint of an analyzer kind
	// within the Analyzer Pool.
	ReplicaID string
)

// NewTaskID generates a fresh, random TaskID.
func NewTaskID() TaskID { return TaskID(uuid.NewString()) }

// NewSubjectID generates a fresh, random SubjectID.
func NewSubjectID() SubjectID { return SubjectID(uuid.NewString()) }

// NewPipelineID generates a fresh, random PipelineID.
func NewPipelineID() PipelineID { return PipelineID(uuid.NewString()) }

func (i TaskID) String() string     { return string(i) }
func (i SubjectID) String() string  { return string(i) }
func (i PipelineID) String() string { return string(i) }
func (i ReplicaID) String() string  { return string(i) }
