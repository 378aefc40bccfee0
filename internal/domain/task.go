package domain

import "time"

// TaskState is the lifecycle state of a filter task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskCancelled TaskState = "cancelled"
	TaskFailed    TaskState = "failed"
)

// Terminal returns true once the task can no longer change state.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

// Progress milestones emitted during task execution. Per-feature events
// would swamp the host UI, so tasks report only these coarse steps.
const (
	MilestoneBackendResolved     = "backend_resolved"
	MilestoneGeometriesExtracted = "geometries_extracted"
	MilestoneQueryBuilt          = "query_built"
	MilestoneQueryExecuted       = "query_executed"
	MilestoneCommitted           = "committed"
)

// ProgressEvent marks one milestone reached by a running task.
type ProgressEvent struct {
	Milestone string
	At        time.Time
}

// TaskHandle is returned to the caller on submission.
type TaskHandle struct {
	ID   string
	Done <-chan struct{} // closed when the task reaches a terminal state
}

// TaskStatus is a point-in-time snapshot of a task.
type TaskStatus struct {
	ID          string
	State       TaskState
	TargetLayer string
	Backend     BackendKind
	Progress    []ProgressEvent
	Result      *FilterResult
	Err         error
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}
