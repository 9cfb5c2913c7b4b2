package domain

import (
	"context"
	"fmt"
)

// Project lifecycle statuses.
const (
	ProjectDraft     = "draft"
	ProjectFinalized = "finalized"
	ProjectExecuting = "executing"
	ProjectCompleted = "completed"
)

// Task statuses.
const (
	TaskPending = "pending"
	TaskQueued  = "queued"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

// Worker tiers. The tier is an opaque routing hint for the spawner.
const (
	ModelSonnet = "sonnet"
	ModelOpus   = "opus"
)

type Project struct {
	Name      string              `json:"name"`
	Status    string              `json:"status" enum:"draft,finalized,executing,completed"`
	PlanText  string              `json:"plan_text,omitempty"`
	State     *OrchestrationState `json:"state,omitempty"`
	CreatedAt string              `json:"created_at" format:"date-time"`
	UpdatedAt string              `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Model              string   `json:"model" enum:"sonnet,opus"`
	DependsOn          []string `json:"depends_on,omitempty"`
	TargetFiles        []string `json:"target_files,omitempty"`
	CompletionCriteria string   `json:"completion_criteria,omitempty"`
	Status             string   `json:"status" enum:"pending,queued,running,done,failed"`
	Attempts           int      `json:"attempts"`
	StartedAt          *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string  `json:"completed_at,omitempty" format:"date-time"`
	SessionKey         *string  `json:"session_key,omitempty"`
	ErrorDetail        *string  `json:"error,omitempty"`
	Position           int      `json:"-"`
}

// OrchestrationState holds the task map for an executing project. Order preserves
// plan order and is the resolver's tie-break; Queue is derived from Tasks and may be
// rebuilt at any time.
type OrchestrationState struct {
	Tasks   map[string]*Task `json:"tasks"`
	Order   []string         `json:"order"`
	Queue   []string         `json:"queue"`
	Updated string           `json:"updated" format:"date-time"`
}

// RebuildQueue rederives Queue as the queued task ids in plan order.
func (s *OrchestrationState) RebuildQueue() {
	queue := []string{}
	for _, id := range s.Order {
		if t, ok := s.Tasks[id]; ok && t.Status == TaskQueued {
			queue = append(queue, id)
		}
	}
	s.Queue = queue
}

// TaskPayload is what the engine hands to a worker spawner.
type TaskPayload struct {
	Project            string   `json:"project"`
	TaskID             string   `json:"task_id"`
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	TargetFiles        []string `json:"target_files,omitempty"`
	CompletionCriteria string   `json:"completion_criteria,omitempty"`
	Model              string   `json:"model"`
}

// EnsureProjectTransition validates a project status change. The lifecycle is
// monotonic except the finalized -> draft revert.
func EnsureProjectTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case ProjectDraft:
		if newStatus == ProjectFinalized {
			return nil
		}
	case ProjectFinalized:
		if newStatus == ProjectExecuting || newStatus == ProjectDraft {
			return nil
		}
	case ProjectExecuting:
		if newStatus == ProjectCompleted {
			return nil
		}
	}
	return fmt.Errorf("invalid project status transition %s -> %s", oldStatus, newStatus)
}

// ValidModel reports whether m names a known worker tier.
func ValidModel(m string) bool {
	return m == ModelSonnet || m == ModelOpus
}

// Actor identifies the authenticated caller of an operation. It travels on the
// request context so audit rows can record who triggered a transition.
type Actor struct {
	Subject string
	Source  string
}

type actorKey struct{}

// WithActor attaches the caller identity to the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the caller identity, if one was authenticated.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
