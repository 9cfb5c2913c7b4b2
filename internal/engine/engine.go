// Package engine owns the project and task state machines. It is stateless between
// calls: every operation loads fresh state from the store, mutates inside a single
// transaction, and broadcasts events after commit.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/bus"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/config"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/dispatch"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/domain"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/events"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/plan"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/repo"
)

// ValidationError reports a rejected operation. Nothing was mutated when one is
// returned.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...any) error {
	return ValidationError{Reason: fmt.Sprintf(format, args...)}
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   events.Writer
	Bus     *bus.Bus
	Spawner dispatch.Spawner
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, b *bus.Bus, spawner dispatch.Spawner, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Audit:   events.Writer{DB: db},
		Bus:     b,
		Spawner: spawner,
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) publish(t bus.EventType, data any) {
	if e.Bus != nil {
		e.Bus.Broadcast(t, data)
	}
}

// CreateProject registers a new draft project.
func (e Engine) CreateProject(ctx context.Context, name string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, validationf("project name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	p := domain.Project{
		Name:      name,
		Status:    domain.ProjectDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Audit.Append(ctx, tx, string(bus.EventProjectCreated), name, name, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.publish(bus.EventProjectCreated, bus.ProjectEventData{Project: name, Status: p.Status})
	return p, nil
}

// GetProject returns a project with its orchestration state, if any.
func (e Engine) GetProject(ctx context.Context, name string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, name)
}

// ListProjects returns all projects.
func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

// SetPlan replaces the plan text of a draft project. The plan is parsed and
// validated up front so a broken plan never lands in the store.
func (e Engine) SetPlan(ctx context.Context, name, planText string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, name)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Status != domain.ProjectDraft {
		return domain.Project{}, validationf("plan can only be edited in draft status, project is %s", p.Status)
	}
	doc, err := plan.Parse(planText)
	if err != nil {
		return domain.Project{}, ValidationError{Reason: err.Error()}
	}
	if err := doc.Validate(); err != nil {
		return domain.Project{}, ValidationError{Reason: err.Error()}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	if err := e.Repo.UpdatePlanText(ctx, tx, name, planText, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Audit.Append(ctx, tx, string(bus.EventProjectPlanUpdated), name, name, events.EventPayload{"tasks": len(doc.Tasks)}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.PlanText = planText
	p.UpdatedAt = now
	e.publish(bus.EventProjectPlanUpdated, bus.ProjectEventData{Project: name, Status: p.Status})
	return p, nil
}

// Finalize moves a draft project to finalized. Requires a non-empty, valid plan.
func (e Engine) Finalize(ctx context.Context, name string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, name)
	if err != nil {
		return domain.Project{}, err
	}
	if err := domain.EnsureProjectTransition(p.Status, domain.ProjectFinalized); err != nil {
		return domain.Project{}, ValidationError{Reason: err.Error()}
	}
	if p.PlanText == "" {
		return domain.Project{}, validationf("cannot finalize %s: plan is empty", name)
	}
	doc, err := plan.Parse(p.PlanText)
	if err != nil {
		return domain.Project{}, ValidationError{Reason: err.Error()}
	}
	if err := doc.Validate(); err != nil {
		return domain.Project{}, ValidationError{Reason: err.Error()}
	}
	return e.setStatus(ctx, p, domain.ProjectFinalized, bus.EventProjectFinalized)
}

// Revert moves a finalized project back to draft so the plan can be edited again.
// Rejected once execution has begun.
func (e Engine) Revert(ctx context.Context, name string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, name)
	if err != nil {
		return domain.Project{}, err
	}
	if err := domain.EnsureProjectTransition(p.Status, domain.ProjectDraft); err != nil {
		return domain.Project{}, ValidationError{Reason: err.Error()}
	}
	return e.setStatus(ctx, p, domain.ProjectDraft, bus.EventProjectReverted)
}

func (e Engine) setStatus(ctx context.Context, p domain.Project, status string, evt bus.EventType) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	if err := e.Repo.UpdateStatus(ctx, tx, p.Name, status, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Audit.Append(ctx, tx, string(evt), p.Name, p.Name, events.EventPayload{"status": status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Status = status
	p.UpdatedAt = now
	e.publish(evt, bus.ProjectEventData{Project: p.Name, Status: status})
	return p, nil
}

// StartExecution moves a finalized project to executing and seeds the orchestration
// state from the plan: tasks without dependencies start queued, the rest pending.
func (e Engine) StartExecution(ctx context.Context, name string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, name)
	if err != nil {
		return domain.Project{}, err
	}
	if err := domain.EnsureProjectTransition(p.Status, domain.ProjectExecuting); err != nil {
		return domain.Project{}, ValidationError{Reason: err.Error()}
	}
	doc, err := plan.Parse(p.PlanText)
	if err != nil {
		return domain.Project{}, ValidationError{Reason: err.Error()}
	}
	if err := doc.Validate(); err != nil {
		return domain.Project{}, ValidationError{Reason: err.Error()}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	state := doc.InitState(now)
	if err := e.Repo.UpdateStatus(ctx, tx, name, domain.ProjectExecuting, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.ReplaceOrchestrationState(ctx, tx, name, state); err != nil {
		return domain.Project{}, err
	}
	if err := e.Audit.Append(ctx, tx, string(bus.EventProjectExecuting), name, name, events.EventPayload{"tasks": len(state.Order)}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Status = domain.ProjectExecuting
	p.State = state
	p.UpdatedAt = now
	e.publish(bus.EventProjectExecuting, bus.ProjectEventData{Project: name, Status: p.Status})
	return p, nil
}

// Tick outcomes.
const (
	TickDispatched     = "dispatched"
	TickCompleted      = "completed"
	TickRunning        = "running"
	TickBlocked        = "blocked"
	TickWaiting        = "waiting"
	TickDispatchFailed = "dispatch_failed"
)

type TickResult struct {
	Outcome string `json:"outcome" enum:"dispatched,completed,running,blocked,waiting,dispatch_failed"`
	TaskID  string `json:"task_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Tick advances an executing project by at most one task. It is idempotent: ticking
// with nothing to do mutates nothing. Concurrent ticks for the same project both
// re-derive their decision from freshly loaded state; the global running ceiling
// bounds the damage of the duplicate-dispatch race.
func (e Engine) Tick(ctx context.Context, name string) (TickResult, error) {
	p, err := e.Repo.GetProject(ctx, name)
	if err != nil {
		return TickResult{}, err
	}
	if p.Status != domain.ProjectExecuting {
		return TickResult{}, validationf("project %s is %s, not executing", name, p.Status)
	}
	if p.State == nil {
		return TickResult{}, validationf("project %s has no orchestration state", name)
	}

	decision := Resolve(p.State)
	switch decision.Outcome {
	case OutcomeAllDone:
		if _, err := e.setStatus(ctx, p, domain.ProjectCompleted, bus.EventProjectCompleted); err != nil {
			return TickResult{}, err
		}
		return TickResult{Outcome: TickCompleted}, nil
	case OutcomeRunningExists:
		return TickResult{Outcome: TickRunning}, nil
	case OutcomeBlocked:
		return TickResult{Outcome: TickBlocked, Detail: "unmet dependencies and nothing in flight"}, nil
	}

	ceiling := 3
	if e.Config != nil && e.Config.Orchestrator.MaxRunning > 0 {
		ceiling = e.Config.Orchestrator.MaxRunning
	}
	admission := AdmissionController{Counter: e.Repo, Ceiling: ceiling}
	slots, err := admission.AvailableSlots(ctx)
	if err != nil {
		return TickResult{}, err
	}
	if slots == 0 {
		return TickResult{Outcome: TickWaiting, TaskID: decision.TaskID}, nil
	}

	task := p.State.Tasks[decision.TaskID]
	startedAt := e.stamp()
	task.Status = domain.TaskRunning
	task.StartedAt = &startedAt
	task.Attempts++
	p.State.Updated = startedAt
	p.State.RebuildQueue()
	if err := e.persistState(ctx, name, p.State, string(bus.EventTaskStarted), task.ID, events.EventPayload{
		"status":   task.Status,
		"attempts": task.Attempts,
	}); err != nil {
		return TickResult{}, err
	}

	sessionKey, spawnErr := e.Spawner.Spawn(ctx, domain.TaskPayload{
		Project:            name,
		TaskID:             task.ID,
		Name:               task.Name,
		Description:        task.Description,
		TargetFiles:        task.TargetFiles,
		CompletionCriteria: task.CompletionCriteria,
		Model:              task.Model,
	})
	if spawnErr != nil {
		// The only place a running transition is rolled back.
		task.Status = domain.TaskQueued
		task.StartedAt = nil
		p.State.Updated = e.stamp()
		p.State.RebuildQueue()
		if err := e.persistState(ctx, name, p.State, string(bus.EventTaskDispatchFailed), task.ID, events.EventPayload{
			"error": spawnErr.Error(),
		}); err != nil {
			return TickResult{}, err
		}
		e.publish(bus.EventTaskDispatchFailed, bus.TaskEventData{
			Project: name, TaskID: task.ID, Status: task.Status, Attempts: task.Attempts, Error: spawnErr.Error(),
		})
		return TickResult{Outcome: TickDispatchFailed, TaskID: task.ID, Detail: spawnErr.Error()}, nil
	}

	task.SessionKey = &sessionKey
	p.State.Updated = e.stamp()
	if err := e.persistState(ctx, name, p.State, "", "", nil); err != nil {
		return TickResult{}, err
	}
	e.publish(bus.EventTaskStarted, bus.TaskEventData{
		Project: name, TaskID: task.ID, Status: domain.TaskRunning, Attempts: task.Attempts, SessionKey: sessionKey,
	})
	return TickResult{Outcome: TickDispatched, TaskID: task.ID}, nil
}

// MarkTaskComplete records the outcome of a running task and then ticks the project
// exactly once so that one completion deterministically admits the next eligible
// task. There is no background poller; this call and external ticks are the only
// progress mechanisms.
func (e Engine) MarkTaskComplete(ctx context.Context, name, taskID string, success bool, errorDetail string) (TickResult, error) {
	p, err := e.Repo.GetProject(ctx, name)
	if err != nil {
		return TickResult{}, err
	}
	if p.Status != domain.ProjectExecuting || p.State == nil {
		return TickResult{}, validationf("project %s is not executing", name)
	}
	task, ok := p.State.Tasks[taskID]
	if !ok {
		return TickResult{}, validationf("unknown task %s in project %s", taskID, name)
	}
	if task.Status != domain.TaskRunning {
		return TickResult{}, validationf("task %s is %s, not running", taskID, task.Status)
	}

	now := e.stamp()
	evt := bus.EventTaskCompleted
	if success {
		task.Status = domain.TaskDone
		task.ErrorDetail = nil
	} else {
		task.Status = domain.TaskFailed
		evt = bus.EventTaskFailed
		if errorDetail != "" {
			task.ErrorDetail = &errorDetail
		}
	}
	task.CompletedAt = &now
	p.State.Updated = now
	Recalculate(p.State)
	payload := events.EventPayload{"status": task.Status}
	if errorDetail != "" {
		payload["error"] = errorDetail
	}
	if err := e.persistState(ctx, name, p.State, string(evt), taskID, payload); err != nil {
		return TickResult{}, err
	}
	e.publish(evt, bus.TaskEventData{
		Project: name, TaskID: taskID, Status: task.Status, Attempts: task.Attempts, Error: errorDetail,
	})
	return e.Tick(ctx, name)
}

// RequeueTask resets a failed task to queued. Failure is terminal for the engine;
// requeueing is always an explicit operator action.
func (e Engine) RequeueTask(ctx context.Context, name, taskID string) (domain.Task, error) {
	p, err := e.Repo.GetProject(ctx, name)
	if err != nil {
		return domain.Task{}, err
	}
	if p.Status != domain.ProjectExecuting || p.State == nil {
		return domain.Task{}, validationf("project %s is not executing", name)
	}
	task, ok := p.State.Tasks[taskID]
	if !ok {
		return domain.Task{}, validationf("unknown task %s in project %s", taskID, name)
	}
	if task.Status != domain.TaskFailed {
		return domain.Task{}, validationf("task %s is %s, only failed tasks can be requeued", taskID, task.Status)
	}

	task.Status = domain.TaskQueued
	task.CompletedAt = nil
	task.ErrorDetail = nil
	task.SessionKey = nil
	task.StartedAt = nil
	p.State.Updated = e.stamp()
	Recalculate(p.State)
	// Recalculate may regress the task to pending when its dependencies are unmet.
	if err := e.persistState(ctx, name, p.State, string(bus.EventTaskRequeued), taskID, events.EventPayload{
		"status": task.Status,
	}); err != nil {
		return domain.Task{}, err
	}
	e.publish(bus.EventTaskRequeued, bus.TaskEventData{
		Project: name, TaskID: taskID, Status: task.Status, Attempts: task.Attempts,
	})
	return *task, nil
}

// DeleteProject removes a project and its tasks and audit trail.
func (e Engine) DeleteProject(ctx context.Context, name string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProject(ctx, tx, name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(bus.EventProjectDeleted, bus.ProjectEventData{Project: name})
	return nil
}

// Snapshot assembles the complete system state for full-state broadcasts and the
// polling egress full mode.
func (e Engine) Snapshot(ctx context.Context) (map[string]any, error) {
	projects, err := e.Repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"projects": projects,
		"time":     e.stamp(),
	}, nil
}

func (e Engine) persistState(ctx context.Context, name string, state *domain.OrchestrationState, evtType, entityID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceOrchestrationState(ctx, tx, name, state); err != nil {
		return err
	}
	if evtType != "" {
		if err := e.Audit.Append(ctx, tx, evtType, name, entityID, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}
