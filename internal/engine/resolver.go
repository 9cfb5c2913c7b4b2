package engine

import "github.com/clawdbotmilo/milo-command-center-sub001/internal/domain"

// Resolver outcomes. A Decision either names the next dispatchable task or
// classifies why nothing can be dispatched.
const (
	OutcomeDispatch      = "dispatch"
	OutcomeAllDone       = "all_done"
	OutcomeRunningExists = "running_exists"
	OutcomeBlocked       = "blocked"
)

type Decision struct {
	Outcome string
	TaskID  string
}

// Resolve scans tasks in plan order and returns the first eligible one. A task is
// eligible when it is pending or queued and every dependency is done. With no
// eligible task: all_done when every task is done, running_exists when anything is
// still in flight, blocked otherwise. Blocked is a stuck state the caller must
// surface; the resolver never retries.
//
// Resolve is pure and never mutates state. The plan was validated acyclic when the
// project was finalized, so dependencies are not re-checked here.
func Resolve(state *domain.OrchestrationState) Decision {
	allDone := true
	anyRunning := false
	for _, id := range state.Order {
		t, ok := state.Tasks[id]
		if !ok {
			continue
		}
		switch t.Status {
		case domain.TaskDone:
			continue
		case domain.TaskRunning:
			anyRunning = true
			allDone = false
			continue
		case domain.TaskPending, domain.TaskQueued:
			allDone = false
			if depsDone(state, t) {
				return Decision{Outcome: OutcomeDispatch, TaskID: id}
			}
		default:
			allDone = false
		}
	}
	if allDone {
		return Decision{Outcome: OutcomeAllDone}
	}
	if anyRunning {
		return Decision{Outcome: OutcomeRunningExists}
	}
	return Decision{Outcome: OutcomeBlocked}
}

func depsDone(state *domain.OrchestrationState, t *domain.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := state.Tasks[dep]
		if !ok || d.Status != domain.TaskDone {
			return false
		}
	}
	return true
}

// Recalculate re-derives pending/queued statuses from the dependency graph. Tasks
// whose dependencies are all done move pending -> queued; tasks with unmet
// dependencies regress queued -> pending. Running, done, and failed tasks are never
// touched. The queue listing is rebuilt afterwards.
func Recalculate(state *domain.OrchestrationState) {
	for _, id := range state.Order {
		t, ok := state.Tasks[id]
		if !ok {
			continue
		}
		switch t.Status {
		case domain.TaskPending:
			if depsDone(state, t) {
				t.Status = domain.TaskQueued
			}
		case domain.TaskQueued:
			if !depsDone(state, t) {
				t.Status = domain.TaskPending
			}
		}
	}
	state.RebuildQueue()
}
