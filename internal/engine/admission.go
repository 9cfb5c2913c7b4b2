package engine

import "context"

// RunningCounter reports the number of running tasks across all projects.
type RunningCounter interface {
	CountRunning(ctx context.Context) (int, error)
}

// AdmissionController limits concurrent running tasks against a global ceiling.
// It is advisory only: there is no reservation, so callers must re-derive their
// decision from fresh store state on every tick rather than trusting a slot count
// across mutations.
type AdmissionController struct {
	Counter RunningCounter
	Ceiling int
}

// AvailableSlots returns max(0, ceiling - running), counting running tasks in every
// project.
func (a AdmissionController) AvailableSlots(ctx context.Context) (int, error) {
	running, err := a.Counter.CountRunning(ctx)
	if err != nil {
		return 0, err
	}
	free := a.Ceiling - running
	if free < 0 {
		free = 0
	}
	return free, nil
}
