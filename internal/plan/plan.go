// Package plan parses and validates the YAML plan document attached to a project.
// Validation runs once at finalization; the task graph is assumed acyclic afterwards.
package plan

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/domain"
)

// Document models the plan YAML.
type Document struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

type TaskSpec struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	Description        string   `yaml:"description"`
	Model              string   `yaml:"model"`
	DependsOn          []string `yaml:"depends_on"`
	TargetFiles        []string `yaml:"target_files"`
	CompletionCriteria string   `yaml:"completion_criteria"`
}

// Parse decodes a plan document from raw YAML.
func Parse(text string) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("invalid plan yaml: %w", err)
	}
	return &doc, nil
}

// Validate checks the structural rules enforced at finalization: at least one task,
// unique ids, known models, no self-dependencies, no references to unknown tasks,
// and an acyclic dependency graph.
func (d *Document) Validate() error {
	if len(d.Tasks) == 0 {
		return fmt.Errorf("plan is required to contain at least one task")
	}
	byID := make(map[string]TaskSpec, len(d.Tasks))
	for _, t := range d.Tasks {
		if t.ID == "" {
			return fmt.Errorf("plan task id is required")
		}
		if t.Name == "" {
			return fmt.Errorf("plan task %s: name is required", t.ID)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("plan task id %s is duplicated", t.ID)
		}
		if t.Model != "" && !domain.ValidModel(t.Model) {
			return fmt.Errorf("plan task %s: invalid model %q", t.ID, t.Model)
		}
		byID[t.ID] = t
	}
	for _, t := range d.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("plan task %s depends on itself", t.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("plan task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}
	return d.ensureAcyclic(byID)
}

func (d *Document) ensureAcyclic(byID map[string]TaskSpec) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(byID))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("plan dependency cycle involving task %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, t := range d.Tasks {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}

// InitState builds the initial orchestration state for an execution run. Tasks with
// no dependencies start queued, everything else pending. Plan order is preserved.
func (d *Document) InitState(now string) *domain.OrchestrationState {
	state := &domain.OrchestrationState{
		Tasks:   make(map[string]*domain.Task, len(d.Tasks)),
		Order:   make([]string, 0, len(d.Tasks)),
		Updated: now,
	}
	for i, spec := range d.Tasks {
		status := domain.TaskPending
		if len(spec.DependsOn) == 0 {
			status = domain.TaskQueued
		}
		model := spec.Model
		if model == "" {
			model = domain.ModelSonnet
		}
		state.Tasks[spec.ID] = &domain.Task{
			ID:                 spec.ID,
			Name:               spec.Name,
			Description:        spec.Description,
			Model:              model,
			DependsOn:          append([]string(nil), spec.DependsOn...),
			TargetFiles:        append([]string(nil), spec.TargetFiles...),
			CompletionCriteria: spec.CompletionCriteria,
			Status:             status,
			Position:           i,
		}
		state.Order = append(state.Order, spec.ID)
	}
	state.RebuildQueue()
	return state
}
