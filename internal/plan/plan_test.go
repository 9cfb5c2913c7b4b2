package plan

import (
	"strings"
	"testing"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/domain"
)

const samplePlan = `tasks:
  - id: T1
    name: scaffold
    model: sonnet
  - id: T2
    name: implement
    model: opus
    depends_on: [T1]
  - id: T3
    name: document
    depends_on: [T1]
`

func TestParseAndValidate(t *testing.T) {
	doc, err := Parse(samplePlan)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(doc.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(doc.Tasks))
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "tasks: []", "at least one task"},
		{"missing id", "tasks:\n  - name: x", "id is required"},
		{"duplicate id", "tasks:\n  - id: T1\n    name: a\n  - id: T1\n    name: b", "duplicated"},
		{"self dep", "tasks:\n  - id: T1\n    name: a\n    depends_on: [T1]", "depends on itself"},
		{"unknown dep", "tasks:\n  - id: T1\n    name: a\n    depends_on: [T9]", "unknown task"},
		{"bad model", "tasks:\n  - id: T1\n    name: a\n    model: haiku", "invalid model"},
		{"cycle", "tasks:\n  - id: T1\n    name: a\n    depends_on: [T2]\n  - id: T2\n    name: b\n    depends_on: [T1]", "cycle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := Parse(tc.yaml)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			err = doc.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestInitState(t *testing.T) {
	doc, err := Parse(samplePlan)
	if err != nil {
		t.Fatal(err)
	}
	state := doc.InitState("2024-01-01T00:00:00Z")
	if state.Tasks["T1"].Status != domain.TaskQueued {
		t.Fatalf("T1 should start queued, got %s", state.Tasks["T1"].Status)
	}
	if state.Tasks["T2"].Status != domain.TaskPending {
		t.Fatalf("T2 should start pending, got %s", state.Tasks["T2"].Status)
	}
	if state.Tasks["T3"].Model != domain.ModelSonnet {
		t.Fatalf("T3 should default to sonnet, got %s", state.Tasks["T3"].Model)
	}
	if len(state.Order) != 3 || state.Order[0] != "T1" {
		t.Fatalf("unexpected order %v", state.Order)
	}
	if len(state.Queue) != 1 || state.Queue[0] != "T1" {
		t.Fatalf("unexpected queue %v", state.Queue)
	}
}
