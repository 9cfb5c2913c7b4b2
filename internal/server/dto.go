package server

import (
	"encoding/json"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/bus"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/domain"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/engine"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/repo"
)

type projectPath struct {
	Name string `path:"name" maxLength:"128"`
}

type taskPath struct {
	Name   string `path:"name" maxLength:"128"`
	TaskID string `path:"task_id" maxLength:"128"`
}

type createProjectInput struct {
	Body struct {
		Name string `json:"name" minLength:"1" maxLength:"128"`
	}
}

type setPlanInput struct {
	Name string `path:"name" maxLength:"128"`
	Body struct {
		Plan string `json:"plan" minLength:"1"`
	}
}

type completeTaskInput struct {
	Name   string `path:"name" maxLength:"128"`
	TaskID string `path:"task_id" maxLength:"128"`
	Body   struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty" maxLength:"4096"`
	}
}

type projectOutput struct {
	Body domain.Project
}

type projectListBody struct {
	Projects []domain.Project `json:"projects"`
}

type projectListOutput struct {
	Body projectListBody
}

type taskOutput struct {
	Body domain.Task
}

type tickOutput struct {
	Body engine.TickResult
}

type ingestEventInput struct {
	Body struct {
		Type string          `json:"type" minLength:"1"`
		Data json.RawMessage `json:"data,omitempty"`
	}
}

type ingestBatchInput struct {
	Body struct {
		Events []struct {
			Type string          `json:"type" minLength:"1"`
			Data json.RawMessage `json:"data,omitempty"`
		} `json:"events" minItems:"1"`
	}
}

type ingestStateInput struct {
	Body struct {
		State json.RawMessage `json:"state"`
	}
}

type ingestBody struct {
	Sequence  int64 `json:"sequence"`
	Listeners int   `json:"listeners"`
}

type ingestOutput struct {
	Body ingestBody
}

type pollInput struct {
	// Since is a string so an absent parameter is distinguishable from since=0.
	Since string `query:"since" pattern:"^[0-9]*$"`
}

type pollBody struct {
	Mode     string          `json:"mode" enum:"full,delta"`
	State    json.RawMessage `json:"state,omitempty"`
	Events   []bus.Event     `json:"events,omitempty"`
	Sequence int64           `json:"sequence"`
}

type pollOutput struct {
	Body pollBody
}

type eventLogInput struct {
	Name  string `path:"name" maxLength:"128"`
	Limit int    `query:"limit" minimum:"1" maximum:"500"`
}

type eventLogBody struct {
	Events []repo.AuditEvent `json:"events"`
}

type eventLogOutput struct {
	Body eventLogBody
}
