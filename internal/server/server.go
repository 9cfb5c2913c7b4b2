// Package server exposes the orchestration engine and event bus over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/bus"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/engine"
	"github.com/clawdbotmilo/milo-command-center-sub001/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Bus      *bus.Bus
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"project alpha: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the orchestration API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Milo Command Center API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine, cfg.Bus)
	registerStream(router, basePath, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrExists) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if engine.IsValidation(err) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(specPath))
	})
}

func swaggerHTML(specPath string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Milo Command Center API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, path.Join("/", specPath))
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-create",
		Method:      http.MethodPost,
		Path:        "/projects",
		Summary:     "Create a draft project",
	}, func(ctx context.Context, input *createProjectInput) (*projectOutput, error) {
		p, err := e.CreateProject(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-list",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*projectListOutput, error) {
		projects, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectListOutput{Body: projectListBody{Projects: projects}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-get",
		Method:      http.MethodGet,
		Path:        "/projects/{name}",
		Summary:     "Get a project with its orchestration state",
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		p, err := e.GetProject(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-delete",
		Method:      http.MethodDelete,
		Path:        "/projects/{name}",
		Summary:     "Delete a project",
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		if err := e.DeleteProject(ctx, input.Name); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-set-plan",
		Method:      http.MethodPut,
		Path:        "/projects/{name}/plan",
		Summary:     "Replace the plan of a draft project",
	}, func(ctx context.Context, input *setPlanInput) (*projectOutput, error) {
		p, err := e.SetPlan(ctx, input.Name, input.Body.Plan)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-finalize",
		Method:      http.MethodPost,
		Path:        "/projects/{name}/finalize",
		Summary:     "Finalize a draft project",
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		p, err := e.Finalize(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-revert",
		Method:      http.MethodPost,
		Path:        "/projects/{name}/revert",
		Summary:     "Revert a finalized project to draft",
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		p, err := e.Revert(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-start",
		Method:      http.MethodPost,
		Path:        "/projects/{name}/start",
		Summary:     "Start executing a finalized project",
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		p, err := e.StartExecution(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-tick",
		Method:      http.MethodPost,
		Path:        "/projects/{name}/tick",
		Summary:     "Advance an executing project by at most one task",
	}, func(ctx context.Context, input *projectPath) (*tickOutput, error) {
		res, err := e.Tick(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &tickOutput{Body: res}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-complete",
		Method:      http.MethodPost,
		Path:        "/projects/{name}/tasks/{task_id}/complete",
		Summary:     "Report the outcome of a running task",
		Description: "Marks the task done or failed, then ticks the project once so the next eligible task is admitted.",
	}, func(ctx context.Context, input *completeTaskInput) (*tickOutput, error) {
		res, err := e.MarkTaskComplete(ctx, input.Name, input.TaskID, input.Body.Success, input.Body.Error)
		if err != nil {
			return nil, handleError(err)
		}
		return &tickOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-requeue",
		Method:      http.MethodPost,
		Path:        "/projects/{name}/tasks/{task_id}/requeue",
		Summary:     "Requeue a failed task",
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		task, err := e.RequeueTask(ctx, input.Name, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: task}, nil
	})
}
