package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"planline/internal/controller"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/planner"
	"planline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Controller *controller.Controller
	BasePath   string
	Auth       AuthConfig
	Logger     *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"workflow not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Planline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Controller == nil {
		cfg.Controller = controller.New(cfg.Engine, controller.NewRegistry())
	}
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
	hcfg := huma.DefaultConfig("Planline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine, cfg.Controller, cfg.logger())
	registerEvents(group, cfg.Engine)

	return router, nil
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
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
	if errors.Is(err, controller.ErrNotRunning) {
		return newAPIError(http.StatusConflict, "not_running", err.Error(), nil)
	}
	var cerr *planner.CircularDependencyError
	if errors.As(err, &cerr) {
		return newAPIError(http.StatusUnprocessableEntity, "circular_dependency", err.Error(), map[string]any{"cycle": cerr.Cycle})
	}
	var berr *planner.BudgetExceededError
	if errors.As(err, &berr) {
		return newAPIError(http.StatusUnprocessableEntity, "budget_exceeded", err.Error(), map[string]any{
			"estimated_seconds": berr.EstimatedSeconds,
			"max_seconds":       berr.MaxSeconds,
		})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"), strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		p, err := e.InitProject(ctx, input.Body.Name, input.Body.Description, input.Body.BasePath, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: projects}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:        input.ProjectID,
			Title:            input.Body.Title,
			Instructions:     input.Body.Instructions,
			Priority:         input.Body.Priority,
			EstimatedSeconds: input.Body.EstimatedSeconds,
			Provider:         input.Body.Provider,
			DepOp:            input.Body.DepOp,
			DepExprJSON:      input.Body.DepExprJSON,
			DependsOn:        input.Body.DependsOn,
			BlockedBy:        input.Body.BlockedBy,
			ParentRef:        input.Body.ParentRef,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: input.ProjectID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{seq}",
		Summary:     "Get task",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Seq       int64  `path:"seq"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTaskBySeq(ctx, input.ProjectID, input.Seq)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/tasks/{seq}",
		Summary:     "Update task",
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Seq       int64             `path:"seq"`
		Body      UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ProjectID:        input.ProjectID,
			Seq:              input.Seq,
			Title:            input.Body.Title,
			Instructions:     input.Body.Instructions,
			Status:           input.Body.Status,
			Priority:         input.Body.Priority,
			EstimatedSeconds: input.Body.EstimatedSeconds,
			Provider:         input.Body.Provider,
			DependsOn:        input.Body.DependsOn,
			ActorID:          actorID,
			Force:            input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-plan",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/plan",
		Summary:     "Build the execution plan",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		p, err := e.CreatePlan(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "optimize-plan",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plan/optimize",
		Summary:     "Build and optimize the execution plan",
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      OptimizeRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		p, err := e.OptimizePlan(ctx, input.ProjectID, input.Body.constraints())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine, ctrl *controller.Controller, logger *log.Logger) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Start a workflow",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body StartWorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.Workflow `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ProjectID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project_id is required", nil)
		}
		w, err := e.StartWorkflow(ctx, input.Body.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if ctrl != nil {
			go func() {
				if _, err := ctrl.Run(context.Background(), w.ID); err != nil {
					logger.Printf("workflow %s: %v", w.ID, err)
				}
			}()
		}
		return &struct {
			Body domain.Workflow `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get workflow",
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body domain.Workflow `json:"body"`
	}, error) {
		w, err := e.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workflow `json:"body"`
		}{Body: w}, nil
	})

	type workflowPath struct {
		WorkflowID string `path:"workflow_id"`
	}
	type workflowOut struct {
		Body domain.Workflow `json:"body"`
	}
	signal := func(opID, path, summary string, apply func(string) error) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        path,
			Summary:     summary,
		}, func(ctx context.Context, input *workflowPath) (*workflowOut, error) {
			w, err := e.GetWorkflow(ctx, input.WorkflowID)
			if err != nil {
				return nil, handleError(err)
			}
			if err := apply(w.ID); err != nil {
				return nil, handleError(err)
			}
			w, err = e.GetWorkflow(ctx, input.WorkflowID)
			if err != nil {
				return nil, handleError(err)
			}
			return &workflowOut{Body: w}, nil
		})
	}
	signal("pause-workflow", "/workflows/{workflow_id}/pause", "Pause workflow", ctrl.Registry.Pause)
	signal("resume-workflow", "/workflows/{workflow_id}/resume", "Resume workflow", ctrl.Registry.Resume)
	signal("cancel-workflow", "/workflows/{workflow_id}/cancel", "Cancel workflow", ctrl.Registry.Cancel)
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		After     int64  `query:"after"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		evts, err := e.Repo.EventsAfter(ctx, input.Limit, input.After, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		cursor := input.After
		if len(evts) > 0 {
			cursor = evts[len(evts)-1].ID
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: EventResponse{Events: evts, Cursor: cursor}}, nil
	})
}
