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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"specgate/internal/domain"
	"specgate/internal/eval"
	"specgate/internal/gate"
	"specgate/internal/registry"
	"specgate/internal/repo"
	"specgate/internal/rules"
)

// Config for the HTTP API handler.
type Config struct {
	Gate     *gate.Gate
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"parse_error"`
	Message string         `json:"message" example:"parse error at line 3: expected ','"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Gate.Repo))
	hcfg := huma.DefaultConfig("Specgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRules(group, cfg.Gate)
	registerProjects(group, cfg.Gate)
	registerTasks(group, cfg.Gate)
	registerProposals(group, cfg.Gate)
	registerDecisions(group, cfg.Gate)
	registerDiagnostics(group, cfg.Gate)
	registerEvents(group, cfg.Gate)
	registerAPIKeys(group, cfg.Gate)
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
	var pe *rules.ParseError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadRequest, "parse_error", err.Error(), map[string]any{
			"offset": pe.Pos.Offset,
			"line":   pe.Pos.Line,
			"column": pe.Pos.Column,
		})
	}
	var le *registry.LoadError
	if errors.As(err, &le) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_ruleset", err.Error(), nil)
	}
	var ee *eval.EvalError
	if errors.As(err, &ee) {
		// Undefined predicates are spec defects, not request errors.
		return newAPIError(http.StatusUnprocessableEntity, "evaluation_error", err.Error(), nil)
	}
	if errors.Is(err, gate.ErrNotApprover) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	if errors.Is(err, gate.ErrNoRules) {
		return newAPIError(http.StatusConflict, "no_ruleset", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not pending approval"),
		strings.Contains(lowered, "may not cancel"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "would violate"):
		return newAPIError(http.StatusUnprocessableEntity, "invariant_violation", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Specgate API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

func registerRules(api huma.API, g *gate.Gate) {
	huma.Register(api, huma.Operation{
		OperationID: "load-rules",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/rules",
		Summary:     "Load ruleset",
		Description: "Parses, validates and activates a ruleset. A failed load leaves the previous ruleset active.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      LoadRulesRequest `json:"body"`
	}) (*struct {
		Body RulesetResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Source) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "source is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rs, err := g.LoadRules(ctx, input.ProjectID, input.Body.Source, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RulesetResponse `json:"body"`
		}{Body: rulesetResponse(rs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "Active ruleset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RulesetResponse `json:"body"`
	}, error) {
		rs := g.Rules.Current()
		if rs == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no ruleset loaded", nil)
		}
		return &struct {
			Body RulesetResponse `json:"body"`
		}{Body: rulesetResponse(rs)}, nil
	})
}

func registerProjects(api huma.API, g *gate.Gate) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if input.Body.Workflow == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "workflow is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := g.InitProject(ctx, input.Body.ID, input.Body.Workflow, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, 0)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Project state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, version, err := g.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, version)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/snapshot",
		Summary:     "Project snapshot",
		Description: "The full immutable model view gating evaluates against: project, tasks, commits and version.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap, err := g.Repo.LoadSnapshot(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}

func registerTasks(api huma.API, g *gate.Gate) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-task",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/tasks/{task_id}",
		Summary:     "Upsert task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		TaskID    string            `path:"task_id"`
		Body      UpsertTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := g.UpsertTask(ctx, domain.Task{
			ID:        input.TaskID,
			ProjectID: input.ProjectID,
			Layer:     domain.Layer(input.Body.Layer),
			Title:     input.Body.Title,
			Completed: input.Body.Completed,
			Committed: input.Body.Committed,
		}, actorID)
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
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := g.Repo.ListTasks(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})
}

func registerProposals(api huma.API, g *gate.Gate) {
	huma.Register(api, huma.Operation{
		OperationID: "propose-transition",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/transitions",
		Summary:     "Propose transition",
		Description: "Runs the gate for a state transition. The returned decision is applied, rejected with reasons, or pending_approval for critical actions.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      ProposeTransitionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := g.ProposeTransition(ctx, gate.TransitionProposal{
			ProjectID: input.ProjectID,
			To:        input.Body.To,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "propose-commit",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/commits",
		Summary:     "Propose commit",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      ProposeCommitRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := g.ProposeCommit(ctx, gate.CommitProposal{
			ProjectID: input.ProjectID,
			CommitID:  input.Body.ID,
			Message:   input.Body.Message,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})
}

func registerDecisions(api huma.API, g *gate.Gate) {
	type decisionPath struct {
		DecisionID string `path:"decision_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}",
		Summary:     "Get decision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *decisionPath) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		d, err := g.GetDecision(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/decisions",
		Summary:     "List decisions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"pending_approval,applied,rejected" required:"false"`
	}) (*struct {
		Body []DecisionResponse `json:"body"`
	}, error) {
		items, err := g.Repo.ListDecisions(ctx, input.ProjectID, domain.DecisionStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DecisionResponse `json:"body"`
		}{Body: mapDecisions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-decision",
		Method:      http.MethodPost,
		Path:        "/decisions/{decision_id}/approve",
		Summary:     "Approve decision",
		Description: "Resolves a pending critical decision and applies its action. Approver only; stale proposals are rejected instead of applied.",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *decisionPath) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := g.Approve(ctx, input.DecisionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deny-decision",
		Method:      http.MethodPost,
		Path:        "/decisions/{decision_id}/deny",
		Summary:     "Deny decision",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string      `path:"decision_id"`
		Body       DenyRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := g.Deny(ctx, input.DecisionID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-decision",
		Method:      http.MethodPost,
		Path:        "/decisions/{decision_id}/cancel",
		Summary:     "Cancel decision",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *decisionPath) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := g.Cancel(ctx, input.DecisionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "wait-decision",
		Method:      http.MethodPost,
		Path:        "/decisions/{decision_id}/wait",
		Summary:     "Wait for resolution",
		Description: "Blocks until the decision leaves pending_approval, the request is canceled, or the timeout expires. A timeout rejects the decision.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID     string `path:"decision_id"`
		TimeoutSeconds int    `query:"timeout_seconds" minimum:"0" doc:"0 means wait until resolved or request cancel"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		d, err := g.Await(ctx, input.DecisionID, time.Duration(input.TimeoutSeconds)*time.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})
}

func registerDiagnostics(api huma.API, g *gate.Gate) {
	huma.Register(api, huma.Operation{
		OperationID: "check-invariants",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/violations",
		Summary:     "Check invariants",
		Description: "Evaluates every declared invariant against the current snapshot and returns all violations. Read-only; runs concurrently with gating.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ViolationResponse `json:"body"`
	}, error) {
		violations, err := g.CheckInvariants(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ViolationResponse `json:"body"`
		}{Body: mapViolations(violations)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-transition",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/checks/transition",
		Summary:     "Dry-run transition",
		Description: "Checks a transition without recording a decision or mutating anything.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      ProposeTransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionCheckResponse `json:"body"`
	}, error) {
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		check, err := g.DryRunTransition(ctx, input.ProjectID, input.Body.To)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionCheckResponse `json:"body"`
		}{Body: checkResponse(check)}, nil
	})
}

func registerEvents(api huma.API, g *gate.Gate) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Audit log",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		After     int64  `query:"after" minimum:"0"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := g.Repo.ListEvents(ctx, input.ProjectID, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, g *gate.Gate) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		key := uuid.New().String()
		rec := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(key),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := g.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:      rec.ID,
			ActorID: rec.ActorID,
			Name:    rec.Name,
			Key:     key,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id" required:"false"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := g.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: mapAPIKeys(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := g.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})
}
