package server

import (
	"bytes"
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

	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/engine/gate"
	"pactline/internal/migrate"
	"pactline/internal/projection"
	"pactline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"deadline_passed"`
	Message string         `json:"message" example:"past deadline for this operation"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pactline API.
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
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Pactline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerPartners(group, cfg.Engine)
	registerOutcomes(group, cfg.Engine)
	registerScore(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerAdminTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	var de gate.DeadlineError
	if errors.As(err, &de) {
		return newAPIError(http.StatusUnprocessableEntity, "deadline_passed", err.Error(), map[string]any{
			"task_cid": de.TaskCID,
			"window":   string(de.Window),
			"deadline": de.Deadline.Format(time.RFC3339),
		})
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": te.From,
			"to":   te.To,
		})
	}
	var ce engine.CapacityExceededError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "capacity_exceeded", err.Error(), map[string]any{
			"task_cid": ce.TaskCID,
			"user_cid": ce.UserCID,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
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

// viewer resolves the authenticated principal to its user record.
func viewer(ctx context.Context, e engine.Engine) (domain.User, huma.StatusError) {
	cid, authErr := userCIDFromContext(ctx)
	if authErr != nil {
		return domain.User{}, authErr
	}
	u, err := e.Repo.GetUserByCID(ctx, cid)
	if err != nil {
		return domain.User{}, newAPIError(http.StatusUnauthorized, "unauthorized", "unknown user", nil)
	}
	if !u.Active {
		return domain.User{}, newAPIError(http.StatusForbidden, "forbidden", "user is deactivated", nil)
	}
	return u, nil
}

// participantView hydrates connections and the viewer's outcome for one task.
func participantView(ctx context.Context, e engine.Engine, t domain.Task, u domain.User) (projection.ParticipantTask, error) {
	conns, err := e.Repo.ListConnections(ctx, repo.ConnectionFilters{TaskID: t.ID})
	if err != nil {
		return projection.ParticipantTask{}, err
	}
	outcome, err := e.Repo.GetOutcome(ctx, t.ID, u.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return projection.ParticipantTask{}, err
	}
	return projection.ForParticipant(t, u, conns, outcome), nil
}

func participantViews(ctx context.Context, e engine.Engine, tasks []domain.Task, u domain.User) ([]projection.ParticipantTask, error) {
	out := make([]projection.ParticipantTask, 0, len(tasks))
	for _, t := range tasks {
		p, err := participantView(ctx, e, t, u)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
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
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Pactline API Docs</title>
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

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		body := map[string]any{"status": "ok"}
		if v, err := migrate.Version(e.DB); err == nil {
			body["schema_version"] = v
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, auth AuthConfig) {
	if !auth.AllowDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Dev login by email",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if input.Body.Email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		u, err := e.Repo.GetUserByEmail(ctx, input.Body.Email)
		if err != nil {
			return nil, handleError(err)
		}
		if !u.Active {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "user is deactivated", nil)
		}
		token, err := SignToken(auth.JWTSecret, u.CID, u.IsAdmin, 24*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := e.RecordLogin(ctx, u.CID); err != nil {
			auth.logger().Printf("record login for %s failed: %v", u.CID, err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	registerSkipSet(api, e, "add-skip-confirm-template", "/me/skip-confirm-templates", e.AddSkipConfirmTemplate)
	registerSkipSet(api, e, "add-skip-done-template", "/me/skip-done-templates", e.AddSkipDoneTemplate)

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		raw := "pk_" + strings.ReplaceAll(uuid.New().String(), "-", "")
		key := domain.APIKey{
			ID:        uuid.New().String(),
			UserCID:   u.CID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, Name: key.Name, Key: raw, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/me/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, u.CID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/me/api-keys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, u.CID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, k := range keys {
			if k.ID == input.ID {
				if err := e.Repo.DeleteAPIKey(ctx, k.ID); err != nil {
					return nil, handleError(err)
				}
				return &struct{}{}, nil
			}
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
	})
}

func registerSkipSet(api huma.API, e engine.Engine, opID, route string, add func(context.Context, string, string) (domain.User, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     "Add a template to a skip set",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SkipTemplateRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.TemplateCID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "template_cid is required", nil)
		}
		updated, err := add(ctx, u.CID, input.Body.TemplateCID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(updated)}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		u, err := e.CreateUser(ctx, engine.UserCreateOptions{
			Name:    input.Body.Name,
			Email:   input.Body.Email,
			IsAdmin: input.Body.IsAdmin,
			ActorID: p.UserCID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Q      string `query:"q"`
		Active bool   `query:"active"`
	}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		users, err := e.Repo.ListUsers(ctx, repo.UserFilters{NameContains: input.Q, ActiveOnly: input.Active})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: mapUsers(users)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{cid}",
		Summary:     "Get user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUserByCID(ctx, input.CID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPatch,
		Path:        "/users/{cid}",
		Summary:     "Update user role or active flag",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		CID  string            `path:"cid"`
		Body UpdateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		u, err := e.Repo.GetUserByCID(ctx, input.CID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Active != nil {
			u, err = e.SetUserActive(ctx, input.CID, *input.Body.Active, p.UserCID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.IsAdmin != nil {
			u, err = e.SetUserAdmin(ctx, input.CID, *input.Body.IsAdmin, p.UserCID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-user",
		Method:      http.MethodDelete,
		Path:        "/users/{cid}",
		Summary:     "Delete user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUserByCID(ctx, input.CID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteUserByEmail(ctx, u.Email); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-score",
		Method:      http.MethodGet,
		Path:        "/users/{cid}/score",
		Summary:     "Score report for a user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct {
		Body engine.ScoreReport `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		report, err := e.Score(ctx, input.CID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ScoreReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Title:             input.Body.Title,
			Description:       input.Body.Description,
			PointValue:        input.Body.PointValue,
			Due:               input.Body.Due,
			PublishDate:       input.Body.PublishDate,
			PartnerUpDeadline: input.Body.PartnerUpDeadline,
			ActorID:           p.UserCID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks for the current user",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		View string `query:"view" enum:"open,mine,mine_past,requested" default:"open"`
	}) (*struct {
		Body participantTasks `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		var (
			tasks []domain.Task
			err   error
		)
		switch input.View {
		case "", "open":
			tasks, err = e.OpenTasks(ctx)
		case "mine":
			tasks, err = e.MyTasks(ctx, u.CID)
		case "mine_past":
			tasks, err = e.MyPastTasks(ctx, u.CID)
		case "requested":
			tasks, err = e.RequestedPartnerTasks(ctx, u.CID)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown view", map[string]any{"view": input.View})
		}
		if err != nil {
			return nil, handleError(err)
		}
		items, err := participantViews(ctx, e, tasks, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body participantTasks `json:"body"`
		}{Body: participantTasks{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{cid}",
		Summary:     "Get task as seen by the current user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct {
		Body projection.ParticipantTask `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTaskByCID(ctx, input.CID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := participantView(ctx, e, t, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projection.ParticipantTask `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{cid}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct{}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, input.CID, p.UserCID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	registerTaskAction(api, e, "commit-task", "/tasks/{cid}/commit", "Commit to a task", e.CommitToTask)
	registerTaskAction(api, e, "withdraw-task", "/tasks/{cid}/withdraw", "Withdraw from a task", e.WithdrawFromTask)

	huma.Register(api, huma.Operation{
		OperationID: "mark-task-done",
		Method:      http.MethodPost,
		Path:        "/tasks/{cid}/done",
		Summary:     "Mark a task done",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.MarkDone(ctx, input.CID, u.CID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(o, input.CID, u.CID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-task-broken",
		Method:      http.MethodPost,
		Path:        "/tasks/{cid}/broken",
		Summary:     "Mark a task broken",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.MarkBroken(ctx, input.CID, u.CID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(o, input.CID, u.CID)}, nil
	})
}

func registerTaskAction(api huma.API, e engine.Engine, opID, route, summary string, action func(context.Context, string, string) (domain.Task, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct {
		Body projection.ParticipantTask `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		t, err := action(ctx, input.CID, u.CID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := participantView(ctx, e, t, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projection.ParticipantTask `json:"body"`
		}{Body: p}, nil
	})
}

func registerPartners(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "partner-candidates",
		Method:      http.MethodGet,
		Path:        "/tasks/{cid}/partner-candidates",
		Summary:     "List possible partners for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
		Q   string `query:"q"`
	}) (*struct {
		Body []CandidateResponse `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		candidates, err := e.PartnerCandidates(ctx, input.CID, u.CID, input.Q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CandidateResponse `json:"body"`
		}{Body: mapCandidates(candidates)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-partner",
		Method:        http.MethodPost,
		Path:          "/tasks/{cid}/partner-requests",
		Summary:       "Request a partner",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CID  string                `path:"cid"`
		Body RequestPartnerRequest `json:"body"`
	}) (*struct {
		Body ConnectionResponse `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.CandidateCID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "candidate_cid is required", nil)
		}
		c, err := e.RequestPartner(ctx, input.CID, u.CID, input.Body.CandidateCID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConnectionResponse `json:"body"`
		}{Body: connectionResponse(c, input.CID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-partner",
		Method:      http.MethodPost,
		Path:        "/connections/{cid}/confirm",
		Summary:     "Confirm a partner request",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct {
		Body ConnectionResponse `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ConfirmPartner(ctx, input.CID, u.CID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTask(ctx, c.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConnectionResponse `json:"body"`
		}{Body: connectionResponse(c, t.CID)}, nil
	})

	registerConnectionDrop(api, e, "deny-partner", "/connections/{cid}/deny", "Deny a partner request", e.DenyPartner)
	registerConnectionDrop(api, e, "cancel-partner", "/connections/{cid}/cancel", "Cancel a partner request", e.CancelPartner)
	registerConnectionDrop(api, e, "remove-broken-partner", "/connections/{cid}/remove", "Remove an acknowledged broken partnership", e.RemoveBrokenPartnership)
}

func registerConnectionDrop(api huma.API, e engine.Engine, opID, route, summary string, drop func(context.Context, string, string) error) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct{}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if err := drop(ctx, input.CID, u.CID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerOutcomes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-outcome",
		Method:      http.MethodGet,
		Path:        "/tasks/{cid}/outcome",
		Summary:     "Current user's outcome for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.OutcomeFor(ctx, input.CID, u.CID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(o, input.CID, u.CID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-outcome",
		Method:      http.MethodPost,
		Path:        "/outcomes/{cid}/review",
		Summary:     "Review a pending outcome",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CID  string               `path:"cid"`
		Body ReviewOutcomeRequest `json:"body"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		o, err := e.ReviewOutcome(ctx, input.CID, input.Body.Type, p.UserCID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTask(ctx, o.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		subject, err := e.Repo.GetUser(ctx, o.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(o, t.CID, subject.CID)}, nil
	})
}

func registerScore(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-score",
		Method:      http.MethodGet,
		Path:        "/score",
		Summary:     "Current user's score report",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.ScoreReport `json:"body"`
	}, error) {
		u, authErr := viewer(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.Score(ctx, u.CID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ScoreReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create task template",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.CreateTemplate(ctx, engine.TemplateCreateOptions{
			Title:             input.Body.Title,
			Description:       input.Body.Description,
			PointValue:        input.Body.PointValue,
			PartnerUpDeadline: input.Body.PartnerUpDeadline,
			RepeatFrequency:   input.Body.RepeatFrequency,
			NextPublishDate:   input.Body.NextPublishDate,
			NextDueDate:       input.Body.NextDueDate,
			ActorID:           p.UserCID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List task templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		if _, authErr := viewer(ctx, e); authErr != nil {
			return nil, authErr
		}
		templates, err := e.Repo.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TemplateResponse, 0, len(templates))
		for _, t := range templates {
			out = append(out, templateResponse(t))
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "publish-template",
		Method:        http.MethodPost,
		Path:          "/templates/{cid}/publish",
		Summary:       "Publish the template's next occurrence",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.PublishFromTemplate(ctx, input.CID, p.UserCID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerAdminTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-list-tasks",
		Method:      http.MethodGet,
		Path:        "/admin/tasks",
		Summary:     "List tasks by standing",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Standing string `query:"standing" enum:"open,upcoming,past_due,all" default:"all"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		var (
			tasks []domain.Task
			err   error
		)
		switch input.Standing {
		case "", "all":
			tasks, err = e.Repo.ListTasks(ctx, repo.TaskFilters{})
		case "open":
			tasks, err = e.OpenTasks(ctx)
		case "upcoming":
			tasks, err = e.UpcomingTasks(ctx)
		case "past_due":
			tasks, err = e.PastTasks(ctx)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown standing", map[string]any{"standing": input.Standing})
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, taskResponse(t))
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-get-task",
		Method:      http.MethodGet,
		Path:        "/admin/tasks/{cid}",
		Summary:     "Unfiltered task view",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CID string `path:"cid"`
	}) (*struct {
		Body projection.AdminTask `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTaskByCID(ctx, input.CID)
		if err != nil {
			return nil, handleError(err)
		}
		committed := make([]domain.User, 0, len(t.CommittedUserIDs))
		for _, id := range t.CommittedUserIDs {
			u, err := e.Repo.GetUser(ctx, id)
			if err != nil {
				return nil, handleError(err)
			}
			committed = append(committed, u)
		}
		conns, err := e.Repo.ListConnections(ctx, repo.ConnectionFilters{TaskID: t.ID})
		if err != nil {
			return nil, handleError(err)
		}
		outcomes, err := e.Repo.ListOutcomes(ctx, repo.OutcomeFilters{TaskID: t.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projection.AdminTask `json:"body"`
		}{Body: projection.ForAdmin(t, committed, conns, outcomes)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		events, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}
