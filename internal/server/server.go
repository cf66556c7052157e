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
	"github.com/rs/zerolog"

	"caseline/internal/app"
	"caseline/internal/domain"
	"caseline/internal/flow"
	"caseline/internal/repo"
	"caseline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	App      app.App
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"guard_not_satisfied"`
	Message string         `json:"message" example:"transition validate is not admissible"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"unmet\":[\"require_category\"]}"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(requestLogger(cfg.Logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	hcfg := huma.DefaultConfig("Caseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerFlow(group, cfg.App)
	registerRecords(group, cfg.App)
	registerTransitions(group, cfg.App)
	registerSLA(group, cfg.App)
	registerWorkload(group, cfg.App)
	registerEvents(group, cfg.App)
	registerAPIKeys(group, cfg.App)
	registerDevAuth(group, cfg.App, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
			next.ServeHTTP(w, r)
		})
	}
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
	var ute flow.UnknownEntityTypeError
	if errors.As(err, &ute) {
		return newAPIError(http.StatusBadRequest, "unknown_entity_type", err.Error(), map[string]any{"entity_type": ute.EntityType})
	}
	var utr flow.UnknownTransitionError
	if errors.As(err, &utr) {
		return newAPIError(http.StatusBadRequest, "unknown_transition", err.Error(), map[string]any{
			"transition": utr.Name,
			"state_from": utr.State,
		})
	}
	var ge flow.GuardError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusUnprocessableEntity, "guard_not_satisfied", err.Error(), map[string]any{
			"transition": ge.Transition,
			"unmet":      ge.Unmet,
		})
	}
	var te flow.TerminalReentryError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "terminal_reentry", err.Error(), map[string]any{
			"transition": te.Transition,
			"marker":     te.Marker,
		})
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, store.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "store_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	devLoginPath := path.Join(basePath, "auth/dev/login")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Caseline API Docs</title>
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

func registerFlow(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-entity-types",
		Method:      http.MethodGet,
		Path:        "/flow",
		Summary:     "List entity types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		return &struct {
			Body []string `json:"body"`
		}{Body: a.Graph.TypeNames()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity-type",
		Method:      http.MethodGet,
		Path:        "/flow/{entity_type}",
		Summary:     "Entity type flow definition",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
	}) (*struct {
		Body EntityTypeDTO `json:"body"`
	}, error) {
		et, ok := a.Graph.Type(input.EntityType)
		if !ok {
			return nil, handleError(flow.UnknownEntityTypeError{EntityType: input.EntityType})
		}
		return &struct {
			Body EntityTypeDTO `json:"body"`
		}{Body: toEntityTypeDTO(et)}, nil
	})
}

func registerRecords(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-record",
		Method:        http.MethodPost,
		Path:          "/records",
		Summary:       "Create record",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRecordRequest `json:"body"`
	}) (*struct {
		Body RecordDTO `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.EntityType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_type is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := a.CreateRecord(ctx, app.CreateOptions{
			EntityType: input.Body.EntityType,
			ID:         input.Body.ID,
			Priority:   input.Body.Priority,
			Assignee:   input.Body.Assignee,
			Attributes: input.Body.Attributes,
			Actor:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordDTO `json:"body"`
		}{Body: toRecordDTO(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records/{entity_type}",
		Summary:     "List records",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityType      string `path:"entity_type"`
		State           string `query:"state"`
		Assignee        string `query:"assignee"`
		MinPriority     *int   `query:"min_priority"`
		Limit           int    `query:"limit"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []RecordDTO `json:"body"`
	}, error) {
		if _, ok := a.Graph.Type(input.EntityType); !ok {
			return nil, handleError(flow.UnknownEntityTypeError{EntityType: input.EntityType})
		}
		items, err := a.Repo.List(ctx, input.EntityType, store.Filter{
			State:           input.State,
			Assignee:        input.Assignee,
			MinPriority:     input.MinPriority,
			Limit:           input.Limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RecordDTO `json:"body"`
		}{Body: toRecordDTOs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{entity_type}/{record_id}",
		Summary:     "Get record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
		RecordID   string `path:"record_id"`
	}) (*struct {
		Body RecordDTO `json:"body"`
	}, error) {
		item, err := a.Repo.Read(ctx, input.EntityType, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordDTO `json:"body"`
		}{Body: toRecordDTO(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-record",
		Method:      http.MethodPatch,
		Path:        "/records/{entity_type}/{record_id}",
		Summary:     "Update record metadata",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		EntityType string              `path:"entity_type"`
		RecordID   string              `path:"record_id"`
		Body       UpdateRecordRequest `json:"body"`
	}) (*struct {
		Body RecordDTO `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := a.Repo.UpdateMeta(ctx, input.EntityType, input.RecordID, repo.MetaUpdate{
			Assignee:      input.Body.Assignee,
			Priority:      input.Body.Priority,
			SetAttributes: input.Body.Attributes,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordDTO `json:"body"`
		}{Body: toRecordDTO(item)}, nil
	})
}

func registerTransitions(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/records/{entity_type}/{record_id}/transitions",
		Summary:     "List transitions for a record",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
		RecordID   string `path:"record_id"`
	}) (*struct {
		Body []TransitionOptionDTO `json:"body"`
	}, error) {
		_, options, err := a.Controller.ListTransitions(ctx, input.EntityType, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransitionOptionDTO `json:"body"`
		}{Body: toTransitionOptionDTOs(options)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-transition",
		Method:      http.MethodPost,
		Path:        "/records/{entity_type}/{record_id}/transitions",
		Summary:     "Run a transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		EntityType string               `path:"entity_type"`
		RecordID   string               `path:"record_id"`
		Body       RunTransitionRequest `json:"body"`
	}) (*struct {
		Body RecordDTO `json:"body"`
	}, error) {
		if input.Body.Transition == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "transition is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := a.Controller.Execute(ctx, input.EntityType, input.RecordID, input.Body.Transition, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordDTO `json:"body"`
		}{Body: toRecordDTO(item)}, nil
	})
}

func registerSLA(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "record-sla",
		Method:      http.MethodGet,
		Path:        "/records/{entity_type}/{record_id}/sla",
		Summary:     "SLA timing report for a record",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
		RecordID   string `path:"record_id"`
	}) (*struct {
		Body SLAReportDTO `json:"body"`
	}, error) {
		report, err := a.SLAReport(ctx, input.EntityType, input.RecordID, a.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SLAReportDTO `json:"body"`
		}{Body: toSLAReportDTO(report)}, nil
	})
}

func registerWorkload(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "workload",
		Method:      http.MethodGet,
		Path:        "/workload/{entity_type}",
		Summary:     "Workload aggregation by assignee",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityType       string `path:"entity_type"`
		Assignee         string `query:"assignee"`
		State            string `query:"state"`
		IncludeCompleted bool   `query:"include_completed"`
	}) (*struct {
		Body WorkloadReportDTO `json:"body"`
	}, error) {
		report, err := a.Workload(ctx, input.EntityType, store.Filter{
			Assignee: input.Assignee,
			State:    input.State,
		}, input.IncludeCompleted, a.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkloadReportDTO `json:"body"`
		}{Body: toWorkloadReportDTO(report)}, nil
	})
}

func registerEvents(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityType string `query:"entity_type"`
		RecordID   string `query:"record_id"`
	}) (*struct {
		Body []EventDTO `json:"body"`
	}, error) {
		events, err := a.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityType, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventDTO `json:"body"`
		}{Body: toEventDTOs(events)}, nil
	})
}

func registerAPIKeys(api huma.API, a app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			APIKeyDTO
			Key string `json:"key"`
		} `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		secret := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   actorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: a.Now().UTC().Format(time.RFC3339),
		}
		if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				APIKeyDTO
				Key string `json:"key"`
			} `json:"body"`
		}{}
		out.Body.APIKeyDTO = APIKeyDTO{ID: key.ID, ActorID: key.ActorID, Name: key.Name, CreatedAt: key.CreatedAt}
		out.Body.Key = secret
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyDTO `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := a.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeyDTO `json:"body"`
		}{Body: toAPIKeyDTOs(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := a.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "revoked"}}, nil
	})
}

func registerDevAuth(api huma.API, a app.App, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Dev-mode login",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ActorID string `json:"actor_id"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if !auth.DevLogin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := issueDevToken(input.Body.ActorID, auth.JWTSecret, a.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}
