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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"taskflow/internal/docstore"
	"taskflow/internal/engine/auth"
)

// Config for the HTTP API handler.
type Config struct {
	Store    *docstore.DB
	BasePath string
	Auth     AuthConfig
	// Heartbeat is the interval of keep-alive comments on listen streams.
	Heartbeat time.Duration
	Logger    *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"document not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"collection\":\"tasks\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the TaskFlow document API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: document store required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("TaskFlow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerCollections(group, cfg.Store)
	registerDocuments(group, cfg.Store)
	registerListen(router, basePath, cfg)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, docstore.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(499, "canceled", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func validCollection(name string) error {
	if strings.TrimSpace(name) == "" || strings.Contains(name, "/") {
		return newAPIError(http.StatusBadRequest, "bad_request", "invalid collection name", map[string]any{"collection": name})
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete} {
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
    <title>TaskFlow API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;. Mint one with tf token issue.
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current viewer",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: whoAmIResponse(principal)}, nil
	})
}

func registerCollections(api huma.API, store *docstore.DB) {
	huma.Register(api, huma.Operation{
		OperationID: "list-collections",
		Method:      http.MethodGet,
		Path:        "/collections",
		Summary:     "List collections",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CollectionsResponse `json:"body"`
	}, error) {
		return &struct {
			Body CollectionsResponse `json:"body"`
		}{Body: CollectionsResponse{Collections: store.Collections()}}, nil
	})
}

type documentPath struct {
	Collection string `path:"collection"`
	ID         string `path:"id"`
}

type documentOutput struct {
	ETag string `header:"ETag"`
	Body docstore.Document
}

func newDocumentOutput(d docstore.Document) *documentOutput {
	return &documentOutput{ETag: `"` + d.ETag() + `"`, Body: d}
}

func registerDocuments(api huma.API, store *docstore.DB) {
	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/collections/{collection}/documents/{id}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *documentPath) (*documentOutput, error) {
		if err := validCollection(input.Collection); err != nil {
			return nil, handleError(err)
		}
		d, err := store.Collection(input.Collection).Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return newDocumentOutput(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-document",
		Method:      http.MethodPut,
		Path:        "/collections/{collection}/documents/{id}",
		Summary:     "Write document",
		Description: "Replaces the document, or with merge=true applies the given fields over the stored ones.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Collection string `path:"collection"`
		ID         string `path:"id"`
		Merge      bool   `query:"merge"`
		Body       PutDocumentRequest
	}) (*documentOutput, error) {
		if err := validCollection(input.Collection); err != nil {
			return nil, handleError(err)
		}
		d, err := store.Collection(input.Collection).Set(ctx, input.ID, input.Body.Fields, input.Merge)
		if err != nil {
			return nil, handleError(err)
		}
		return newDocumentOutput(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-document",
		Method:        http.MethodDelete,
		Path:          "/collections/{collection}/documents/{id}",
		Summary:       "Delete document (admin)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden},
	}, func(ctx context.Context, input *documentPath) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireAdmin(principal.Viewer, auth.PermRemoteDel); err != nil {
			return nil, handleError(err)
		}
		if err := validCollection(input.Collection); err != nil {
			return nil, handleError(err)
		}
		if err := store.Collection(input.Collection).Delete(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-documents",
		Method:      http.MethodPost,
		Path:        "/collections/{collection}/query",
		Summary:     "Query documents",
	}, func(ctx context.Context, input *struct {
		Collection string `path:"collection"`
		Body       docstore.Query
	}) (*struct {
		Body QueryResponse `json:"body"`
	}, error) {
		if err := validCollection(input.Collection); err != nil {
			return nil, handleError(err)
		}
		docs, err := store.Collection(input.Collection).Query(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		if docs == nil {
			docs = []docstore.Document{}
		}
		return &struct {
			Body QueryResponse `json:"body"`
		}{Body: QueryResponse{Documents: docs}}, nil
	})
}
