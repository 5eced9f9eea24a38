package server

import (
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
	logging "github.com/ipfs/go-log/v2"

	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/engine"
	"github.com/thiagosm89/lix-carbon/internal/engine/auth"
	"github.com/thiagosm89/lix-carbon/internal/metrics"
	"github.com/thiagosm89/lix-carbon/internal/totem"
)

var log = logging.Logger("server")

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Metrics mounts the Prometheus scrape endpoint at /metrics.
	Metrics bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lot_already_settled"`
	Message string         `json:"message" example:"lot 7c1e already settled (status PAGO_VALIDADORA)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"PAGO_VALIDADORA\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the settlement API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	if cfg.Metrics {
		router.Handle("/metrics", metrics.Handler())
	}
	hcfg := huma.DefaultConfig("LixCarbon Settlement API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerTokens(group, cfg.Engine)
	registerRedemptions(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerLots(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var statusErr huma.StatusError
	if errors.As(err, &statusErr) {
		return statusErr
	}
	var (
		forbidden   auth.ForbiddenError
		invalid     domain.InvalidInputError
		token       domain.TokenNotFoundError
		noEligible  domain.NoEligibleRecordsError
		noSelected  domain.NoRecordsSelectedError
		lotMissing  domain.LotNotFoundError
		recMissing  domain.RecordNotFoundError
		settled     domain.LotAlreadySettledError
		notPayable  domain.RecordNotPayableError
		transition  domain.TransitionError
		persistence domain.PersistenceError
		integrity   domain.IntegrityError
	)
	msg := err.Error()
	switch {
	case errors.As(err, &forbidden):
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"permission": forbidden.Permission})
	case errors.As(err, &invalid):
		return newAPIError(http.StatusBadRequest, "invalid_input", msg, map[string]any{"field": invalid.Field})
	case errors.As(err, &token):
		return newAPIError(http.StatusNotFound, "token_not_found", msg, nil)
	case errors.As(err, &noEligible):
		return newAPIError(http.StatusUnprocessableEntity, "no_eligible_records", msg, nil)
	case errors.As(err, &noSelected):
		return newAPIError(http.StatusUnprocessableEntity, "no_records_selected", msg, nil)
	case errors.As(err, &lotMissing):
		return newAPIError(http.StatusNotFound, "lot_not_found", msg, map[string]any{"lot_id": lotMissing.ID})
	case errors.As(err, &recMissing):
		return newAPIError(http.StatusNotFound, "record_not_found", msg, map[string]any{"record_id": recMissing.ID})
	case errors.As(err, &settled):
		return newAPIError(http.StatusConflict, "lot_already_settled", msg, map[string]any{"lot_id": settled.ID, "status": settled.Status})
	case errors.As(err, &notPayable):
		return newAPIError(http.StatusConflict, "record_not_payable", msg, map[string]any{"record_id": notPayable.ID, "status": notPayable.Status})
	case errors.As(err, &transition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, map[string]any{"from": transition.From, "to": transition.To})
	case errors.Is(err, totem.ErrExhausted):
		return newAPIError(http.StatusServiceUnavailable, "token_codes_exhausted", msg, nil)
	case errors.As(err, &integrity):
		log.Errorw("integrity violation", "op", integrity.Op, "err", integrity.Err)
		return newAPIError(http.StatusInternalServerError, "integrity_error", msg, nil)
	case errors.As(err, &persistence):
		log.Errorw("persistence failure", "op", persistence.Op, "err", persistence.Err)
		return newAPIError(http.StatusServiceUnavailable, "persistence_error", "storage unavailable, retry the request",
			map[string]any{"conflict": errors.Is(err, domain.ErrConflict)})
	default:
		log.Errorw("unhandled error", "err", err)
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	healthPath := path.Join("/", basePath, "health")
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
    <title>LixCarbon API Docs</title>
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
