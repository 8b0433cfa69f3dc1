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

	"tunebench/internal/config"
	"tunebench/internal/engine"
	"tunebench/internal/repo"
	"tunebench/internal/sched"
	"tunebench/internal/tunables"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"backlog_full"`
	Message string         `json:"message" example:"backlog full: 64 pending trials, limit 64"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the tunebench API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Tunebench API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerExperiments(group, cfg.Engine)
	registerTrials(group, cfg.Engine)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrExperimentExists) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrSchemaMismatch) {
		return newAPIError(http.StatusConflict, "schema_mismatch", err.Error(), nil)
	}
	var capErr sched.CapacityError
	if errors.As(err, &capErr) {
		return newAPIError(http.StatusConflict, "backlog_full", err.Error(), map[string]any{
			"pending": capErr.Pending,
			"limit":   capErr.Limit,
		})
	}
	var trErr sched.TransitionError
	if errors.As(err, &trErr) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": trErr.From,
			"to":   trErr.To,
		})
	}
	var valErr tunables.ValueError
	if errors.As(err, &valErr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"tunable": valErr.Tunable})
	}
	var schErr tunables.SchemaError
	if errors.As(err, &schErr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func registerExperiments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-experiment",
		Method:        http.MethodPost,
		Path:          "/experiments",
		Summary:       "Create experiment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateExperimentRequest `json:"body"`
	}) (*struct {
		Body ExperimentResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cfg := &config.Config{}
		cfg.Experiment.ID = input.Body.ID
		if input.Body.Description != nil {
			cfg.Experiment.Description = *input.Body.Description
		}
		for _, o := range input.Body.Objectives {
			cfg.Objectives = append(cfg.Objectives, config.Objective{Metric: o.Metric, Direction: o.Direction})
		}
		cfg.Tunables.Groups = input.Body.Groups
		exp, err := e.CreateExperiment(ctx, cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExperimentResponse `json:"body"`
		}{Body: experimentResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-experiments",
		Method:      http.MethodGet,
		Path:        "/experiments",
		Summary:     "List experiments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ExperimentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListExperiments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]ExperimentResponse, 0, len(items))
		for _, item := range items {
			resp = append(resp, experimentResponse(item))
		}
		return &struct {
			Body []ExperimentResponse `json:"body"`
		}{Body: resp}, nil
	})

	type expPath struct {
		ExperimentID string `path:"experiment_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-experiment",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}",
		Summary:     "Get experiment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *expPath) (*struct {
		Body ExperimentResponse `json:"body"`
	}, error) {
		exp, err := e.Repo.GetExperiment(ctx, input.ExperimentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExperimentResponse `json:"body"`
		}{Body: experimentResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "experiment-summary",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/summary",
		Summary:     "Experiment status rollup with the best trial so far",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *expPath) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		summary, err := e.Summarize(ctx, input.ExperimentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(summary)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-experiment",
		Method:      http.MethodPost,
		Path:        "/experiments/{experiment_id}/merge",
		Summary:     "Merge another experiment's trial history into this one",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		expPath
		Body MergeRequest `json:"body"`
	}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		if input.Body.Source == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "source is required", nil)
		}
		if err := e.Merge(ctx, input.ExperimentID, input.Body.Source); err != nil {
			return nil, handleError(err)
		}
		summary, err := e.Summarize(ctx, input.ExperimentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(summary)}, nil
	})
}

func registerTrials(api huma.API, e *engine.Engine) {
	type expPath struct {
		ExperimentID string `path:"experiment_id"`
	}
	type trialPath struct {
		ExperimentID string `path:"experiment_id"`
		TrialID      int64  `path:"trial_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "submit-trials",
		Method:        http.MethodPost,
		Path:          "/experiments/{experiment_id}/trials",
		Summary:       "Submit trials for a parameter assignment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		expPath
		Body SubmitTrialsRequest `json:"body"`
	}) (*struct {
		Body SubmitTrialsResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ids, uid, err := e.SubmitTrials(ctx, input.ExperimentID, input.Body.Values, input.Body.Repeat)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitTrialsResponse `json:"body"`
		}{Body: SubmitTrialsResponse{TrialIDs: ids, ConfigUID: uid}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-trials",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/trials",
		Summary:     "List trials",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		expPath
		Status string `query:"status" enum:"PENDING,IN_PROGRESS,SUCCEEDED,FAILED,TIMED_OUT,CANCELED,"`
		Limit  int    `query:"limit" minimum:"0" maximum:"10000"`
	}) (*struct {
		Body []TrialResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetExperiment(ctx, input.ExperimentID); err != nil {
			return nil, handleError(err)
		}
		trials, err := e.Repo.ListTrials(ctx, repo.TrialFilters{
			ExperimentID: input.ExperimentID,
			Status:       input.Status,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]TrialResponse, 0, len(trials))
		for _, t := range trials {
			resp = append(resp, trialResponse(t))
		}
		return &struct {
			Body []TrialResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trial",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/trials/{trial_id}",
		Summary:     "Get trial",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *trialPath) (*struct {
		Body TrialResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTrial(ctx, input.ExperimentID, input.TrialID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrialResponse `json:"body"`
		}{Body: trialResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-trial",
		Method:      http.MethodPost,
		Path:        "/experiments/{experiment_id}/trials/{trial_id}/cancel",
		Summary:     "Cancel a trial",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *trialPath) (*struct {
		Body CancelTrialResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		canceled, err := e.CancelTrial(ctx, input.ExperimentID, input.TrialID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTrial(ctx, input.ExperimentID, input.TrialID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CancelTrialResponse `json:"body"`
		}{Body: CancelTrialResponse{Canceled: canceled, Status: t.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trial-results",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/trials/{trial_id}/results",
		Summary:     "Trial metric results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *trialPath) (*struct {
		Body map[string]float64 `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTrial(ctx, input.ExperimentID, input.TrialID); err != nil {
			return nil, handleError(err)
		}
		scores, err := e.Repo.TrialResults(ctx, input.ExperimentID, input.TrialID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]float64 `json:"body"`
		}{Body: scores}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trial-telemetry",
		Method:      http.MethodGet,
		Path:        "/experiments/{experiment_id}/trials/{trial_id}/telemetry",
		Summary:     "Trial telemetry",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *trialPath) (*struct {
		Body []TelemetryPointDTO `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTrial(ctx, input.ExperimentID, input.TrialID); err != nil {
			return nil, handleError(err)
		}
		points, err := e.Repo.TrialTelemetry(ctx, input.ExperimentID, input.TrialID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]TelemetryPointDTO, 0, len(points))
		for _, p := range points {
			resp = append(resp, TelemetryPointDTO{TS: p.TS, Metric: p.Metric, Value: p.Value})
		}
		return &struct {
			Body []TelemetryPointDTO `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/configs/{config_uid}",
		Summary:     "Get a stored trial config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ConfigUID string `path:"config_uid"`
	}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetConfig(ctx, input.ConfigUID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: ConfigResponse{
			UID:       cfg.UID,
			SchemaUID: cfg.SchemaUID,
			Values:    cfg.Values,
			CreatedAt: cfg.CreatedAt,
		}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log tail",
	}, func(ctx context.Context, input *struct {
		After        int64  `query:"after" minimum:"0"`
		Limit        int    `query:"limit" minimum:"0" maximum:"1000"`
		ExperimentID string `query:"experiment_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		evts, err := e.Repo.EventsAfter(ctx, limit, input.After, input.ExperimentID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]EventResponse, 0, len(evts))
		for _, evt := range evts {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
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
    <title>Tunebench API Docs</title>
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
