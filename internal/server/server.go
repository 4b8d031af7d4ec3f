// Package server exposes the station HTTP API and the live reading
// stream.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"prepline/internal/domain"
	"prepline/internal/engine"
	"prepline/internal/plan"
	"prepline/internal/repo"
	"prepline/internal/scale"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Runtime  *engine.Runtime
	Link     *scale.Link
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"session_locked"`
	Message string         `json:"message" example:"session is locked pending supervisor override"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the station API.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Prepline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerFormulas(group, cfg.Engine)
	registerMaterials(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerScale(group, cfg.Runtime, cfg.Link)
	registerLive(router, cfg.Runtime, cfg.Link)
	registerOpenAPI(router, api, basePath)

	startInventoryDispatcher(cfg.Engine)

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
	var ue plan.UnresolvableLineError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusUnprocessableEntity, "unresolvable_line", err.Error(), map[string]any{"ingredient": ue.Ingredient})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionLocked):
		return newAPIError(http.StatusLocked, "session_locked", err.Error(), nil)
	case errors.Is(err, engine.ErrActiveSessionExists):
		return newAPIError(http.StatusConflict, "active_session_exists", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionNotActive):
		return newAPIError(http.StatusConflict, "session_not_active", err.Error(), nil)
	case errors.Is(err, engine.ErrStepOrder):
		return newAPIError(http.StatusConflict, "step_order", err.Error(), nil)
	case errors.Is(err, engine.ErrStepNotUnlocked):
		return newAPIError(http.StatusConflict, "step_not_unlocked", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
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
	case http.StatusLocked:
		return "session_locked"
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

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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

func registerFormulas(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-formula",
		Method:      http.MethodPut,
		Path:        "/formulas/{formula_id}",
		Summary:     "Create or replace a formula",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		FormulaID string               `path:"formula_id"`
		Body      FormulaUpsertRequest `json:"body"`
	}) (*struct {
		Body domain.Formula `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		f := domain.Formula{
			ID:          input.FormulaID,
			Name:        input.Body.Name,
			VersionID:   input.Body.VersionID,
			BatchSizeG:  input.Body.BatchSizeG,
			BatchSizeMl: input.Body.BatchSizeMl,
			Lines:       input.Body.Lines,
		}
		if err := e.Repo.UpsertFormula(ctx, f); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetFormula(ctx, f.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Formula `json:"body"`
		}{Body: stored}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-formulas",
		Method:      http.MethodGet,
		Path:        "/formulas",
		Summary:     "List formulas",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Formula `json:"body"`
	}, error) {
		items, err := e.Repo.ListFormulas(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Formula `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-formula",
		Method:      http.MethodGet,
		Path:        "/formulas/{formula_id}",
		Summary:     "Get a formula with its lines",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FormulaID string `path:"formula_id"`
	}) (*struct {
		Body domain.Formula `json:"body"`
	}, error) {
		f, err := e.Repo.GetFormula(ctx, input.FormulaID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Formula `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-formula",
		Method:      http.MethodPost,
		Path:        "/formulas/{formula_id}/plan",
		Summary:     "Resolve the step plan without starting a session",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		FormulaID string `path:"formula_id"`
		Body      struct {
			Batch *plan.BatchOverride `json:"batch,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body []domain.StepPlanLine `json:"body"`
	}, error) {
		lines, err := e.PlanPreview(ctx, input.FormulaID, input.Body.Batch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StepPlanLine `json:"body"`
		}{Body: lines}, nil
	})
}

func registerMaterials(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-material",
		Method:      http.MethodPut,
		Path:        "/materials/{material_id}",
		Summary:     "Create or replace a raw material",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MaterialID string                `path:"material_id"`
		Body       MaterialUpsertRequest `json:"body"`
	}) (*struct {
		Body domain.RawMaterial `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		m := domain.RawMaterial{
			ID:            input.MaterialID,
			Name:          input.Body.Name,
			ItemNameEN:    input.Body.ItemNameEN,
			ItemNameAR:    input.Body.ItemNameAR,
			Code:          input.Body.Code,
			Barcodes:      input.Body.Barcodes,
			DensityGPerMl: input.Body.DensityGPerMl,
		}
		if err := e.Repo.InsertRawMaterial(ctx, m); err != nil {
			return nil, handleError(err)
		}
		if err := e.RebuildIndex(ctx); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Repo.GetRawMaterial(ctx, m.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RawMaterial `json:"body"`
		}{Body: stored}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-materials",
		Method:      http.MethodGet,
		Path:        "/materials",
		Summary:     "List raw materials",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.RawMaterial `json:"body"`
	}, error) {
		items, err := e.Repo.ListRawMaterials(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RawMaterial `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-material-alias",
		Method:      http.MethodPost,
		Path:        "/materials/{material_id}/aliases",
		Summary:     "Learn an extra scan token for a material",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MaterialID string          `path:"material_id"`
		Body       AddAliasRequest `json:"body"`
	}) (*struct {
		Body []domain.MaterialAlias `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Token) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		if err := e.LearnAlias(ctx, input.MaterialID, input.Body.Token); err != nil {
			return nil, handleError(err)
		}
		aliases, err := e.Repo.ListAliases(ctx, input.MaterialID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MaterialAlias `json:"body"`
		}{Body: aliases}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a preparation session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		operator := input.Body.Operator
		if operator == "" {
			actor, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			operator = actor
		}
		s, steps, err := e.StartSession(ctx, engine.StartOptions{
			FormulaID: input.Body.FormulaID,
			Operator:  operator,
			Override:  input.Body.Batch,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, steps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		FormulaID string `query:"formula_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSessions(ctx, repo.SessionFilters{
			FormulaID: input.FormulaID,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: mapSessions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a session with its steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.StepsBySession(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, steps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scan-step",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/scan",
		Summary:     "Check a scanned code against the current step",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusLocked},
	}, func(ctx context.Context, input *struct {
		SessionID string      `path:"session_id"`
		Body      ScanRequest `json:"body"`
	}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Code) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "code is required", nil)
		}
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Scan(ctx, input.SessionID, actor, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: ScanResponse{Matched: res.Matched, Learned: res.Learned, Step: stepResponse(res.Step)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-step",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/confirm",
		Summary:     "Confirm the captured weight for the current step",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusLocked},
	}, func(ctx context.Context, input *struct {
		SessionID string         `path:"session_id"`
		Body      ConfirmRequest `json:"body"`
	}) (*struct {
		Body ConfirmResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ConfirmStep(ctx, input.SessionID, input.Body.StepID, input.Body.CapturedG, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfirmResponse `json:"body"`
		}{Body: confirmResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/fail",
		Summary:     "Fail the session",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusLocked},
	}, func(ctx context.Context, input *struct {
		SessionID string      `path:"session_id"`
		Body      FailRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.MarkFailed(ctx, input.SessionID, actor, input.Body.Reason, input.Body.Hard)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/override",
		Summary:     "Supervisor override of a hard-locked session",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		Body      OverrideRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		supervisor, authErr := requireSupervisor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SupervisorOverride(ctx, input.SessionID, supervisor, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "restart-session",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/restart",
		Summary:       "Supervisor override plus a fresh attempt",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string         `path:"session_id"`
		Body      RestartRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		supervisor, authErr := requireSupervisor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, steps, err := e.OverrideAndRestart(ctx, input.SessionID, supervisor, input.Body.Operator, input.Body.Batch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s, steps)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/events",
		Summary:     "Audit trail for a session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Repo.EventsBySession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-batch",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/batch",
		Summary:     "Produced batch for a completed session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		b, err := e.Repo.BatchBySession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: batchResponse(b)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events across sessions",
	}, func(ctx context.Context, input *struct {
		Limit     int    `query:"limit"`
		Action    string `query:"action"`
		SessionID string `query:"session_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		evts, err := e.Repo.LatestEvents(ctx, limit, input.Action, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(evts)}, nil
	})
}

func registerScale(api huma.API, rt *engine.Runtime, link *scale.Link) {
	type scaleStatus struct {
		Connected bool   `json:"connected"`
		Phase     string `json:"phase"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "scale-status",
		Method:      http.MethodGet,
		Path:        "/scale",
		Summary:     "Scale connection and weighing phase",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body scaleStatus `json:"body"`
	}, error) {
		st := scaleStatus{Phase: engine.PhaseIdle}
		if link != nil {
			st.Connected = link.Connected()
		}
		if rt != nil {
			st.Phase = rt.State().Phase
		}
		return &struct {
			Body scaleStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scale-tare",
		Method:      http.MethodPost,
		Path:        "/scale/tare",
		Summary:     "Send a tare command to the scale",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if link == nil || !link.Connected() {
			return nil, newAPIError(http.StatusConflict, "scale_offline", "scale is not connected", nil)
		}
		link.Tare()
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "sent"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "runtime-state",
		Method:      http.MethodGet,
		Path:        "/runtime",
		Summary:     "Live weighing state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.RuntimeState `json:"body"`
	}, error) {
		st := engine.RuntimeState{Phase: engine.PhaseIdle}
		if rt != nil {
			st = rt.State()
		}
		return &struct {
			Body engine.RuntimeState `json:"body"`
		}{Body: st}, nil
	})
}
