package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"servingd/internal/manager"
	"servingd/internal/sequence"
	"servingd/pkg/types"
)

// InferCall is a decoded infer request.
type InferCall struct {
	Inputs    types.TensorMap
	Version   int64
	Sequence  sequence.Request
	RequestID string
}

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Ready() bool
	Models() []types.ModelStatus
	Model(name string) (types.ModelStatus, error)
	History(name string, version int64, limit int) ([]types.VersionEvent, error)
	Sequences(name string, version int64) ([]uint64, error)
	Extensions() []types.Extension
	Pipelines() []types.PipelineStatus
	InferModel(ctx context.Context, name string, call InferCall) (types.InferResponse, error)
	InferPipeline(ctx context.Context, name string, call InferCall) (types.InferResponse, error)
	ReloadConfig(ctx context.Context) error
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(corsMiddleware())
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}
	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Group middlewares run after routing, so inflight is labeled by pattern.
	r.Group(func(r chi.Router) {
		r.Use(inflightMiddleware)
		r.Get("/v1/models", h.listModels)
		r.Get("/v1/models/{name}", h.getModel)
		r.Get("/v1/models/{name}/versions/{version}", h.getVersion)
		r.Get("/v1/models/{name}/versions/{version}/history", h.getHistory)
		r.Get("/v1/models/{name}/versions/{version}/sequences", h.getSequences)
		r.Post("/v1/models/{name}/infer", h.inferModel)
		r.Get("/v1/extensions", h.listExtensions)
		r.Get("/v1/pipelines", h.listPipelines)
		r.Post("/v1/pipelines/{name}/infer", h.inferPipeline)
		r.Post("/v1/config/reload", h.reloadConfig)
	})
	MountSwagger(r)
	return r
}

type handlers struct{ svc Service }

// healthz godoc
// @Summary  Liveness probe
// @Produce  plain
// @Success  200 {string} string "ok"
// @Router   /healthz [get]
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz godoc
// @Summary  Readiness probe; ready once the first configuration was applied
// @Produce  plain
// @Success  200 {string} string "ready"
// @Failure  503 {string} string "loading"
// @Router   /readyz [get]
func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if h.svc.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("loading"))
}

// listModels godoc
// @Summary  List served models and their versions
// @Produce  json
// @Success  200 {object} types.ModelsResponse
// @Router   /v1/models [get]
func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, types.ModelsResponse{Models: h.svc.Models()})
}

// getModel godoc
// @Summary  Status of one model
// @Produce  json
// @Param    name path string true "Model name"
// @Success  200 {object} types.ModelStatus
// @Failure  404 {object} types.ErrorResponse
// @Router   /v1/models/{name} [get]
func (h *handlers) getModel(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Model(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, st)
}

// getVersion godoc
// @Summary  Status of one model version
// @Produce  json
// @Param    name    path string  true "Model name"
// @Param    version path integer true "Version"
// @Success  200 {object} types.VersionStatus
// @Failure  404 {object} types.ErrorResponse
// @Router   /v1/models/{name}/versions/{version} [get]
func (h *handlers) getVersion(w http.ResponseWriter, r *http.Request) {
	name, version, ok := modelVersion(w, r)
	if !ok {
		return
	}
	st, err := h.svc.Model(name)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, v := range st.Versions {
		if v.Version == version {
			writeJSON(w, v)
			return
		}
	}
	writeError(w, fmt.Errorf("%w: %s version %d", manager.ErrVersionNotFound, name, version))
}

// getHistory godoc
// @Summary  Lifecycle events of a model version, oldest first
// @Produce  json
// @Param    name    path  string  true  "Model name"
// @Param    version path  integer true  "Version"
// @Param    limit   query integer false "Return only the most recent events"
// @Success  200 {object} types.HistoryResponse
// @Router   /v1/models/{name}/versions/{version}/history [get]
func (h *handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	name, version, ok := modelVersion(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	evs, err := h.svc.History(name, version, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if evs == nil {
		evs = []types.VersionEvent{}
	}
	writeJSON(w, types.HistoryResponse{Events: evs})
}

// getSequences godoc
// @Summary  Open sequence ids of a stateful model version (0 selects the default version)
// @Produce  json
// @Param    name    path string  true "Model name"
// @Param    version path integer true "Version"
// @Success  200 {object} types.SequencesResponse
// @Failure  404 {object} types.ErrorResponse
// @Router   /v1/models/{name}/versions/{version}/sequences [get]
func (h *handlers) getSequences(w http.ResponseWriter, r *http.Request) {
	name, version, ok := modelVersion(w, r)
	if !ok {
		return
	}
	ids, err := h.svc.Sequences(name, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, types.SequencesResponse{SequenceIDs: ids})
}

// listExtensions godoc
// @Summary  Loaded custom node libraries
// @Produce  json
// @Success  200 {object} types.ExtensionsResponse
// @Router   /v1/extensions [get]
func (h *handlers) listExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, types.ExtensionsResponse{Extensions: h.svc.Extensions()})
}

// listPipelines godoc
// @Summary  Configured pipelines
// @Produce  json
// @Success  200 {object} types.PipelinesResponse
// @Router   /v1/pipelines [get]
func (h *handlers) listPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, types.PipelinesResponse{Pipelines: h.svc.Pipelines()})
}

// inferModel godoc
// @Summary  Run inference on a model version
// @Accept   json
// @Produce  json
// @Param    name path string             true "Model name"
// @Param    body body types.InferRequest true "Inputs"
// @Success  200 {object} types.InferResponse
// @Failure  400 {object} types.ErrorResponse
// @Failure  404 {object} types.ErrorResponse
// @Failure  503 {object} types.ErrorResponse
// @Router   /v1/models/{name}/infer [post]
func (h *handlers) inferModel(w http.ResponseWriter, r *http.Request) {
	h.infer(w, r, "model", h.svc.InferModel)
}

// inferPipeline godoc
// @Summary  Run a request through a pipeline
// @Accept   json
// @Produce  json
// @Param    name path string             true "Pipeline name"
// @Param    body body types.InferRequest true "Inputs"
// @Success  200 {object} types.InferResponse
// @Failure  400 {object} types.ErrorResponse
// @Failure  404 {object} types.ErrorResponse
// @Failure  503 {object} types.ErrorResponse
// @Router   /v1/pipelines/{name}/infer [post]
func (h *handlers) inferPipeline(w http.ResponseWriter, r *http.Request) {
	h.infer(w, r, "pipeline", h.svc.InferPipeline)
}

type inferFunc func(ctx context.Context, name string, call InferCall) (types.InferResponse, error)

func (h *handlers) infer(w http.ResponseWriter, r *http.Request, target string, fn inferFunc) {
	name := chi.URLParam(r, "name")
	ilog := newInferLog(r, name)
	done := func(status int, err error) {
		observeInfer(target, status)
		ilog.end(status, err)
	}
	call, err := decodeInfer(w, r)
	if err != nil {
		done(writeError(w, err), err)
		return
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	resp, err := fn(ctx, name, call)
	if err != nil {
		// Client went away or the server is shutting down.
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			writeJSONError(w, http.StatusGatewayTimeout, err.Error())
			done(http.StatusGatewayTimeout, err)
			return
		}
		done(writeError(w, err), err)
		return
	}
	resp.RequestID = call.RequestID
	writeJSON(w, resp)
	done(http.StatusOK, nil)
}

func decodeInfer(w http.ResponseWriter, r *http.Request) (InferCall, error) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return InferCall{}, unsupportedMediaError{}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.InferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return InferCall{}, badRequestError{msg: "invalid JSON body"}
	}
	if req.Version < 0 {
		return InferCall{}, badRequestError{msg: "version must not be negative"}
	}
	seq, err := sequenceRequest(req)
	if err != nil {
		return InferCall{}, err
	}
	if req.Inputs == nil {
		req.Inputs = types.TensorMap{}
	}
	return InferCall{
		Inputs:    req.Inputs,
		Version:   req.Version,
		Sequence:  seq,
		RequestID: middleware.GetReqID(r.Context()),
	}, nil
}

type unsupportedMediaError struct{}

func (unsupportedMediaError) Error() string   { return "Content-Type must be application/json" }
func (unsupportedMediaError) StatusCode() int { return http.StatusUnsupportedMediaType }

// reloadConfig godoc
// @Summary  Re-read and apply the configuration file
// @Produce  json
// @Success  200 {object} types.ModelsResponse
// @Failure  500 {object} types.ErrorResponse
// @Router   /v1/config/reload [post]
func (h *handlers) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ReloadConfig(r.Context()); err != nil {
		zlog.Warn().Err(err).Msg("config reload finished with errors")
		writeError(w, err)
		return
	}
	writeJSON(w, types.ModelsResponse{Models: h.svc.Models()})
}

func modelVersion(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil || v < 0 {
		writeJSONError(w, http.StatusBadRequest, "version must be a non-negative integer")
		return "", 0, false
	}
	return chi.URLParam(r, "name"), v, true
}
