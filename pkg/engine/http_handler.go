package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/conduit/pkg/domain"
)

// Request headers understood by the HTTP adapter.
const (
	HeaderMessageID     = "X-Message-ID"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRunID         = "X-Run-ID"
	HeaderExit          = "X-Conduit-Exit"
	HeaderState         = "X-Conduit-State"
)

const defaultMaxBodyBytes = 10 << 20

// HTTPHandler exposes pipeline runs and engine statistics over HTTP:
//
//	POST /pipelines/{id}  run a pipeline with the request body as message
//	GET  /pipelines       list registered pipelines
//	GET  /pipelines/{id}/graph  Graphviz DOT of the transitions, coloured by step duration
//	GET  /statistics      per-step statistics snapshots
//	GET  /healthz         liveness
type HTTPHandler struct {
	executor *Executor
	registry *PipelineRegistry
	logger   *slog.Logger
	maxBody  int64
	mux      *http.ServeMux
}

// HTTPHandlerConfig holds configuration for creating an HTTPHandler.
type HTTPHandlerConfig struct {
	Executor     *Executor
	Registry     *PipelineRegistry
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// RunResponse is the JSON body returned for a completed run.
type RunResponse struct {
	RunID   string `json:"run_id"`
	Exit    string `json:"exit"`
	State   string `json:"state"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// PipelineSummary describes a registered pipeline.
type PipelineSummary struct {
	ID        string   `json:"id"`
	Version   int      `json:"version"`
	EntryStep string   `json:"entry_step"`
	Steps     []string `json:"steps"`
	Exits     []string `json:"exits"`
}

// NewHTTPHandler wires the adapter routes.
func NewHTTPHandler(cfg HTTPHandlerConfig) *HTTPHandler {
	if cfg.Executor == nil {
		panic("engine: executor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = cfg.Executor.registry
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	h := &HTTPHandler{
		executor: cfg.Executor,
		registry: registry,
		logger:   logger,
		maxBody:  maxBody,
		mux:      http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /pipelines/{id}", h.handleRun)
	h.mux.HandleFunc("GET /pipelines", h.handleList)
	h.mux.HandleFunc("GET /pipelines/{id}/graph", h.handleGraph)
	h.mux.HandleFunc("GET /statistics", h.handleStatistics)
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return h
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pipelineID := r.PathValue("id")
	runID := r.Header.Get(HeaderRunID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeErrorResponse(ctx, w, http.StatusRequestEntityTooLarge, "MESSAGE_TOO_LARGE", err.Error(), runID)
			return
		}
		h.writeErrorResponse(ctx, w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("read request body: %v", err), runID)
		return
	}

	messageID := r.Header.Get(HeaderMessageID)
	correlationID := r.Header.Get(HeaderCorrelationID)
	if correlationID == "" {
		correlationID = messageID
	}
	session := domain.NewSession(messageID, correlationID)
	defer func() {
		if err := session.Close(); err != nil {
			h.logger.Warn("failed to close session", "pipeline_id", pipelineID, "error", err)
		}
	}()

	h.logger.Debug("received run request",
		"pipeline_id", pipelineID,
		"message_id", messageID,
		"bytes", len(body),
	)

	result, err := h.executor.RunByID(ctx, pipelineID, runID, domain.Message(body), session)
	if err != nil {
		status, code := classifyRunError(err)
		h.writeErrorResponse(ctx, w, status, code, err.Error(), runID)
		return
	}

	status := http.StatusOK
	if result.Code >= 100 && result.Code <= 599 {
		status = result.Code
	}
	w.Header().Set(HeaderRunID, result.RunID)
	w.Header().Set(HeaderExit, result.Exit)
	w.Header().Set(HeaderState, result.State)
	h.writeJSON(w, status, RunResponse{
		RunID:   result.RunID,
		Exit:    result.Exit,
		State:   result.State,
		Code:    result.Code,
		Message: string(result.Message),
	})
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	var out []PipelineSummary
	if h.registry != nil {
		for _, p := range h.registry.ListPipelines() {
			exits := make([]string, 0, len(p.Exits))
			for name := range p.Exits {
				exits = append(exits, name)
			}
			sort.Strings(exits)
			out = append(out, PipelineSummary{
				ID:        p.ID,
				Version:   p.Version,
				EntryStep: p.EntryStep,
				Steps:     p.StepNames(),
				Exits:     exits,
			})
		}
	}
	if out == nil {
		out = []PipelineSummary{}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) handleGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		pipeline *domain.Pipeline
		ok       bool
	)
	if h.registry != nil {
		pipeline, ok = h.registry.GetPipeline(id)
	}
	if !ok {
		h.writeErrorResponse(r.Context(), w, http.StatusNotFound, "PIPELINE_NOT_FOUND", fmt.Sprintf("pipeline %q not found", id), "")
		return
	}

	var buf bytes.Buffer
	if err := WriteDOT(&buf, pipeline, WithHeatmap(h.executor.Statistics())); err != nil {
		h.logger.Error("failed to render pipeline graph", "pipeline_id", id, "error", err)
		h.writeErrorResponse(r.Context(), w, http.StatusInternalServerError, "GRAPH_ERROR", err.Error(), "")
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *HTTPHandler) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.executor.Statistics().Snapshots())
}

// classifyRunError maps run failures to an HTTP status and error code.
func classifyRunError(err error) (int, string) {
	var (
		cfgErr  *domain.ConfigurationError
		lockErr *domain.LockAcquisitionError
		toErr   *domain.TimeoutError
	)
	switch {
	case errors.Is(err, domain.ErrPipelineNotFound):
		return http.StatusNotFound, "PIPELINE_NOT_FOUND"
	case errors.As(err, &toErr):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.As(err, &lockErr):
		return http.StatusConflict, "LOCK_NOT_ACQUIRED"
	case errors.Is(err, domain.ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge, "MESSAGE_TOO_LARGE"
	case errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "CIRCUIT_OPEN"
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "CONFIGURATION_ERROR"
	case errors.Is(err, context.Canceled):
		return 499, "CANCELLED"
	default:
		return http.StatusInternalServerError, "EXECUTION_ERROR"
	}
}

// writeErrorResponse writes a domain.ErrorResponse carrying the trace ID when present.
func (h *HTTPHandler) writeErrorResponse(ctx context.Context, w http.ResponseWriter, status int, code, message, runID string) {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		w.Header().Set("X-Trace-ID", sc.TraceID().String())
	}
	h.writeJSON(w, status, domain.ErrorResponse{Code: code, Message: message, RunID: runID})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
