// Package gateway serves the HTTP/JSON data and admin plane: message
// submission, endpoint and budget administration, graph results, health,
// and Prometheus exposition.
//
// Routes mirror the SDK surface:
//
//	POST   /messages
//	POST   /endpoints        GET /endpoints       DELETE /endpoints/{id}
//	POST   /budgets          GET /budgets/{agent_id}
//	POST   /budgets/{agent_id}/reset
//	GET    /graphs/{id}
//	GET    /health           GET /metrics
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/ledger"
	"github.com/YASSERRMD/AiMesh/engine/metrics"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
	"github.com/YASSERRMD/AiMesh/engine/registry"
)

// Logger is the minimal logging interface the gateway needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Submitter is the dispatch pipeline entry point.
type Submitter interface {
	Submit(ctx context.Context, msg *protocol.Message) (*protocol.Acknowledgment, error)
}

// GraphReader exposes gather results for the long-poll surface.
type GraphReader interface {
	Result(graphID string) (*protocol.GatherResult, bool)
}

// Config holds the gateway's tunables.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
}

// Gateway is the HTTP front door.
type Gateway struct {
	cfg      Config
	logger   Logger
	submit   Submitter
	registry *registry.Registry
	ledger   *ledger.Ledger
	graphs   GraphReader

	server    *http.Server
	startedAt time.Time
}

// New builds the gateway. graphs may be nil when task graphs are disabled.
func New(cfg Config, submit Submitter, reg *registry.Registry, led *ledger.Ledger, graphs GraphReader, logger Logger) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		submit:   submit,
		registry: reg,
		ledger:   led,
		graphs:   graphs,
	}
	g.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      otelhttp.NewHandler(g.Routes(), "aimesh-gateway"),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}
	return g
}

// Routes builds the route table. Exposed so tests can drive the mux through
// httptest without binding a socket.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", g.instrument("/messages", g.handleSubmit))
	mux.HandleFunc("POST /endpoints", g.instrument("/endpoints", g.handleRegisterEndpoint))
	mux.HandleFunc("GET /endpoints", g.instrument("/endpoints", g.handleListEndpoints))
	mux.HandleFunc("DELETE /endpoints/{id}", g.instrument("/endpoints/{id}", g.handleRemoveEndpoint))
	mux.HandleFunc("POST /budgets", g.instrument("/budgets", g.handleSetBudget))
	mux.HandleFunc("GET /budgets/{agent_id}", g.instrument("/budgets/{agent_id}", g.handleGetBudget))
	mux.HandleFunc("POST /budgets/{agent_id}/reset", g.instrument("/budgets/{agent_id}/reset", g.handleResetBudget))
	mux.HandleFunc("GET /graphs/{id}", g.instrument("/graphs/{id}", g.handleGraphResult))
	mux.HandleFunc("GET /health", g.instrument("/health", g.handleHealth))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// =============================================================================
// Lifecycle
// =============================================================================

// StartBackground serves on a goroutine. The returned channel reports a
// listen or serve failure.
func (g *Gateway) StartBackground() <-chan error {
	g.startedAt = time.Now()
	errCh := make(chan error, 1)
	go func() {
		if g.logger != nil {
			g.logger.Info("gateway_started", "addr", g.cfg.Addr)
		}
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests, bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.logger != nil {
		g.logger.Info("gateway_shutdown_started")
	}
	return g.server.Shutdown(ctx)
}

// =============================================================================
// Middleware
// =============================================================================

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with request metrics and logging.
func (g *Gateway) instrument(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		handler(rec, r)
		durationMS := int(time.Since(start).Milliseconds())
		metrics.RecordHTTPRequest(route, strconv.Itoa(rec.code), durationMS)
		if g.logger != nil {
			g.logger.Debug("http_request",
				"method", r.Method,
				"route", route,
				"code", rec.code,
				"duration_ms", durationMS)
		}
	}
}

// =============================================================================
// Responses
// =============================================================================

// errorBody is the JSON error envelope.
type errorBody struct {
	Error          string  `json:"error"`
	Message        string  `json:"message"`
	RetryAfterSecs float64 `json:"retry_after_secs,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	retryAfter := errors.RetryAfter(err)
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter)))
	}
	writeJSON(w, errors.HTTPStatus(kind), errorBody{
		Error:          string(kind),
		Message:        err.Error(),
		RetryAfterSecs: retryAfter,
	})
}

// =============================================================================
// Message Submission
// =============================================================================

func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, errors.Wrap(errors.KindValidation, "decode message", err))
		return
	}
	if msg.MessageID == "" {
		msg.MessageID = protocol.NewID()
	}
	if msg.TraceID == "" {
		msg.TraceID = protocol.NewID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
	defer cancel()

	ack, err := g.submit.Submit(ctx, &msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// =============================================================================
// Endpoint Admin
// =============================================================================

func (g *Gateway) handleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var m protocol.EndpointMetrics
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, errors.Wrap(errors.KindValidation, "decode endpoint", err))
		return
	}
	if m.EndpointID == "" {
		writeError(w, errors.Validation("endpoint_id", "must not be empty"))
		return
	}
	if m.HealthStatus == "" {
		m.HealthStatus = protocol.HealthStatusHealthy
	}
	created := g.registry.Register(&m)
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"endpoint_id": m.EndpointID, "created": created})
}

func (g *Gateway) handleListEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.registry.Snapshot())
}

func (g *Gateway) handleRemoveEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.registry.Remove(id) {
		writeError(w, errors.Newf(errors.KindValidation, "unknown endpoint %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoint_id": id, "removed": true})
}

// =============================================================================
// Budget Admin
// =============================================================================

// budgetRequest is the set-budget payload.
type budgetRequest struct {
	AgentID string `json:"agent_id"`
	Tokens  int64  `json:"tokens"`
	ResetAt int64  `json:"reset_at"`
}

func (g *Gateway) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	var req budgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.KindValidation, "decode budget", err))
		return
	}
	if req.AgentID == "" {
		writeError(w, errors.Validation("agent_id", "must not be empty"))
		return
	}
	if req.Tokens <= 0 {
		writeError(w, errors.Validation("tokens", "must be positive"))
		return
	}
	g.ledger.Set(req.AgentID, req.Tokens, req.ResetAt)
	writeJSON(w, http.StatusOK, g.ledger.Get(req.AgentID))
}

func (g *Gateway) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	info := g.ledger.Get(agentID)
	if info == nil {
		writeError(w, errors.Newf(errors.KindValidation, "unknown agent %s", agentID))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (g *Gateway) handleResetBudget(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if !g.ledger.Reset(agentID) {
		writeError(w, errors.Newf(errors.KindValidation, "unknown agent %s", agentID))
		return
	}
	writeJSON(w, http.StatusOK, g.ledger.Get(agentID))
}

// =============================================================================
// Graphs and Health
// =============================================================================

func (g *Gateway) handleGraphResult(w http.ResponseWriter, r *http.Request) {
	if g.graphs == nil {
		writeError(w, errors.New(errors.KindValidation, "task graphs are not enabled"))
		return
	}
	id := r.PathValue("id")
	result, ok := g.graphs.Result(id)
	if !ok {
		writeError(w, errors.Newf(errors.KindValidation, "unknown task graph %s", id))
		return
	}
	// A running graph answers 202 so pollers can distinguish "not done"
	// from "not found".
	code := http.StatusOK
	if result.Status == protocol.GraphStatusRunning {
		code = http.StatusAccepted
	}
	writeJSON(w, code, result)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	uptime := int64(0)
	if !g.startedAt.IsZero() {
		uptime = int64(time.Since(g.startedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"uptime_secs":       uptime,
		"endpoints_total":   g.registry.Count(),
		"endpoints_healthy": g.registry.HealthyCount(),
	})
}

// Addr returns the configured bind address.
func (g *Gateway) Addr() string {
	return g.cfg.Addr
}

// String implements fmt.Stringer for log lines.
func (g *Gateway) String() string {
	return fmt.Sprintf("gateway(%s)", g.cfg.Addr)
}
