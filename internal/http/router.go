package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/identity"
	"github.com/splax/launchpad/internal/service/dashboard"
	"github.com/splax/launchpad/internal/service/deploy"
	"github.com/splax/launchpad/internal/stack"
	"github.com/splax/launchpad/internal/ws"
)

// Control is the operation surface the HTTP layer adapts.
type Control interface {
	StartDeployment(ctx context.Context, caller string, req deploy.Request) (deploy.Result, error)
	GetStatus(ctx context.Context, caller, handle string) (dashboard.HandleStatus, error)
	StopByHandle(ctx context.Context, caller, handle string) (domain.Deployment, error)
	ListDeployments(caller string, limit int) ([]domain.Deployment, int, error)
	GetStats(ctx context.Context, caller string) (dashboard.StatsView, error)
	ListActiveDeployments(ctx context.Context, caller string) ([]dashboard.ActiveDeployment, error)
	StopDeployment(ctx context.Context, caller, id string) (domain.Deployment, error)
	RestartDeployment(ctx context.Context, caller, id string) (domain.Deployment, error)
	DeleteDeployment(ctx context.Context, caller, id string) (domain.Deployment, error)
	GetLogs(ctx context.Context, caller, id string, lines int) (dashboard.Logs, error)
	Stacks() []stack.StackInfo
	Health(ctx context.Context) error
}

// EventStream registers realtime subscribers per owner.
type EventStream interface {
	Register(owner string, client ws.Subscriber)
	Unregister(owner string, client ws.Subscriber)
}

// Options configures a Router.
type Options struct {
	Logger   *slog.Logger
	Control  Control
	Identity identity.Resolver
	Events   EventStream
	Limiter  RateLimiter
	// RateLimits defaults to DefaultRatePolicy when left zero.
	RateLimits RatePolicy
	// DBHealth is probed by the health endpoints when set.
	DBHealth    func(context.Context) error
	FrontendURL string
	// Registry defaults to the prometheus default registry.
	Registry *prometheus.Registry
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	control     Control
	identity    identity.Resolver
	events      EventStream
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	rates       RatePolicy
	validate    *validator.Validate
	dbHealth    func(context.Context) error
	origin      string
	registerer  prometheus.Registerer
	gatherer    prometheus.Gatherer
	metricsOnce sync.Once
	metrics     *metrics
}

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxBodyBytes       = 64 << 10
)

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		control:  opts.Control,
		identity: opts.Identity,
		events:   opts.Events,
		limiter:  opts.Limiter,
		rates:    opts.RateLimits,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		dbHealth: opts.DBHealth,
		origin:   strings.TrimRight(strings.TrimSpace(opts.FrontendURL), "/"),
	}
	r.upgrader = websocket.Upgrader{CheckOrigin: r.checkOrigin}
	if opts.Registry != nil {
		r.registerer, r.gatherer = opts.Registry, opts.Registry
	} else {
		r.registerer, r.gatherer = prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.rates == (RatePolicy{}) {
		r.rates = DefaultRatePolicy()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP applies CORS and delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.origin != "" {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", r.origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
		h.Set("Vary", "Origin")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.route("GET /healthz", r.handleHealth)
	r.route("GET /deploy/health", r.handleHealth)
	r.route("GET /deploy/frameworks", r.handleFrameworks)
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	r.route("POST /deploy", r.handlerAuthRate("deploy", r.rates.Deploy, r.handleDeploy))
	r.route("GET /deploy/status/{handle}", r.handlerAuthRate("deploy_status", r.rates.Read, r.handleStatus))
	r.route("DELETE /deploy/{handle}", r.handlerAuthRate("deploy_stop", r.rates.Write, r.handleStopHandle))

	r.route("GET /dashboard/deployments", r.handlerAuthRate("dashboard_list", r.rates.Read, r.handleList))
	r.route("GET /dashboard/stats", r.handlerAuthRate("dashboard_stats", r.rates.Read, r.handleStats))
	r.route("GET /dashboard/active", r.handlerAuthRate("dashboard_active", r.rates.Read, r.handleActive))
	r.route("POST /dashboard/stop/{id}", r.handlerAuthRate("dashboard_stop", r.rates.Write, r.handleStop))
	r.route("POST /dashboard/restart/{id}", r.handlerAuthRate("dashboard_restart", r.rates.Write, r.handleRestart))
	r.route("GET /dashboard/logs/{id}", r.handlerAuthRate("dashboard_logs", r.rates.Read, r.handleLogs))
	r.route("DELETE /dashboard/{id}", r.handlerAuthRate("dashboard_delete", r.rates.Write, r.handleDelete))
	r.route("GET /dashboard/events", r.streamAuthRate("dashboard_events", r.rates.Stream, r.handleEventsSSE))
	r.route("GET /ws/deployments", r.streamAuthRate("ws_deployments", r.rates.Stream, r.handleEventsWS))
}

func (r *Router) route(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(pattern, h))
}

func (r *Router) caller(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, domain.KindInternal, "authorization context missing")
	}
	return info, ok
}

type deployPayload struct {
	Repo     string `json:"repo_name" validate:"required,max=200"`
	CloneURL string `json:"clone_url" validate:"required,url,max=2048"`
	Platform string `json:"platform" validate:"omitempty,alphanum,max=32"`
	Stack    string `json:"stack" validate:"omitempty,max=64"`
	// Token authenticates the clone; the caller's bearer token is used when empty.
	Token string `json:"token"`
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	info, ok := r.caller(w, req)
	if !ok {
		return
	}
	var payload deployPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidInput, "invalid JSON body")
		return
	}
	if err := r.validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidInput, validationDetail(err))
		return
	}
	credential := strings.TrimSpace(payload.Token)
	if credential == "" {
		credential = info.Token
	}
	start := time.Now()
	result, err := r.control.StartDeployment(req.Context(), info.Login, deploy.Request{
		Repo:       payload.Repo,
		CloneURL:   payload.CloneURL,
		Credential: credential,
		Platform:   payload.Platform,
		StackHint:  payload.Stack,
	})
	r.recordDeployResult(err, time.Since(start))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field())+" ("+fe.Tag()+")")
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	info, ok := r.caller(w, req)
	if !ok {
		return
	}
	status, err := r.control.GetStatus(req.Context(), info.Login, req.PathValue("handle"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleStopHandle(w http.ResponseWriter, req *http.Request) {
	info, ok := r.caller(w, req)
	if !ok {
		return
	}
	rec, err := r.control.StopByHandle(req.Context(), info.Login, req.PathValue("handle"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (r *Router) handleFrameworks(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"frameworks": r.control.Stacks()})
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	info, ok := r.caller(w, req)
	if !ok {
		return
	}
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, domain.KindInvalidInput, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	items, total, err := r.control.ListDeployments(info.Login, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if items == nil {
		items = []domain.Deployment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": items, "total": total})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	info, ok := r.caller(w, req)
	if !ok {
		return
	}
	stats, err := r.control.GetStats(req.Context(), info.Login)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleActive(w http.ResponseWriter, req *http.Request) {
	info, ok := r.caller(w, req)
	if !ok {
		return
	}
	active, err := r.control.ListActiveDeployments(req.Context(), info.Login)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if active == nil {
		active = []dashboard.ActiveDeployment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": active})
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	r.transition(w, req, r.control.StopDeployment)
}

func (r *Router) handleRestart(w http.ResponseWriter, req *http.Request) {
	r.transition(w, req, r.control.RestartDeployment)
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) {
	r.transition(w, req, r.control.DeleteDeployment)
}

type transitionFunc func(ctx context.Context, caller, id string) (domain.Deployment, error)

func (r *Router) transition(w http.ResponseWriter, req *http.Request, fn transitionFunc) {
	info, ok := r.caller(w, req)
	if !ok {
		return
	}
	rec, err := fn(req.Context(), info.Login, req.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	info, ok := r.caller(w, req)
	if !ok {
		return
	}
	lines := 0
	if raw := req.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, domain.KindInvalidInput, "lines must be an integer")
			return
		}
		lines = n
	}
	logs, err := r.control.GetLogs(req.Context(), info.Login, req.PathValue("id"), lines)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := r.caller(w, req)
	if !ok {
		return
	}
	if r.events == nil {
		writeError(w, http.StatusServiceUnavailable, domain.KindConfiguration, "event stream disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.events.Register(info.Login, client)
	defer func() {
		r.events.Unregister(info.Login, client)
		client.Close()
	}()
	client.Run(req.Context())
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	info, ok := r.caller(w, req)
	if !ok {
		return
	}
	if r.events == nil {
		writeError(w, http.StatusServiceUnavailable, domain.KindConfiguration, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, domain.KindInternal, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.events.Register(info.Login, client)
	defer r.events.Unregister(info.Login, client)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	components := make(map[string]any)
	status := "ok"
	check := func(name string, fn func(context.Context) error) {
		if fn == nil {
			return
		}
		if err := fn(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("container_engine", r.control.Health)
	check("database", r.dbHealth)

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || r.origin == "" {
		return true
	}
	return strings.EqualFold(strings.TrimRight(origin, "/"), r.origin)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			fields = append(fields, "caller", info.Login)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		// Hijacked connections never pass through WriteHeader.
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

