// Package httpx exposes the orchestration engine over HTTP: build and preview
// triggers, environment and split-test operations, provider webhook intake,
// container progress callbacks and build log streaming.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siteforge/siteforge/internal/buildlog"
	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/provider"
	"github.com/siteforge/siteforge/internal/repository"
	"github.com/siteforge/siteforge/internal/service/environment"
	"github.com/siteforge/siteforge/internal/service/pipeline"
	"github.com/siteforge/siteforge/internal/service/splittest"
	"github.com/siteforge/siteforge/internal/service/status"
	"github.com/siteforge/siteforge/internal/service/webhook"
	"github.com/siteforge/siteforge/internal/ws"
	"github.com/siteforge/siteforge/pkg/apikey"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	rateLimitWebhook   = 300
	rateLimitCallback  = 600
	healthCheckTimeout = 2 * time.Second
	maxWebhookBody     = 1 << 20
)

// Router wires HTTP endpoints to the engine services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	pipeline *pipeline.Pipeline
	envs     *environment.Service
	splits   *splittest.Orchestrator
	applier  *status.Applier
	registry *provider.Registry
	logs     *buildlog.Service
	webhooks webhook.Service
	projects repository.ProjectRepository
	users    repository.UserRepository
	issuer   *apikey.Issuer
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, pl *pipeline.Pipeline, envs *environment.Service, splits *splittest.Orchestrator, applier *status.Applier, registry *provider.Registry, logs *buildlog.Service, webhooks webhook.Service, projects repository.ProjectRepository, users repository.UserRepository, issuer *apikey.Issuer, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		pipeline: pl,
		envs:     envs,
		splits:   splits,
		applier:  applier,
		registry: registry,
		logs:     logs,
		webhooks: webhooks,
		projects: projects,
		users:    users,
		issuer:   issuer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.Handler())

	userWrite := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.requireUser(r.withRateLimit(route, rateLimitUserWrite, rateWindowDefault, rateLimitKeyUser, h)))
	}
	userRead := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return r.audit(r.requireUser(r.withRateLimit(route, rateLimitUserRead, rateWindowDefault, rateLimitKeyUser, h)))
	}

	r.mux.HandleFunc("POST /v1/projects/{id}/build", userWrite("build", r.handleBuild))
	r.mux.HandleFunc("POST /v1/projects/{id}/deploy-preview", userWrite("deploy_preview", r.handleDeployPreview))
	r.mux.HandleFunc("POST /v1/projects/{id}/environments", userWrite("environments", r.handleEnvironmentCreate))
	r.mux.HandleFunc("DELETE /v1/projects/{id}/environments/{name}", userWrite("environments", r.handleEnvironmentRemove))
	r.mux.HandleFunc("POST /v1/projects/{id}/environments/reconcile", userWrite("environments", r.handleEnvironmentReconcile))
	r.mux.HandleFunc("POST /v1/projects/{id}/split-test", userWrite("split_test", r.handleSplitTestProvision))
	r.mux.HandleFunc("POST /v1/projects/{id}/split-test/start", userWrite("split_test", r.handleSplitTestStart))
	r.mux.HandleFunc("POST /v1/projects/{id}/split-test/finish", userWrite("split_test", r.handleSplitTestFinish))
	r.mux.HandleFunc("DELETE /v1/projects/{id}/split-test", userWrite("split_test", r.handleSplitTestCleanup))
	r.mux.HandleFunc("POST /v1/projects/{id}/webhook-secret", userWrite("webhook_secret", r.handleWebhookSecret))
	r.mux.HandleFunc("GET /v1/projects/{id}/logs", userRead("logs", r.handleLogs))
	r.mux.HandleFunc("GET /v1/ws/logs", r.audit(r.requireUser(r.withRateLimit("logs_ws", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyUser, r.handleLogsWS))))

	r.mux.HandleFunc("POST /v1/webhooks/{provider}/{project}", r.audit(r.withRateLimit("webhook", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleProviderWebhook)))
	r.mux.HandleFunc("POST /v1/projects/{id}/events/container", r.audit(r.withRateLimit("container_events", rateLimitCallback, rateWindowDefault, rateLimitKeyIP, r.handleContainerEvent)))
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request) {
	project, err := r.pipeline.BuildAndDeploy(req.Context(), req.PathValue("id"), userFromRequest(req))
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	// For plain hosting targets the pipeline keeps running after this
	// response; the container target only answers once the site is live.
	writeJSON(w, http.StatusAccepted, projectView(project))
}

func (r *Router) handleDeployPreview(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Environment string `json:"environment"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := r.pipeline.DeployPreview(req.Context(), req.PathValue("id"), userFromRequest(req), payload.Environment)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, projectView(project))
}

func (r *Router) handleEnvironmentCreate(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := r.envs.Create(req.Context(), req.PathValue("id"), userFromRequest(req), payload.Name)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, projectView(project))
}

func (r *Router) handleEnvironmentRemove(w http.ResponseWriter, req *http.Request) {
	err := r.envs.Remove(req.Context(), req.PathValue("id"), userFromRequest(req), req.PathValue("name"))
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (r *Router) handleEnvironmentReconcile(w http.ResponseWriter, req *http.Request) {
	err := r.envs.ReconcileAll(req.Context(), req.PathValue("id"), userFromRequest(req))
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconciled"})
}

func (r *Router) handleSplitTestProvision(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Variants []domain.Variant `json:"variants"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := r.splits.Provision(req.Context(), req.PathValue("id"), userFromRequest(req), payload.Variants)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, projectView(project))
}

func (r *Router) handleSplitTestStart(w http.ResponseWriter, req *http.Request) {
	project, err := r.splits.Start(req.Context(), req.PathValue("id"), userFromRequest(req))
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, projectView(project))
}

func (r *Router) handleSplitTestFinish(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Winner string `json:"winner"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := r.splits.Finish(req.Context(), req.PathValue("id"), userFromRequest(req), payload.Winner)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, projectView(project))
}

func (r *Router) handleSplitTestCleanup(w http.ResponseWriter, req *http.Request) {
	if err := r.splits.Cleanup(req.Context(), req.PathValue("id"), userFromRequest(req)); err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}

func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Provider string `json:"provider"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Provider) == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}
	if err := r.webhooks.UpsertSecret(req.Context(), req.PathValue("id"), payload.Provider, payload.Secret); err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	entries, err := r.logs.List(req.Context(), req.PathValue("id"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logs.Hub().Register(projectID, client)
	go func() {
		defer func() {
			r.logs.Hub().Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleProviderWebhook ingests a raw provider payload. Signature failures
// are rejected, but once a payload is authentic the endpoint always
// acknowledges the provider: state machine guards log and swallow illegal
// events rather than triggering provider-side retry storms.
func (r *Router) handleProviderWebhook(w http.ResponseWriter, req *http.Request) {
	providerID := req.PathValue("provider")
	projectID := req.PathValue("project")
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Webhook-Signature")
	if signature == "" {
		signature = req.Header.Get("X-Hub-Signature-256")
	}
	if err := r.webhooks.CheckSignature(req.Context(), projectID, providerID, body, signature); err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	project, err := r.projects.GetProjectByID(req.Context(), projectID)
	if err != nil {
		r.logger.Warn("webhook for unknown project", "project_id", projectID, "provider", providerID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	user, err := r.users.GetUserByID(req.Context(), project.OwnerID)
	if err != nil {
		r.logger.Error("webhook owner lookup failed", "project_id", projectID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	prov, ok := r.registry.Get(providerID)
	if !ok {
		r.logger.Warn("webhook for unregistered provider", "project_id", projectID, "provider", providerID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	project, event, err := r.registry.OnWebhook(req.Context(), prov, project, user, body, req.Header)
	if err != nil {
		r.logger.Error("webhook handling failed", "project_id", projectID, "provider", providerID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if event != nil {
		if _, err := r.applier.Apply(req.Context(), project, user, *event); err != nil {
			r.logger.Error("webhook event application failed", "project_id", projectID, "error", err)
		}
	} else {
		r.triggerAutoBuild(req.Context(), prov, project, user, body)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// triggerAutoBuild reacts to content-source webhooks that carry no deploy
// event: upstream content changed, so a live project gets its target rebuilt.
func (r *Router) triggerAutoBuild(ctx context.Context, prov provider.Provider, p *domain.Project, u *domain.User, payload []byte) {
	if p.BuildStatus != domain.StatusLive || !r.registry.IsContentSource(p, prov.ID()) {
		return
	}
	target, ok := r.registry.Target(p)
	if !ok {
		return
	}
	if _, err := r.registry.TriggerAutoBuild(ctx, target, p, u, payload); err != nil {
		r.logger.Error("auto build trigger failed", "project_id", p.ID, "error", err)
	}
}

// handleContainerEvent receives a progress ping from the container runtime,
// authenticated with the project's scoped API key.
func (r *Router) handleContainerEvent(w http.ResponseWriter, req *http.Request) {
	projectID := req.PathValue("id")
	if err := r.verifyProjectKey(req, projectID); err != nil {
		r.logger.Warn("container callback rejected", "project_id", projectID, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	var payload struct {
		Progress    string `json:"progress"`
		DeployID    string `json:"deploy_id"`
		Environment string `json:"environment"`
		Message     string `json:"message"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Progress) == "" {
		writeError(w, http.StatusBadRequest, "progress is required")
		return
	}
	project, err := r.projects.GetProjectByID(req.Context(), projectID)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	user, err := r.users.GetUserByID(req.Context(), project.OwnerID)
	if err != nil {
		writeError(w, statusFromError(err), err.Error())
		return
	}
	_, err = r.applier.Apply(req.Context(), project, user, domain.DeployEvent{
		Source:      domain.SourceContainer,
		Name:        payload.Progress,
		DeployID:    payload.DeployID,
		Environment: payload.Environment,
		Message:     payload.Message,
		ReceivedAt:  time.Now().UTC(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	healthy := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			healthy = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	code := http.StatusOK
	if healthy != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     healthy,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// projectView is the ledger shape downstream layers may rely on.
func projectView(p *domain.Project) map[string]any {
	view := map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"build_status":    string(p.BuildStatus),
		"build_message":   p.BuildMessage,
		"deployment_data": p.DeploymentData,
		"environments":    p.Environments,
		"split_tests":     p.SplitTests,
		"metrics":         p.Metrics,
	}
	if p.BuildStartedAt != nil {
		view["build_started_at"] = p.BuildStartedAt.Format(time.RFC3339Nano)
	}
	if dep := p.Deployment(p.TargetProvider(), ""); dep != nil && dep.URL != "" {
		view["url"] = dep.URL
	}
	return view
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrAlreadyBuilt), errors.Is(err, repository.ErrConflict), errors.Is(err, environment.ErrEnvironmentExists):
		return http.StatusConflict
	case errors.Is(err, repository.ErrQuotaExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrNotAuthorized), errors.Is(err, environment.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, pipeline.ErrNoProviderAccess):
		return http.StatusFailedDependency
	case errors.Is(err, splittest.ErrNoCampaign), errors.Is(err, splittest.ErrUnknownVariant):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		code := recorder.status
		if code == 0 {
			code = http.StatusOK
		}
		duration := time.Since(start)
		recordRequestMetrics(req.Method, req.URL.Path, code, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", code,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if user := userFromRequest(req); user != "" {
			fields = append(fields, "user_id", user)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		switch {
		case code >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case code >= http.StatusBadRequest:
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
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
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

// Hijack lets the websocket upgrade pass through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
