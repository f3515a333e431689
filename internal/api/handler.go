package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/ipagent/internal/agent"
	"github.com/nidhogg/ipagent/internal/compose"
	"github.com/nidhogg/ipagent/internal/metrics"
	"github.com/nidhogg/ipagent/internal/router"
	"github.com/nidhogg/ipagent/internal/skill"
	"github.com/nidhogg/ipagent/internal/tokenizer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SkillStore is the management side of the skill repository.
type SkillStore interface {
	SaveSkill(ctx context.Context, s *skill.Skill) error
	GetSkill(ctx context.Context, id string) (*skill.Skill, error)
	ListSkills(ctx context.Context) ([]*skill.Skill, error)
	SetSkillStatus(ctx context.Context, id string, status skill.Status) error
}

// Invalidator drops cached copies of skills after they change.
type Invalidator interface {
	Invalidate(ctx context.Context, ids ...string) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	skills   SkillStore
	agents   agent.Store
	composer *compose.Composer
	engine   *agent.Engine
	logger   *zap.Logger

	cache       Invalidator
	metrics     *metrics.Collector
	gatherer    prometheus.Gatherer
	counter     tokenizer.Counter
	corsOrigins []string
	checks      map[string]func(context.Context) error
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithCache invalidates cached skills on every skill write.
func WithCache(c Invalidator) Option {
	return func(h *Handler) { h.cache = c }
}

// WithMetrics records HTTP metrics and serves /metrics from g.
func WithMetrics(c *metrics.Collector, g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.metrics = c
		h.gatherer = g
	}
}

// WithTokenCounter reports exact token counts on previews for the openai family.
func WithTokenCounter(c tokenizer.Counter) Option {
	return func(h *Handler) { h.counter = c }
}

// WithCORSOrigins restricts allowed CORS origins.
func WithCORSOrigins(origins []string) Option {
	return func(h *Handler) { h.corsOrigins = origins }
}

// WithHealthCheck adds a named dependency check to /api/health.
func WithHealthCheck(name string, fn func(context.Context) error) Option {
	return func(h *Handler) { h.checks[name] = fn }
}

// NewHandler creates a new API handler.
func NewHandler(
	skills SkillStore,
	agents agent.Store,
	composer *compose.Composer,
	engine *agent.Engine,
	logger *zap.Logger,
	opts ...Option,
) *Handler {
	h := &Handler{
		skills:      skills,
		agents:      agents,
		composer:    composer,
		engine:      engine,
		logger:      logger,
		corsOrigins: []string{"*"},
		checks:      make(map[string]func(context.Context) error),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/skills", h.listSkills)
		r.Post("/skills", h.createSkill)
		r.Get("/skills/{id}", h.getSkill)
		r.Put("/skills/{id}", h.updateSkill)
		r.Post("/skills/{id}/enable", h.setSkillStatus(skill.StatusEnabled))
		r.Post("/skills/{id}/disable", h.setSkillStatus(skill.StatusDisabled))

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.createAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Put("/agents/{id}", h.updateAgent)
		r.Delete("/agents/{id}", h.deleteAgent)
		r.Post("/agents/{id}/compose", h.composeForAgent)
		r.Post("/agents/{id}/chat", h.chatWithAgent)

		r.Post("/prompts/preview", h.previewPrompt)
	})

	return r
}

// instrument records one HTTP metric per request, labelled by route pattern
// so path parameters do not explode cardinality.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start))
	})
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// writeError maps domain errors to status codes. Server-side failures get a
// fixed message; the detail only goes to the log.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, skill.ErrInvalid), errors.Is(err, agent.ErrInvalid), errors.Is(err, router.ErrRoutingInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, skill.ErrNotFound), errors.Is(err, agent.ErrAgentNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, skill.ErrRepositoryUnavailable):
		h.logger.Warn("skill repository unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable, retry"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "request cancelled"})
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
