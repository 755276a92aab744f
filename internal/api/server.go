// Package api implements the JSON admin and dashboard API: decision
// history and statistics, runtime settings and prompts, manual
// evaluation, and a server-sent event stream of what the agent is doing.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/nugget/climate-agent/internal/agent"
	"github.com/nugget/climate-agent/internal/buildinfo"
	"github.com/nugget/climate-agent/internal/connwatch"
	"github.com/nugget/climate-agent/internal/decisions"
	"github.com/nugget/climate-agent/internal/events"
	"github.com/nugget/climate-agent/internal/mcp"
	"github.com/nugget/climate-agent/internal/scheduler"
	"github.com/nugget/climate-agent/internal/usage"
)

// DecisionStore is the read side of the decision history plus the
// prompt table. *decisions.Store satisfies it.
type DecisionStore interface {
	Get(ctx context.Context, id string) (*decisions.Decision, error)
	Recent(ctx context.Context, limit int) ([]*decisions.Decision, error)
	Stats(ctx context.Context, window time.Duration) (decisions.Stats, error)
	Comparison(ctx context.Context, limit int) (decisions.Comparison, error)
	Summary(ctx context.Context, now time.Time) (decisions.Summary, error)
	Timeline(ctx context.Context, since time.Time) ([]decisions.TimelinePoint, error)
	Daily(ctx context.Context, days int, now time.Time) ([]decisions.Bucket, error)
	HourOfDay(ctx context.Context, window time.Duration) ([]decisions.Bucket, error)
	Settings(ctx context.Context) ([]decisions.Setting, error)
	Prompts(ctx context.Context) ([]decisions.Prompt, error)
	UpdatePrompt(ctx context.Context, name, content string) error
}

// SettingsWriter validates and stores settings. *settings.Loader
// satisfies it.
type SettingsWriter interface {
	Set(ctx context.Context, key, value string) error
}

// Scheduler runs manual evaluations and exposes run history.
// *scheduler.Scheduler satisfies it.
type Scheduler interface {
	TriggerNow(ctx context.Context, trigger string) (*scheduler.Run, *agent.Outcome, error)
	Runs(ctx context.Context, limit int) ([]*scheduler.Run, error)
	Stats(ctx context.Context) map[string]any
}

// ToolLister lists discovered tools. *mcp.Catalog satisfies it.
type ToolLister interface {
	Definitions() []mcp.ToolDefinition
}

// HealthSource reports provider health. *connwatch.Manager satisfies it.
type HealthSource interface {
	Status() map[string]connwatch.ProviderStatus
}

// CircuitSource reports model circuit breaker states by provider.
// *llm.MultiClient satisfies it.
type CircuitSource interface {
	Circuits() map[string]string
}

// CycleStatus reports the orchestrator's state. *agent.Orchestrator
// satisfies it.
type CycleStatus interface {
	Status() agent.Status
}

// UsageReporter aggregates token spend. *usage.Store satisfies it.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]usage.Summary, error)
}

// Config wires a Server. Health, Circuits, Usage, and Bus are optional.
type Config struct {
	Address       string
	Port          int
	Decisions     DecisionStore
	Settings      SettingsWriter
	Scheduler     Scheduler
	Tools         ToolLister
	Health        HealthSource
	Circuits      CircuitSource
	Orchestrator  CycleStatus
	Usage         UsageReporter
	Bus           *events.Bus
	EvaluateRate  float64 // manual evaluations per minute; 6 when zero
	EvaluateBurst int     // 1 when zero
	Logger        *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	decisions DecisionStore
	settings  SettingsWriter
	sched     Scheduler
	tools     ToolLister
	health    HealthSource
	circuits  CircuitSource
	orch      CycleStatus
	usage     UsageReporter
	bus       *events.Bus
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
	server    *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perMinute := cfg.EvaluateRate
	if perMinute <= 0 {
		perMinute = 6
	}
	burst := cfg.EvaluateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		address:   cfg.Address,
		port:      cfg.Port,
		decisions: cfg.Decisions,
		settings:  cfg.Settings,
		sched:     cfg.Scheduler,
		tools:     cfg.Tools,
		health:    cfg.Health,
		circuits:  cfg.Circuits,
		orch:      cfg.Orchestrator,
		usage:     cfg.Usage,
		bus:       cfg.Bus,
		limiter:   rate.NewLimiter(rate.Limit(perMinute/60.0), burst),
		logger:    logger.With("component", "api"),
		now:       time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)

	r.Route("/api", func(r chi.Router) {
		// Long-lived: evaluation waits on the model, events stream.
		r.Post("/evaluate", s.handleEvaluate)
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/status", s.handleStatus)

			r.Get("/decisions", s.handleDecisions)
			r.Get("/decisions/{id}", s.handleDecision)
			r.Get("/stats", s.handleStats)
			r.Get("/comparison", s.handleComparison)
			r.Get("/summary", s.handleSummary)
			r.Get("/timeline", s.handleTimeline)
			r.Get("/daily", s.handleDaily)
			r.Get("/hourly", s.handleHourly)
			r.Get("/usage", s.handleUsage)

			r.Get("/settings", s.handleSettings)
			r.Put("/settings/{key}", s.handleSetSetting)
			r.Get("/prompts", s.handlePrompts)
			r.Put("/prompts/{name}", s.handleUpdatePrompt)

			r.Get("/tools", s.handleTools)
			r.Get("/runs", s.handleRuns)
		})
	})

	return r
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second, // extended per request by evaluate and events
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.Method == http.MethodGet {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "climate-agent",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.RuntimeInfo()
	for k, v := range buildinfo.Info() {
		if _, ok := info[k]; !ok {
			info[k] = v
		}
	}
	writeJSON(w, http.StatusOK, info, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

// handleStatus reports provider health, model circuits, the
// orchestrator, and the scheduler in one document.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	}
	if s.health != nil {
		providers := s.health.Status()
		ready := true
		for _, st := range providers {
			ready = ready && st.Ready
		}
		out["providers"] = providers
		out["ready"] = ready
	}
	if s.circuits != nil {
		out["circuits"] = s.circuits.Circuits()
	}
	if s.orch != nil {
		out["orchestrator"] = s.orch.Status()
	}
	if s.sched != nil {
		out["scheduler"] = s.sched.Stats(r.Context())
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// parseIntParam reads a non-negative integer query parameter, clamped
// to max. Malformed values yield the default.
func parseIntParam(r *http.Request, name string, defaultVal, max int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return min(n, max)
}

// parseWindow reads a duration query parameter. Besides Go durations it
// accepts whole days ("7d"). "all" means no window.
func parseWindow(r *http.Request, name string, defaultVal time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	switch {
	case raw == "":
		return defaultVal, nil
	case raw == "all":
		return 0, nil
	case strings.HasSuffix(raw, "d"):
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid %s %q", name, raw)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return d, nil
}
