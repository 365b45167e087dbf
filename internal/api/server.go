package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/advisory"
	"github.com/JakeFAU/spiderhost/internal/config"
	"github.com/JakeFAU/spiderhost/internal/ledger"
	"github.com/JakeFAU/spiderhost/internal/metrics"
	"github.com/JakeFAU/spiderhost/internal/spider"
	"github.com/JakeFAU/spiderhost/internal/supervisor"
	"github.com/JakeFAU/spiderhost/internal/tabular"
)

const (
	defaultAdvisoryLimit = 100
	maxAdvisoryLimit     = 1000
	maxRowLimit          = 1000
	requestTimeout       = 60 * time.Second
)

// Lifecycle is the supervisor surface the API drives.
type Lifecycle interface {
	Status() []supervisor.Status
	Get(id spider.ID) (supervisor.Status, bool)
	Start(id spider.ID) error
	Unload(ctx context.Context, id spider.ID) error
}

// Threads lists live allocations.
type Threads interface {
	Snapshot() []ledger.Allocation
}

// Advisories returns recent advisories, oldest first.
type Advisories interface {
	Recent(n int) []advisory.Event
}

// Deps wires the server to the running services. Tables and Ready are optional.
type Deps struct {
	Lifecycle  Lifecycle
	Threads    Threads
	Advisories Advisories
	Tables     *tabular.Store
	Ready      func(ctx context.Context) error
	Auth       config.AuthConfig
	Logger     *zap.Logger
}

// Server wires HTTP handlers to the supervisor and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: deps.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.Auth.Enabled {
			r.Use(apiKeyMiddleware(deps.Auth.APIKey))
		}
		r.Route("/spiders", func(r chi.Router) {
			r.Get("/", s.listSpiders)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSpider)
				r.Post("/start", s.startSpider)
				r.Post("/unload", s.unloadSpider)
			})
		})
		r.Get("/threads", s.listThreads)
		r.Get("/advisories", s.listAdvisories)
		r.Route("/tables", func(r chi.Router) {
			r.Get("/", s.listTables)
			r.Get("/{table}/last", s.lastRows)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSpiders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"spiders": s.deps.Lifecycle.Status()})
}

func (s *Server) getSpider(w http.ResponseWriter, r *http.Request) {
	id := spider.ID(chi.URLParam(r, "id"))
	st, ok := s.deps.Lifecycle.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "spider not loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spider": st})
}

func (s *Server) startSpider(w http.ResponseWriter, r *http.Request) {
	id := spider.ID(chi.URLParam(r, "id"))
	if err := s.deps.Lifecycle.Start(id); err != nil {
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "state": string(spider.StateRunning)})
}

func (s *Server) unloadSpider(w http.ResponseWriter, r *http.Request) {
	id := spider.ID(chi.URLParam(r, "id"))
	if err := s.deps.Lifecycle.Unload(r.Context(), id); err != nil {
		s.logger.Warn("unload via api failed", zap.String("spider", id.String()), zap.Error(err))
		writeError(w, lifecycleStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "state": string(spider.StateUnloaded)})
}

func lifecycleStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrNotLoaded):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	threads := s.deps.Threads.Snapshot()
	if owner := r.URL.Query().Get("spider"); owner != "" {
		filtered := threads[:0]
		for _, a := range threads {
			if a.Owner.String() == owner {
				filtered = append(filtered, a)
			}
		}
		threads = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads, "count": len(threads)})
}

func (s *Server) listAdvisories(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultAdvisoryLimit, maxAdvisoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := s.deps.Advisories.Recent(0)
	if owner := r.URL.Query().Get("spider"); owner != "" {
		filtered := events[:0]
		for _, evt := range events {
			if evt.Spider.String() == owner {
				filtered = append(filtered, evt)
			}
		}
		events = filtered
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"advisories": events})
}

func (s *Server) listTables(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tables == nil {
		writeError(w, http.StatusServiceUnavailable, "table store unavailable")
		return
	}
	names, err := s.deps.Tables.Tables(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": names})
}

// lastRows handles GET /v1/tables/{table}/last?column=&n=&order=.
func (s *Server) lastRows(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tables == nil {
		writeError(w, http.StatusServiceUnavailable, "table store unavailable")
		return
	}
	table := chi.URLParam(r, "table")
	q := r.URL.Query()
	column := q.Get("column")
	if column == "" {
		writeError(w, http.StatusBadRequest, "column is required")
		return
	}
	n, err := parseLimit(r, 10, maxRowLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := spider.ParseOrder(q.Get("order"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	schema, err := s.deps.Tables.Schema(ctx, table)
	if err != nil {
		writeError(w, tableStatus(err), err.Error())
		return
	}
	rows, err := s.deps.Tables.ReadLastData(ctx, table, column, n, order)
	if err != nil {
		writeError(w, tableStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":   table,
		"columns": schema.Names(),
		"rows":    rows,
	})
}

func tableStatus(err error) int {
	switch {
	case errors.Is(err, spider.ErrNoSuchTable):
		return http.StatusNotFound
	case errors.Is(err, spider.ErrNoSuchColumn), errors.Is(err, spider.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// parseLimit reads ?limit= (or ?n= for row reads), clamping to maxLimit.
func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	q := r.URL.Query()
	raw := q.Get("limit")
	if raw == "" {
		raw = q.Get("n")
	}
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
