package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	appmw "github.com/briangreenhill/intelbot/internal/http/middleware"
	"github.com/briangreenhill/intelbot/internal/jobs"
	"github.com/briangreenhill/intelbot/internal/metrics"
	"github.com/briangreenhill/intelbot/internal/providers"
	"github.com/briangreenhill/intelbot/internal/services"
)

// Enqueuer is satisfied by *asynq.Client
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Server struct {
	Router    *chi.Mux
	Client    *services.Client
	Providers *providers.Registry
	Queue     Enqueuer
}

type ServerOptions struct {
	Client     *services.Client
	Providers  *providers.Registry
	Queue      Enqueuer // optional; digest triggers return 503 without it
	AdminToken string
	Logger     zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Client: opts.Client, Providers: opts.Providers, Queue: opts.Queue}

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(opts.Client))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/status", s.handleStatus)
	r.Get("/circuits/{serviceID}", s.handleCircuit)

	r.Group(func(ar chi.Router) {
		ar.Use(appmw.RequireToken(opts.AdminToken))
		ar.Post("/circuits/{serviceID}/reset", s.handleResetCircuit)
		ar.Delete("/cache", s.handleClearCache)
		ar.Post("/digests/{provider}", s.handleTriggerDigest)
	})

	return s
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.Client.HealthStatus())
}

func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serviceID")
	st, ok := s.Client.CircuitStatus(id)
	if !ok {
		http.Error(w, "no circuit for service", http.StatusNotFound)
		return
	}
	s.writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serviceID")
	if !s.Client.ResetCircuit(id) {
		http.Error(w, "no circuit for service", http.StatusNotFound)
		return
	}
	hlog.FromRequest(r).Info().Str("service", id).Msg("circuit reset by admin")
	st, _ := s.Client.CircuitStatus(id)
	s.writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	n := s.Client.ClearCache(pattern)
	hlog.FromRequest(r).Info().Str("pattern", pattern).Int("removed", n).Msg("cache cleared by admin")
	s.writeJSON(w, r, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleTriggerDigest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	if _, ok := s.Providers.Get(name); !ok {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	if s.Queue == nil {
		http.Error(w, "job queue not configured", http.StatusServiceUnavailable)
		return
	}

	task, err := jobs.NewDigestTask(name)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("build digest task")
		http.Error(w, "failed to queue digest", http.StatusInternalServerError)
		return
	}
	info, err := s.Queue.Enqueue(task)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("enqueue digest task")
		http.Error(w, "failed to queue digest", http.StatusInternalServerError)
		return
	}

	hlog.FromRequest(r).Info().Str("provider", name).Str("task", info.ID).Msg("digest queued")
	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"task_id": info.ID, "queue": info.Queue})
}
