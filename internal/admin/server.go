package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/queue"
)

// Server is the HTTP face of the admin service.
type Server struct {
	service  *Service
	exporter *Exporter
	registry *prometheus.Registry
	log      logger.Logger
}

// NewServer builds the admin HTTP layer with its own Prometheus registry.
func NewServer(service *Service) *Server {
	registry := prometheus.NewRegistry()
	return &Server{
		service:  service,
		exporter: NewExporter(service, registry),
		registry: registry,
		log:      logger.Default().WithComponent(logger.ComponentAdmin),
	}
}

// Exporter exposes the gauge set so the caller can run the sampler. Other
// components register their collectors through Registry.
func (s *Server) Exporter() *Exporter { return s.exporter }

// Registry exposes the Prometheus registry for additional collectors.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Handler returns the routed admin mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /dashboard", s.handleDashboard)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /queues", s.handleQueues)
	mux.HandleFunc("GET /queues/{broker}/{name}/metrics", s.handleQueueMetrics)
	mux.HandleFunc("GET /queues/{broker}/{name}/jobs", s.handleQueueJobs)
	mux.HandleFunc("POST /queues/{broker}/{name}/retry", s.handleRetry)
	mux.HandleFunc("POST /queues/{broker}/{name}/clean", s.handleClean)
	mux.HandleFunc("POST /queues/{broker}/{name}/pause", s.handlePause)
	mux.HandleFunc("POST /queues/{broker}/{name}/resume", s.handleResume)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("admin response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, queue.ErrQueueNotFound) || errors.Is(err, queue.ErrJobNotFound) {
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.service.Dashboard(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: d})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.service.Health(r.Context())
	code := http.StatusOK
	if status == HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, envelope{Success: status != HealthUnhealthy, Data: map[string]HealthStatus{"status": status}})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Broker string `json:"broker"`
		Name   string `json:"name"`
	}
	var entries []entry
	for _, q := range s.service.factory.List() {
		entries = append(entries, entry{Broker: q.Broker(), Name: q.Name()})
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: entries})
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.service.QueueMetrics(r.Context(), r.PathValue("broker"), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: m})
}

func (s *Server) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	var states []job.Status
	if raw := r.URL.Query().Get("states"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			states = append(states, job.Status(strings.TrimSpace(st)))
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := s.service.QueueJobs(r.Context(), r.PathValue("broker"), r.PathValue("name"), states, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: jobs})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	retried, retryErrs, err := s.service.RetryFailed(r.Context(), r.PathValue("broker"), r.PathValue("name"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{
		"retried": retried,
		"errors":  retryErrs,
	}})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	grace := time.Duration(0)
	if raw := r.URL.Query().Get("grace"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			grace = time.Duration(ms) * time.Millisecond
		}
	}
	status := job.Status(r.URL.Query().Get("status"))

	removed, err := s.service.CleanJobs(r.Context(), r.PathValue("broker"), r.PathValue("name"), grace, status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]int{"removed": removed}})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Pause(r.Context(), r.PathValue("broker"), r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]bool{"paused": true}})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Resume(r.Context(), r.PathValue("broker"), r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]bool{"paused": false}})
}
