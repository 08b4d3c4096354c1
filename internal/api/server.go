// Package api provides the HTTP status and control server.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/meridian-quant/backtest-engine/internal/marketdata"
	"github.com/meridian-quant/backtest-engine/internal/scheduler"
	"github.com/meridian-quant/backtest-engine/internal/simulator"
	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server exposes scheduler status, ad hoc backtest runs and Prometheus
// metrics over HTTP.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	sched      *scheduler.Scheduler
	registry   *prometheus.Registry

	data    marketdata.Provider
	signals marketdata.SignalSource
	baseCfg types.SimulationConfig
	riskCfg types.RiskFileConfig

	runs map[string]*runState
}

// runState tracks an ad hoc backtest started over the API.
type runState struct {
	ID      string                  `json:"id"`
	Status  string                  `json:"status"` // running, completed, failed
	Started time.Time               `json:"started"`
	Error   string                  `json:"error,omitempty"`
	Result  *types.SimulationResult `json:"result,omitempty"`
}

// NewServer creates the API server.
func NewServer(
	logger *zap.Logger,
	sched *scheduler.Scheduler,
	registry *prometheus.Registry,
	data marketdata.Provider,
	signals marketdata.SignalSource,
	baseCfg types.SimulationConfig,
	riskCfg types.RiskFileConfig,
) *Server {
	s := &Server{
		logger:   logger,
		router:   mux.NewRouter(),
		sched:    sched,
		registry: registry,
		data:     data,
		signals:  signals,
		baseCfg:  baseCfg,
		riskCfg:  riskCfg,
		runs:     make(map[string]*runState),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/scheduler/status", s.handleSchedulerStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/scheduler/failed", s.handleFailedJobs).Methods("GET")
	s.router.HandleFunc("/api/v1/scheduler/rebuild", s.handleRebuild).Methods("POST")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")

	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start(addr string) error {
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler; used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleFailedJobs(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	failed := s.sched.FailedJobs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"failedJobs": failed,
		"count":      len(failed),
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	if err := s.sched.BuildQueue(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Status())
}

// handleRunBacktest starts an ad hoc simulation from a posted configuration.
// Fields left empty fall back to the server's base configuration.
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	cfg := s.baseCfg
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}

	sim, err := simulator.New(s.logger, cfg, s.data, s.signals, s.riskCfg, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state := &runState{ID: cfg.RunID, Status: "running", Started: time.Now().UTC()}
	s.mu.Lock()
	s.runs[cfg.RunID] = state
	s.mu.Unlock()

	go func() {
		result, err := sim.Run(context.Background())
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			state.Status = "failed"
			state.Error = err.Error()
			return
		}
		state.Status = "completed"
		state.Result = result
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     cfg.RunID,
		"status": state.Status,
	})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.runs[id]
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
