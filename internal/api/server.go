// Package api exposes the orchestrator's status surface: health,
// current topology, decision state and failover history.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/sentinel/internal/decision"
	"github.com/FairForge/sentinel/internal/health"
	"github.com/FairForge/sentinel/internal/lease"
	"github.com/FairForge/sentinel/internal/region"
	"github.com/FairForge/sentinel/internal/rto"
	"github.com/FairForge/sentinel/internal/store"
)

// HealthReader provides per-region health for the status view.
type HealthReader interface {
	StateOf(region string) health.State
	Score(region string) float64
}

// Server serves the admin endpoints.
type Server struct {
	environment string
	registry    *region.Registry
	engine      *decision.Engine
	healthR     HealthReader
	leases      lease.Store
	events      store.EventStore
	backups     store.BackupStore
	rto         *rto.Tracker
	logger      *zap.Logger

	httpServer *http.Server
}

// NewServer wires the admin endpoints onto a chi router.
func NewServer(port int, environment string, registry *region.Registry, engine *decision.Engine,
	healthR HealthReader, leases lease.Store, events store.EventStore,
	backups store.BackupStore, tracker *rto.Tracker, logger *zap.Logger) *Server {

	s := &Server{
		environment: environment,
		registry:    registry,
		engine:      engine,
		healthR:     healthR,
		leases:      leases,
		events:      events,
		backups:     backups,
		rto:         tracker,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	r.Get("/backups", s.handleBackups)
	r.Get("/compliance", s.handleCompliance)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("status server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type regionStatus struct {
	Name        string       `json:"name"`
	Role        region.Role  `json:"role"`
	Health      health.State `json:"health"`
	Score       float64      `json:"score"`
	Priority    int          `json:"priority"`
	Endpoint    string       `json:"endpoint"`
	LastContact time.Time    `json:"last_contact,omitempty"`
}

// leaseStatus is the public view of the coordination lease. The fencing
// token never leaves the controller.
type leaseStatus struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type statusResponse struct {
	Environment string           `json:"environment"`
	State       string           `json:"state"`
	Reason      string           `json:"reason,omitempty"`
	Candidate   string           `json:"candidate,omitempty"`
	Primary     string           `json:"primary"`
	Regions     []regionStatus   `json:"regions"`
	Lease       *leaseStatus     `json:"lease,omitempty"`
	Compliance  *rto.StatusCheck `json:"compliance,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Environment: s.environment,
		State:       s.engine.State().String(),
		Reason:      s.engine.TriggerReason(),
		Candidate:   s.engine.Candidate(),
		Primary:     s.registry.Primary().Name,
	}

	for _, reg := range s.registry.List() {
		resp.Regions = append(resp.Regions, regionStatus{
			Name:        reg.Name,
			Role:        reg.Role,
			Health:      s.healthR.StateOf(reg.Name),
			Score:       s.healthR.Score(reg.Name),
			Priority:    reg.Priority,
			Endpoint:    reg.Endpoint,
			LastContact: reg.LastHeartbeat,
		})
	}

	if cur, err := s.leases.Current(r.Context(), s.environment); err == nil && cur != nil {
		resp.Lease = &leaseStatus{
			Holder:     cur.Holder,
			AcquiredAt: cur.AcquiredAt,
			ExpiresAt:  cur.ExpiresAt,
		}
	}
	if s.rto != nil {
		check := s.rto.CheckStatus()
		resp.Compliance = &check
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.events.ListEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("list events failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	records, err := s.backups.ListBackupRecords(r.Context(), 20)
	if err != nil {
		s.logger.Error("list backup records failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"backups": records})
}

func (s *Server) handleCompliance(w http.ResponseWriter, _ *http.Request) {
	if s.rto == nil {
		http.Error(w, "compliance tracking disabled", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"objectives": s.rto.Objectives(),
		"metrics":    s.rto.Metrics(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
	}
}
