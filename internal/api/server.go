// Package api provides the status HTTP server: REST snapshots of the
// scheduler and risk state, Prometheus metrics, and a websocket stream of
// bus events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/quantshed/orchestrator/internal/broker"
	"github.com/quantshed/orchestrator/internal/events"
	"github.com/quantshed/orchestrator/internal/metrics"
	"github.com/quantshed/orchestrator/internal/risk"
	"github.com/quantshed/orchestrator/internal/scheduler"
)

// Config holds the HTTP server settings.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`
}

// DefaultConfig binds to localhost only.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the status API server.
type Server struct {
	logger     *zap.Logger
	cfg        Config
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub

	sched   *scheduler.Scheduler
	riskMgr *risk.Manager
	broker  broker.Broker
}

// NewServer wires routes and subscribes the websocket hub to the bus.
func NewServer(
	logger *zap.Logger,
	cfg Config,
	sched *scheduler.Scheduler,
	riskMgr *risk.Manager,
	b broker.Broker,
	m *metrics.Metrics,
	bus *events.Bus,
) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		cfg:     cfg,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		sched:   sched,
		riskMgr: riskMgr,
		broker:  b,
	}

	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/portfolio", s.handlePortfolio).Methods("GET")
	s.router.HandleFunc("/api/risk", s.handleRisk).Methods("GET")
	s.router.Handle("/metrics", m.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.hub.handleWebSocket)

	if bus != nil {
		bus.SubscribeAll(func(e events.Event) {
			s.hub.Broadcast(e)
		})
	}
	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() *mux.Router { return s.router }

// Start runs the server until Stop.
func (s *Server) Start() error {
	go s.hub.Run()

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("status api listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.sched.Stats())
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, err := s.broker.Portfolio(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, portfolio)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.riskMgr.Report())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", zap.Error(err))
	}
}
