// Package api is the thin HTTP/WebSocket surface external collaborators
// (dashboards, operators) consume. It calls only the Orchestrator's
// query and command interfaces; no rule evaluation or trading logic
// lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/trueasset/alluse-core/internal/corerr"
	"github.com/trueasset/alluse-core/internal/events"
	"github.com/trueasset/alluse-core/internal/orchestrator"
	"github.com/trueasset/alluse-core/internal/telemetry"
	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

// Server exposes the core's command/query surface over HTTP.
type Server struct {
	logger     *zap.Logger
	orch       *orchestrator.Orchestrator
	bus        *events.Bus
	router     *mux.Router
	httpServer *http.Server
	hub        *hub
}

// NewServer wires the routes and the websocket hub.
func NewServer(logger *zap.Logger, addr string, orch *orchestrator.Orchestrator, bus *events.Bus, metrics *telemetry.Metrics) *Server {
	s := &Server{
		logger: logger.Named("api"),
		orch:   orch,
		bus:    bus,
		router: mux.NewRouter(),
		hub:    newHub(logger),
	}

	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/start", s.handleStart).Methods("POST")
	s.router.HandleFunc("/api/v1/stop", s.handleStop).Methods("POST")
	s.router.HandleFunc("/api/v1/accounts", s.handleAccounts).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/orders", s.handleOrders).Methods("GET")
	s.router.HandleFunc("/api/v1/audit", s.handleAudit).Methods("GET")
	s.router.HandleFunc("/api/v1/ws", s.hub.handleUpgrade)
	if metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Every bus event fans out to connected websocket clients.
	bus.SubscribeAll(func(ctx context.Context, e events.Event) {
		s.hub.broadcast(e)
	})

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Start(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Stop(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "stopped"})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.SnapshotAccounts())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.SnapshotPositions())
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.SnapshotOrders())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	filter := types.AuditFilter{
		Kind:      q.Get("kind"),
		SubjectID: q.Get("subject"),
	}
	s.writeJSON(w, http.StatusOK, s.orch.QueryAudit(filter, limit))
}

// errorBody is the structured error shape: a named kind plus message,
// never an opaque string.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var body errorBody
	var coreErr *corerr.Error
	status := http.StatusInternalServerError
	if errors.As(err, &coreErr) {
		body.Error.Kind = string(coreErr.Kind)
		body.Error.Message = coreErr.Message
		if coreErr.Kind.Recoverable() {
			status = http.StatusConflict
		}
	} else {
		body.Error.Kind = "Internal"
		body.Error.Message = err.Error()
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
