// Package server exposes sessions over HTTP and WebSocket.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"clarvis/internal/activitylog"
	"clarvis/internal/hub"
	"clarvis/internal/orchestrator"
	"clarvis/internal/permission"
	"clarvis/internal/session"
	"clarvis/internal/version"
)

// Events broadcast to every connection when the session list changes.
const (
	EventSessionCreated = "session:created"
	EventSessionDeleted = "session:deleted"
	EventSessionRenamed = "session:renamed"
	EventSessionUpdated = "session:updated"
)

// Deps are the components a Server routes requests to.
type Deps struct {
	Registry     *session.Registry
	Orchestrator *orchestrator.Orchestrator
	Broker       *permission.Broker
	Hub          *hub.Hub
	Activity     *activitylog.Logger
	Logger       *zap.Logger
	// ProjectsRoot is scanned for project directories.
	ProjectsRoot string
}

// Server is the HTTP front end.
type Server struct {
	reg      *session.Registry
	orch     *orchestrator.Orchestrator
	broker   *permission.Broker
	hub      *hub.Hub
	activity *activitylog.Logger
	log      *zap.Logger
	root     string

	upgrader websocket.Upgrader
	metrics  *metrics
	router   *mux.Router
}

// New builds a Server and its routes.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Activity == nil {
		d.Activity = activitylog.Nop()
	}
	s := &Server{
		reg:      d.Registry,
		orch:     d.Orchestrator,
		broker:   d.Broker,
		hub:      d.Hub,
		activity: d.Activity,
		log:      d.Logger,
		root:     d.ProjectsRoot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients may be served from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.metrics = newMetrics(s)
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Registry returns the metrics registry backing /metrics.
func (s *Server) Registry() *prometheus.Registry { return s.metrics.registry }

// NewHTTPServer wraps the handler in an http.Server listening on addr.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.metrics.middleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/prompt", s.handlePrompt).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/queue", s.handleGetQueue).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/queue/{promptId}", s.handleCancelQueued).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/interrupt", s.handleInterrupt).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/fork", s.handleFork).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/rename", s.handleRename).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/archive", s.handleArchive).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/model", s.handleSetModel).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/clear", s.handleClear).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/permissions", s.handlePendingPermissions).Methods(http.MethodGet)
	api.HandleFunc("/permission/{requestId}", s.handlePermission).Methods(http.MethodPost)
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	api.HandleFunc("/commands", s.handleCommands).Methods(http.MethodGet)
	api.HandleFunc("/projects", s.handleProjects).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	total, busy := s.reg.Count()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"build":       version.Current(),
		"sessions":    total,
		"running":     busy,
		"connections": s.hub.ConnectionCount(),
	})
}

const maxBodySize = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps session sentinel errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode body: %w: %w", session.ErrInvalid, err)
	}
	return nil
}
