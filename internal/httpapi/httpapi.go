// Package httpapi serves the daemon's JSON API, the entity state WebSocket
// stream and the Prometheus endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/trymwestin/nestd/internal/core/state"
	"github.com/trymwestin/nestd/internal/entity"
	"github.com/trymwestin/nestd/internal/registry"
)

// EntitySource exposes the host's registered entities.
type EntitySource interface {
	Descriptors() []entity.Descriptor
	States() []entity.State
	State(uniqueID string) (entity.State, error)
}

// RegistryLister lists persisted registry entries.
type RegistryLister interface {
	List(ctx context.Context) ([]registry.Entry, error)
}

// RefreshFunc forces a device refresh and re-polls every entity.
type RefreshFunc func(ctx context.Context) error

// Deps are the collaborators the API reads from. Registry, Refresh and
// Metrics may be nil.
type Deps struct {
	Entities EntitySource
	Devices  state.Reader
	Registry RegistryLister
	Refresh  RefreshFunc
	Metrics  http.Handler
	Hub      *Hub
	Version  string
}

// Server is the HTTP API server.
type Server struct {
	deps    Deps
	corsAll bool
	log     *slog.Logger
	started time.Time
	router  chi.Router
}

// NewServer creates a new HTTP API server.
func NewServer(deps Deps, corsAll bool, log *slog.Logger) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub(log)
	}
	s := &Server{
		deps:    deps,
		corsAll: corsAll,
		log:     log,
		started: time.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	if s.corsAll {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleGetStatus)
		r.Get("/entities", s.handleListEntities)
		r.Get("/entities/{id}", s.handleGetEntity)
		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{id}", s.handleGetDevice)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/registry", s.handleListRegistry)
		r.Get("/ws", s.handleWebSocket)
	})

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}
	return r
}

// --- Handlers ---

type statusResponse struct {
	Version     string    `json:"version"`
	Uptime      string    `json:"uptime"`
	RefreshedAt time.Time `json:"refreshed_at"`
	Devices     int       `json:"devices"`
	Entities    int       `json:"entities"`
	Available   int       `json:"available"`
	WSClients   int       `json:"ws_clients"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Devices.Snapshot()
	states := s.deps.Entities.States()
	available := 0
	for _, st := range states {
		if st.Available {
			available++
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version:     s.deps.Version,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		RefreshedAt: snap.RefreshedAt,
		Devices:     len(snap.Devices),
		Entities:    len(states),
		Available:   available,
		WSClients:   s.deps.Hub.ClientCount(),
	})
}

func (s *Server) handleListEntities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Entities.States())
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.deps.Entities.State(id)
	if errors.Is(err, entity.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entity not found: "+id)
		return
	}
	if err != nil {
		s.log.Error("failed to read entity state", "unique_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Devices.Snapshot()
	out := make([]state.Device, 0, len(snap.Devices))
	for _, ids := range [][]string{snap.TemperatureSensors, snap.Protects, snap.Cameras} {
		for _, id := range ids {
			out = append(out, snap.Devices[id])
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.deps.Devices.Device(id)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Refresh == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh not available")
		return
	}
	if err := s.deps.Refresh(r.Context()); err != nil {
		s.log.Warn("refresh request failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRegistry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeJSON(w, http.StatusOK, []registry.Entry{})
		return
	}
	entries, err := s.deps.Registry.List(r.Context())
	if err != nil {
		s.log.Error("failed to list registry", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []registry.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // connection may be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
