package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/chatdesk/internal/dispatch"
	"github.com/kalambet/chatdesk/internal/proxy"
	"github.com/kalambet/chatdesk/internal/routing"
	"github.com/kalambet/chatdesk/internal/storage"
	"github.com/kalambet/chatdesk/internal/worker"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ModelLister fetches the remote router's model catalogue.
type ModelLister interface {
	ListModels(ctx context.Context) ([]proxy.Model, error)
}

// Deps holds what the HTTP bridge needs.
type Deps struct {
	Store         *storage.Store
	Builder       *routing.Builder
	Runner        *worker.Runner
	Remote        ModelLister // optional
	DefaultModel  string
	Fallback      bool
	FallbackDelay time.Duration
	// Token enables bearer authentication when non-empty.
	Token  string
	Logger *slog.Logger
}

// Server is the local HTTP bridge: chats, projects and live request cycles
// for clients other than the terminal REPL.
type Server struct {
	deps   Deps
	logger *slog.Logger
	hub    *dispatch.Hub

	mu      sync.Mutex
	streams map[string]*Broadcaster
}

// NewServer creates a Server. Controller loops stop when ctx is done or
// Close is called.
func NewServer(ctx context.Context, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		logger:  logger,
		streams: make(map[string]*Broadcaster),
	}
	s.hub = dispatch.NewHub(ctx, s.newController, logger)
	return s
}

func (s *Server) newController(chatID string) (*dispatch.Controller, error) {
	if _, err := s.deps.Store.GetChat(chatID); err != nil {
		return nil, err
	}
	return dispatch.NewController(dispatch.Config{
		ChatID:        chatID,
		Store:         s.deps.Store,
		Builder:       s.deps.Builder,
		Runner:        s.deps.Runner,
		View:          s.stream(chatID),
		Fallback:      s.deps.Fallback,
		FallbackDelay: s.deps.FallbackDelay,
		Logger:        s.logger,
	}), nil
}

// stream returns the broadcaster for chatID, creating it if needed.
func (s *Server) stream(chatID string) *Broadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.streams[chatID]
	if !ok {
		b = NewBroadcaster()
		s.streams[chatID] = b
	}
	return b
}

func (s *Server) dropStream(chatID string) {
	s.mu.Lock()
	b, ok := s.streams[chatID]
	delete(s.streams, chatID)
	s.mu.Unlock()
	if ok {
		b.Close()
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.deps.Token != "" {
		r.Use(BearerAuth(s.deps.Token))
	}

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.Get("/models/remote", s.handleRemoteModels)

		r.Get("/chats", s.handleListChats)
		r.Post("/chats", s.handleCreateChat)
		r.Get("/chats/export", s.handleExportAll)
		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Get("/", s.handleGetChat)
			r.Patch("/", s.handleUpdateChat)
			r.Delete("/", s.handleDeleteChat)
			r.Get("/export", s.handleExportChat)
			r.Post("/messages", s.handleSend)
			r.Delete("/pending", s.handleCancel)
			r.Get("/events", s.handleEvents)
			r.Get("/ws", s.handleSocket)
			r.Get("/exchanges", s.handleExchanges)
		})

		r.Get("/projects", s.handleListProjects)
		r.Post("/projects", s.handleCreateProject)
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Patch("/", s.handleUpdateProject)
			r.Delete("/", s.handleDeleteProject)
		})
	})

	return r
}

// Close stops every controller and ends all event streams.
func (s *Server) Close() error {
	err := s.hub.Close()
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*Broadcaster)
	s.mu.Unlock()
	for _, b := range streams {
		b.Close()
	}
	return err
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// modelEntry is one row of the routing catalogue.
type modelEntry struct {
	routing.Route
	Shape string `json:"shape"`
	Local bool   `json:"local"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	routes := s.deps.Builder.Table().Routes()
	data := make([]modelEntry, len(routes))
	for i, rt := range routes {
		data[i] = modelEntry{Route: rt, Shape: rt.Shape.String(), Local: rt.Shape.Local()}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object":  "list",
		"default": s.deps.DefaultModel,
		"data":    data,
	})
}

func (s *Server) handleRemoteModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Remote == nil {
		httpError(w, http.StatusServiceUnavailable, "api_error", "remote model listing is not configured")
		return
	}
	models, err := s.deps.Remote.ListModels(r.Context())
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "failed to list models: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, proxy.ModelList{Object: "list", Data: models})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// storeError maps a storage failure onto an HTTP error.
func storeError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found_error", "%s not found", what)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", what, err)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
