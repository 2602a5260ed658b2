package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatdesk/internal/storage"
)

type projectRequest struct {
	Name    *string `json:"name"`
	Context *string `json:"context"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Store.ListProjects()
	if err != nil {
		storeError(w, "listing projects", err)
		return
	}
	if projects == nil {
		projects = []storage.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": projects})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
		return
	}
	var context string
	if req.Context != nil {
		context = *req.Context
	}
	p, err := s.deps.Store.CreateProject(*req.Name, context)
	if err != nil {
		storeError(w, "creating project", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	p, err := s.deps.Store.GetProject(id)
	if err != nil {
		storeError(w, "project", err)
		return
	}
	chats, err := s.deps.Store.ListChats(storage.ChatFilter{ProjectID: id})
	if err != nil {
		storeError(w, "listing chats", err)
		return
	}
	if chats == nil {
		chats = []storage.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p, "chats": chats})
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	var req projectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name must not be empty")
			return
		}
		if err := s.deps.Store.RenameProject(id, *req.Name); err != nil {
			storeError(w, "project", err)
			return
		}
	}
	if req.Context != nil {
		if err := s.deps.Store.SetProjectContext(id, *req.Context); err != nil {
			storeError(w, "project", err)
			return
		}
	}
	p, err := s.deps.Store.GetProject(id)
	if err != nil {
		storeError(w, "project", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteProject(chi.URLParam(r, "projectID")); err != nil {
		storeError(w, "project", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
