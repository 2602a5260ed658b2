package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatdesk/internal/attach"
	"github.com/kalambet/chatdesk/internal/dispatch"
	"github.com/kalambet/chatdesk/internal/storage"
	"github.com/kalambet/chatdesk/internal/worker"
)

const defaultListLimit = 100

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chats, err := s.deps.Store.ListChats(storage.ChatFilter{
		ProjectID: q.Get("project"),
		Ungrouped: q.Get("ungrouped") == "1" || q.Get("ungrouped") == "true",
		Query:     q.Get("q"),
		Limit:     queryInt(r, "limit", defaultListLimit),
	})
	if err != nil {
		storeError(w, "listing chats", err)
		return
	}
	if chats == nil {
		chats = []storage.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": chats})
}

type createChatRequest struct {
	Title     string `json:"title"`
	Model     string `json:"model"`
	ProjectID string `json:"project_id"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.deps.DefaultModel
	}
	c, err := s.deps.Store.CreateChat(req.ProjectID, req.Title, model)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project %q not found", req.ProjectID)
			return
		}
		storeError(w, "creating chat", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Store.Transcript(chi.URLParam(r, "chatID"))
	if err != nil {
		storeError(w, "chat", err)
		return
	}
	busy := false
	if c, ok := s.hub.Lookup(t.Chat.ID); ok {
		busy = c.Busy()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat":     t.Chat,
		"messages": t.Messages,
		"busy":     busy,
	})
}

// updateChatRequest changes only the fields that are present. An empty
// project_id moves the chat out of its project.
type updateChatRequest struct {
	Title     *string `json:"title"`
	Model     *string `json:"model"`
	ProjectID *string `json:"project_id"`
}

func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chatID")
	var req updateChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title must not be empty")
			return
		}
		if err := s.deps.Store.RenameChat(id, strings.TrimSpace(*req.Title)); err != nil {
			storeError(w, "chat", err)
			return
		}
	}
	if req.Model != nil {
		if err := s.deps.Store.SetChatModel(id, strings.TrimSpace(*req.Model)); err != nil {
			storeError(w, "chat", err)
			return
		}
	}
	if req.ProjectID != nil {
		if err := s.deps.Store.MoveChat(id, *req.ProjectID); err != nil {
			storeError(w, "chat or project", err)
			return
		}
	}
	c, err := s.deps.Store.GetChat(id)
	if err != nil {
		storeError(w, "chat", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chatID")
	s.hub.Remove(id)
	s.dropStream(id)
	if err := s.deps.Store.DeleteChat(id); err != nil {
		storeError(w, "chat", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportChat(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Store.Transcript(chi.URLParam(r, "chatID"))
	if err != nil {
		storeError(w, "chat", err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="chat-%s.json"`, t.Chat.ID))
	writeJSON(w, http.StatusOK, t)
}

// handleExportAll streams every chat transcript as JSON Lines.
func (s *Server) handleExportAll(w http.ResponseWriter, r *http.Request) {
	chats, err := s.deps.Store.ListChats(storage.ChatFilter{})
	if err != nil {
		storeError(w, "listing chats", err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="chats.jsonl"`)
	enc := json.NewEncoder(w)
	for _, c := range chats {
		t, err := s.deps.Store.Transcript(c.ID)
		if err != nil {
			s.logger.Warn("export: skipping chat", "chat_id", c.ID, "error", err)
			continue
		}
		if err := enc.Encode(t); err != nil {
			return
		}
	}
}

type sendRequest struct {
	Text        string   `json:"text"`
	Model       string   `json:"model"`
	Attachments []string `json:"attachments"`
}

// handleSend starts a request cycle. The reply arrives on the chat's event
// stream; the response only acknowledges the send.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chatID")
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	for _, p := range req.Attachments {
		if !attach.Supported(p) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", p, attach.ErrUnsupported)
			return
		}
	}

	ctrl, err := s.hub.Get(id)
	if err != nil {
		if errors.Is(err, dispatch.ErrHubClosed) {
			httpError(w, http.StatusServiceUnavailable, "api_error", "server is shutting down")
			return
		}
		storeError(w, "chat", err)
		return
	}

	err = ctrl.Send(dispatch.Outgoing{Text: req.Text, Model: req.Model, Attachments: req.Attachments})
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrEmptyMessage), errors.Is(err, dispatch.ErrNoModel), errors.Is(err, attach.ErrTooMany):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	case errors.Is(err, worker.ErrClosed):
		httpError(w, http.StatusServiceUnavailable, "api_error", "chat is closed")
		return
	default:
		storeError(w, "sending message", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"chat_id": id, "busy": ctrl.Busy()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if c, ok := s.hub.Lookup(chi.URLParam(r, "chatID")); ok {
		c.Cancel()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chatID")
	if _, err := s.deps.Store.GetChat(id); err != nil {
		storeError(w, "chat", err)
		return
	}
	ex, err := s.deps.Store.ListExchanges(id, queryInt(r, "limit", defaultListLimit))
	if err != nil {
		storeError(w, "listing exchanges", err)
		return
	}
	if ex == nil {
		ex = []storage.Exchange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": ex})
}
