package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/chatdesk/internal/chat"
	"github.com/kalambet/chatdesk/internal/dispatch"
)

// AskResult is the outcome of a synchronous ask.
type AskResult struct {
	ChatID string `json:"chat_id"`
	Reply  string `json:"reply"`
	Status string `json:"status"`
}

// Ask sends text to a chat and waits for its request cycle to end. An empty
// chatID starts a new chat. The reply may be the simulated placeholder when
// the call failed and fallback is enabled.
func (s *Server) Ask(ctx context.Context, chatID, text, model string) (AskResult, error) {
	if chatID == "" {
		m := strings.TrimSpace(model)
		if m == "" {
			m = s.deps.DefaultModel
		}
		c, err := s.deps.Store.CreateChat("", "", m)
		if err != nil {
			return AskResult{}, fmt.Errorf("creating chat: %w", err)
		}
		chatID = c.ID
	}

	ctrl, err := s.hub.Get(chatID)
	if err != nil {
		return AskResult{}, err
	}

	events, cancel := s.stream(chatID).Subscribe()
	defer cancel()

	if err := ctrl.Send(dispatch.Outgoing{Text: text, Model: model}); err != nil {
		return AskResult{}, err
	}

	res := AskResult{ChatID: chatID}
	// Busy events from a superseded cycle arrive before ours starts.
	started := false
	for {
		select {
		case <-ctx.Done():
			ctrl.Cancel()
			return res, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return res, errors.New("chat closed while waiting for reply")
			}
			switch ev.Name {
			case "message":
				var m messagePayload
				if json.Unmarshal(ev.Data, &m) == nil && m.Role == chat.RoleAssistant && started {
					res.Reply = m.Content
				}
			case "status":
				var st map[string]string
				if json.Unmarshal(ev.Data, &st) == nil {
					res.Status = st["text"]
				}
			case "busy":
				var b map[string]bool
				if json.Unmarshal(ev.Data, &b) != nil {
					continue
				}
				if b["busy"] {
					started = true
					continue
				}
				if !started {
					continue
				}
				if res.Reply == "" {
					return res, fmt.Errorf("no reply: %s", res.Status)
				}
				return res, nil
			}
		}
	}
}
