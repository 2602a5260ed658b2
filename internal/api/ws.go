package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kalambet/chatdesk/internal/attach"
	"github.com/kalambet/chatdesk/internal/dispatch"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = maxRequestBodySize
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsFrame is what the socket carries in both directions. Outbound frames
// set Event and Data; inbound frames set Type and, for "send", the message.
type wsFrame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`

	Type        string   `json:"type,omitempty"`
	Text        string   `json:"text,omitempty"`
	Model       string   `json:"model,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// handleSocket serves the same events as handleEvents over a websocket and
// also accepts "send" and "cancel" frames, so one connection can drive a chat.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chatID")
	if _, err := s.deps.Store.GetChat(id); err != nil {
		storeError(w, "chat", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "chat", id, "err", err)
		return
	}
	defer conn.Close()

	b := s.stream(id)
	events, cancel := b.Subscribe()
	defer cancel()

	out := make(chan wsFrame, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readSocket(conn, id, out)
	}()

	busy, status := b.State()
	state, _ := json.Marshal(statePayload{Busy: busy, Status: status})
	if writeFrame(conn, wsFrame{Event: "state", Data: state}) != nil {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "chat closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			err = writeFrame(conn, wsFrame{Event: ev.Name, Data: ev.Data})
		case f := <-out:
			err = writeFrame(conn, f)
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

// readSocket handles inbound frames until the peer goes away. Replies that
// concern only this connection, such as rejected sends, go to out.
func (s *Server) readSocket(conn *websocket.Conn, chatID string, out chan<- wsFrame) {
	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "chat", chatID, "err", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch f.Type {
		case "send":
			if err := s.socketSend(chatID, f); err != nil {
				reply(out, "error", map[string]string{"message": err.Error()})
			}
		case "cancel":
			if c, ok := s.hub.Lookup(chatID); ok {
				c.Cancel()
			}
		default:
			reply(out, "error", map[string]string{"message": "unknown frame type " + f.Type})
		}
	}
}

func (s *Server) socketSend(chatID string, f wsFrame) error {
	for _, p := range f.Attachments {
		if !attach.Supported(p) {
			return fmt.Errorf("%s: %w", p, attach.ErrUnsupported)
		}
	}
	ctrl, err := s.hub.Get(chatID)
	if err != nil {
		return err
	}
	return ctrl.Send(dispatch.Outgoing{Text: f.Text, Model: f.Model, Attachments: f.Attachments})
}

func reply(out chan<- wsFrame, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case out <- wsFrame{Event: event, Data: data}:
	default:
	}
}

func writeFrame(conn *websocket.Conn, f wsFrame) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(f)
}
