package storage

import (
	"errors"
	"time"

	"github.com/kalambet/chatdesk/internal/chat"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Project groups chats and carries free-form context notes.
type Project struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Context   string    `json:"context,omitempty" yaml:"context,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Chat is a conversation. ProjectID is empty for ungrouped chats.
type Chat struct {
	ID           string    `json:"id" yaml:"id"`
	ProjectID    string    `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	Title        string    `json:"title" yaml:"title"`
	Model        string    `json:"model,omitempty" yaml:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
	MessageCount int       `json:"message_count" yaml:"message_count"`
}

// Message is a persisted conversation entry. IDs grow with insertion order.
type Message struct {
	ID        int64     `json:"id" yaml:"id"`
	ChatID    string    `json:"chat_id" yaml:"chat_id"`
	Role      chat.Role `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Exchange status values.
const (
	ExchangeSuccess   = "success"
	ExchangeFailure   = "failure"
	ExchangeSimulated = "simulated"
	ExchangeCanceled  = "canceled"
)

// Exchange records the outcome of one request cycle.
type Exchange struct {
	ID           string    `json:"id" yaml:"id"`
	ChatID       string    `json:"chat_id" yaml:"chat_id"`
	Model        string    `json:"model" yaml:"model"`
	BackendID    string    `json:"backend_id,omitempty" yaml:"backend_id,omitempty"`
	Endpoint     string    `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Status       string    `json:"status" yaml:"status"`
	ErrorKind    string    `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	ElapsedMS    int64     `json:"elapsed_ms" yaml:"elapsed_ms"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// Transcript is a chat together with all of its messages.
type Transcript struct {
	Chat     Chat      `json:"chat" yaml:"chat"`
	Messages []Message `json:"messages" yaml:"messages"`
}

// History converts stored messages to the in-memory conversation form.
func History(msgs []Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = chat.Message{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp}
	}
	return out
}
