package chat

import (
	"strings"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry of a conversation. Ordering is list position;
// Timestamp is informational only.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"-"`
}

// Shape names the request body style a backend expects.
type Shape int

const (
	// ShapeChatCompletions is the hosted router style: messages plus
	// sampling parameters, bearer authenticated.
	ShapeChatCompletions Shape = iota
	// ShapeLocalChat sends the message list with streaming disabled.
	ShapeLocalChat
	// ShapeGenerate sends the history flattened into a single prompt.
	ShapeGenerate
)

func (s Shape) String() string {
	switch s {
	case ShapeChatCompletions:
		return "chat-completions"
	case ShapeLocalChat:
		return "local-chat"
	case ShapeGenerate:
		return "generate"
	default:
		return "unknown"
	}
}

// Local reports whether the shape targets a locally hosted runtime.
func (s Shape) Local() bool {
	return s == ShapeLocalChat || s == ShapeGenerate
}

// ParseShape converts a shape name back to a Shape.
func ParseShape(name string) (Shape, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "chat-completions", "remote":
		return ShapeChatCompletions, true
	case "local-chat":
		return ShapeLocalChat, true
	case "generate", "local":
		return ShapeGenerate, true
	}
	return 0, false
}

// Request is everything a worker needs to perform one call. It is built
// fresh for every send and never shared between workers.
type Request struct {
	History      []Message
	DisplayModel string
	Model        string
	Endpoint     string
	APIKey       string
	Shape        Shape
	Temperature  float64
	MaxTokens    int
}

// Prompt flattens the history into "role: content" lines.
func (r Request) Prompt() string {
	lines := make([]string, len(r.History))
	for i, m := range r.History {
		lines[i] = string(m.Role) + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}

// LastUserMessage returns the content of the final user message, if any.
func (r Request) LastUserMessage() (string, bool) {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Role == RoleUser {
			return r.History[i].Content, true
		}
	}
	return "", false
}
