package routing

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/chatdesk/internal/chat"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2048
)

// Builder turns chat state into a ready-to-send chat.Request.
type Builder struct {
	table       *Table
	apiKey      string
	temperature float64
	maxTokens   int
	now         func() time.Time
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithSampling sets temperature and max_tokens for router requests.
// Non-positive values keep the defaults.
func WithSampling(temperature float64, maxTokens int) BuilderOption {
	return func(b *Builder) {
		if temperature > 0 {
			b.temperature = temperature
		}
		if maxTokens > 0 {
			b.maxTokens = maxTokens
		}
	}
}

// NewBuilder creates a Builder. apiKey may be empty.
func NewBuilder(table *Table, apiKey string, opts ...BuilderOption) *Builder {
	b := &Builder{
		table:       table,
		apiKey:      apiKey,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Input is the chat state a request is built from.
type Input struct {
	History     []chat.Message
	Model       string
	Attachments []string
}

// Build produces the request for in. It performs no I/O.
func (b *Builder) Build(in Input) chat.Request {
	route := b.table.Resolve(in.Model)

	history := make([]chat.Message, len(in.History), len(in.History)+1)
	copy(history, in.History)

	if markers := AttachmentMarkers(in.Attachments); markers != "" {
		last := len(history) - 1
		if last >= 0 && history[last].Role == chat.RoleUser {
			history[last].Content = joinMarkers(history[last].Content, markers)
		} else {
			history = append(history, chat.Message{
				Role:      chat.RoleUser,
				Content:   markers,
				Timestamp: b.now(),
			})
		}
	}

	req := chat.Request{
		History:      history,
		DisplayModel: in.Model,
		Model:        route.BackendID,
		Endpoint:     route.Endpoint,
		Shape:        route.Shape,
		Temperature:  b.temperature,
		MaxTokens:    b.maxTokens,
	}
	if route.RequiresAuth {
		req.APIKey = b.apiKey
	}
	return req
}

// MissingCredentials reports whether the route for model needs a key that
// the builder does not have.
func (b *Builder) MissingCredentials(model string) bool {
	return b.table.Resolve(model).RequiresAuth && b.apiKey == ""
}

// Table returns the routing table the builder resolves against.
func (b *Builder) Table() *Table {
	return b.table
}

// AttachmentMarker is the inline reference to an attached file.
func AttachmentMarker(path string) string {
	return fmt.Sprintf("[📎 Attachment: %s]", filepath.Base(path))
}

// AttachmentMarkers joins the markers for paths with blank lines.
func AttachmentMarkers(paths []string) string {
	markers := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		markers = append(markers, AttachmentMarker(p))
	}
	return strings.Join(markers, "\n\n")
}

func joinMarkers(content, markers string) string {
	if content == "" {
		return markers
	}
	return content + "\n\n" + markers
}
