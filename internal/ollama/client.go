package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/chatdesk/internal/chat"
)

const (
	maxReplySize = 8 << 20

	probeTimeout = 2 * time.Second
	listTimeout  = 10 * time.Second
)

// Client talks to one runtime instance. It carries no client-side timeout;
// completions are bounded by the caller's context.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the runtime at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// BaseURL returns the runtime base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// send issues a request with an optional JSON body. url may be a path under
// the base URL or an absolute endpoint.
func (c *Client) send(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	if strings.HasPrefix(url, "/") {
		url = c.baseURL + url
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsRunning reports whether the runtime answers the model listing.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := c.send(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the names of the installed models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	resp, err := c.send(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("listing local models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing local models: unexpected status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// HasModel reports whether name is installed. A bare name means the latest
// tag, so "llama3" is satisfied by "llama3:latest" but not by "llama3:8b".
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || m == name+":latest" {
			return true
		}
	}
	return false
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullProgress is one line of a streamed model download.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PullModel downloads name, passing each progress line to onProgress (which
// may be nil). An error line in the stream fails the pull.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.send(ctx, http.MethodPost, "/api/pull", pullRequest{Name: name, Stream: true})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pulling %s: unexpected status %d", name, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if p.Error != "" {
			return fmt.Errorf("pulling %s: %s", name, p.Error)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chat.Message `json:"messages"`
	Stream   bool           `json:"stream"`
}

// Complete sends a non-streaming generate or local-chat request, as
// req.Shape says, and returns the assistant text. Every failure is a
// *chat.Error.
func (c *Client) Complete(ctx context.Context, req chat.Request) (string, error) {
	var (
		payload any
		path    string
	)
	switch req.Shape {
	case chat.ShapeGenerate:
		payload, path = generateRequest{Model: req.Model, Prompt: req.Prompt()}, "/api/generate"
	case chat.ShapeLocalChat:
		payload, path = chatRequest{Model: req.Model, Messages: req.History}, "/api/chat"
	default:
		return "", chat.InternalError(fmt.Errorf("local runtime cannot serve %s requests", req.Shape))
	}
	if req.Endpoint != "" {
		path = req.Endpoint
	}

	resp, err := c.send(ctx, http.MethodPost, path, payload)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", chat.TransportError(fmt.Errorf("%w: %v", ctxErr, err))
		}
		return "", chat.TransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return "", chat.TransportError(fmt.Errorf("reading reply: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", chat.UpstreamError(resp.StatusCode, body)
	}
	return chat.ParseReply(body)
}
