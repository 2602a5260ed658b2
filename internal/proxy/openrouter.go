package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/chatdesk/internal/chat"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	listTimeout    = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxReplySize   = 8 << 20
)

// Client communicates with an OpenRouter-compatible chat-completions router.
// It carries no client-side timeout; completions are bounded by the caller's
// context.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
	referer    string
	title      string
}

// NewClient creates a router client. apiKey is used for model listing;
// completions authenticate with the key carried by each request.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
		backoff:    initialBackoff,
		referer:    "https://github.com/kalambet/chatdesk",
		title:      "chatdesk",
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// SetBackoff overrides the initial rate-limit backoff.
func (c *Client) SetBackoff(d time.Duration) {
	c.backoff = d
}

// BaseURL returns the router base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Complete sends a chat-completions request and returns the assistant text.
// HTTP 429 is retried with exponential backoff. Every failure is returned
// as a *chat.Error.
func (c *Client) Complete(ctx context.Context, req chat.Request) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:       req.Model,
		Messages:    req.History,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", chat.InternalError(fmt.Errorf("marshaling request: %w", err))
	}

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = c.baseURL + "/chat/completions"
	}

	var lastErr *chat.Error
	for attempt := range maxRetries {
		reply, err := c.doComplete(ctx, endpoint, req.APIKey, body)
		if err == nil {
			return reply, nil
		}

		if !isRateLimit(err) {
			return "", err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", chat.TransportError(ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return "", &chat.Error{
		Kind:    chat.KindUpstream,
		Status:  lastErr.Status,
		Message: fmt.Sprintf("%s (after %d attempts)", lastErr.Message, maxRetries),
	}
}

func isRateLimit(err *chat.Error) bool {
	return err.Kind == chat.KindUpstream && err.Status == http.StatusTooManyRequests
}

func (c *Client) doComplete(ctx context.Context, endpoint, apiKey string, body []byte) (string, *chat.Error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", chat.InternalError(fmt.Errorf("creating request: %w", err))
	}
	c.setHeaders(httpReq, apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", transportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return "", transportError(ctx, fmt.Errorf("reading reply: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", chat.UpstreamError(resp.StatusCode, respBody)
	}

	reply, err := chat.ParseReply(respBody)
	if err != nil {
		return "", chat.AsError(err)
	}
	return reply, nil
}

// transportError prefers the context error so timeouts and cancellation
// are reported as such rather than as opaque url.Error text.
func transportError(ctx context.Context, err error) *chat.Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return chat.TransportError(fmt.Errorf("%w: %v", ctxErr, err))
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return chat.TransportError(fmt.Errorf("%w: %v", context.DeadlineExceeded, err))
	}
	return chat.TransportError(err)
}

// ListModels returns the list of available models from the router.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
