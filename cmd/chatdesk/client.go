package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatdesk/internal/chat"
)

// apiClient talks to a running "chatdesk serve" instance.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.Token,
		httpClient: &http.Client{},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is chatdesk serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// serverEvent is one decoded server-sent event.
type serverEvent struct {
	Name string
	Data []byte
}

// readEvents parses a text/event-stream body onto the returned channel,
// which is closed when the body ends.
func readEvents(body io.Reader) <-chan serverEvent {
	out := make(chan serverEvent)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 64*1024), 8<<20)
		var ev serverEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if ev.Name != "" {
					out <- ev
				}
				ev = serverEvent{}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = append(ev.Data, strings.TrimPrefix(line, "data: ")...)
			}
		}
	}()
	return out
}

type sendOptions struct {
	Text        string
	Model       string
	Attachments []string
}

// sendAndWait posts a message to a served chat and relays the resulting
// view updates to w until the request cycle ends.
func (c *apiClient) sendAndWait(ctx context.Context, chatID string, opts sendOptions, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.get(ctx, "/v1/chats/"+chatID+"/events")
	if err != nil {
		return err
	}
	if stream.StatusCode != http.StatusOK {
		return decodeJSON(stream, nil)
	}
	defer stream.Body.Close()
	events := readEvents(stream.Body)

	resp, err := c.post(ctx, "/v1/chats/"+chatID+"/messages", map[string]any{
		"text":        opts.Text,
		"model":       opts.Model,
		"attachments": opts.Attachments,
	})
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return err
	}

	started := false
	for {
		select {
		case <-ctx.Done():
			c.cancelPending(chatID)
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before the reply arrived")
			}
			switch ev.Name {
			case "message":
				var m struct {
					Role    chat.Role `json:"role"`
					Content string    `json:"content"`
				}
				if json.Unmarshal(ev.Data, &m) == nil && m.Role == chat.RoleAssistant {
					fmt.Fprintln(w, m.Content)
				}
			case "status":
				var s struct {
					Text string `json:"text"`
				}
				if json.Unmarshal(ev.Data, &s) == nil && s.Text != "" {
					fmt.Fprintln(os.Stderr, colorize(colorGray, "· "+s.Text))
				}
			case "busy":
				var b struct {
					Busy bool `json:"busy"`
				}
				if json.Unmarshal(ev.Data, &b) != nil {
					continue
				}
				if b.Busy {
					started = true
				} else if started {
					return nil
				}
			}
		}
	}
}

// cancelPending asks the server to drop the in-flight request. The caller's
// context is already done, so it gets a short context of its own.
func (c *apiClient) cancelPending(chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if resp, err := c.do(ctx, http.MethodDelete, "/v1/chats/"+chatID+"/pending", nil); err == nil {
		resp.Body.Close()
	}
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Send a message through a running server and print the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		files, _ := cmd.Flags().GetStringSlice("attach")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return client.sendAndWait(ctx, args[0], sendOptions{
			Text:        strings.Join(args[1:], " "),
			Model:       model,
			Attachments: files,
		}, os.Stdout)
	},
}

func init() {
	sendCmd.Flags().String("model", "", "model for this message (default: the chat's model)")
	sendCmd.Flags().StringSlice("attach", nil, "file to reference in the message (repeatable)")
}
