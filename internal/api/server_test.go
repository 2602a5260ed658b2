package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/chatdesk/internal/chat"
	"github.com/kalambet/chatdesk/internal/proxy"
	"github.com/kalambet/chatdesk/internal/routing"
	"github.com/kalambet/chatdesk/internal/storage"
	"github.com/kalambet/chatdesk/internal/worker"
)

type transportFunc func(ctx context.Context, req chat.Request) (string, error)

func (f transportFunc) Complete(ctx context.Context, req chat.Request) (string, error) {
	return f(ctx, req)
}

func echo(_ context.Context, req chat.Request) (string, error) {
	last, _ := req.LastUserMessage()
	return "echo: " + last, nil
}

type fakeLister struct {
	models []proxy.Model
	err    error
}

func (f fakeLister) ListModels(context.Context) ([]proxy.Model, error) {
	return f.models, f.err
}

func newTestDeps(t *testing.T, transport worker.Transport) Deps {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return Deps{
		Store:        store,
		Builder:      routing.NewBuilder(routing.DefaultTable("http://local", "http://remote"), "sk-test"),
		Runner:       worker.NewRunner(transport, worker.Options{Notes: []string{}}, nil),
		DefaultModel: "deepseek-chat",
	}
}

func newTestServer(t *testing.T, deps Deps) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(context.Background(), deps)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return s, srv
}

func doJSON(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

// sseReader reads server-sent events one at a time, skipping comments.
type sseReader struct {
	r *bufio.Reader
}

func (s sseReader) next(t *testing.T) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading event stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name != "" {
				return name, data
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openEvents(t *testing.T, url string) (sseReader, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("opening event stream: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	return sseReader{r: bufio.NewReader(resp.Body)}, func() {
		cancel()
		resp.Body.Close()
	}
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t, newTestDeps(t, transportFunc(echo)))

	var body map[string]string
	if code := doJSON(t, http.MethodGet, srv.URL+"/health", "", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestBearerAuth(t *testing.T) {
	deps := newTestDeps(t, transportFunc(echo))
	deps.Token = "secret"
	_, srv := newTestServer(t, deps)

	if code := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil); code != http.StatusOK {
		t.Errorf("health status = %d, want 200 without token", code)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/chats", "", nil); code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", code)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with token = %d, want 200", resp.StatusCode)
	}
}

func TestModels(t *testing.T) {
	_, srv := newTestServer(t, newTestDeps(t, transportFunc(echo)))

	var body struct {
		Default string `json:"default"`
		Data    []struct {
			Name      string `json:"name"`
			BackendID string `json:"backend_id"`
			Shape     string `json:"shape"`
			Local     bool   `json:"local"`
		} `json:"data"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/models", "", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Default != "deepseek-chat" {
		t.Errorf("default = %q", body.Default)
	}
	var found bool
	for _, m := range body.Data {
		if m.Name == "gemma-2b" {
			found = true
			if !m.Local || m.BackendID != "gemma:2b" {
				t.Errorf("gemma-2b = %+v", m)
			}
		}
	}
	if !found {
		t.Errorf("gemma-2b missing from %+v", body.Data)
	}
}

func TestRemoteModels(t *testing.T) {
	deps := newTestDeps(t, transportFunc(echo))
	_, srv := newTestServer(t, deps)
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/models/remote", "", nil); code != http.StatusServiceUnavailable {
		t.Errorf("status without lister = %d, want 503", code)
	}

	deps = newTestDeps(t, transportFunc(echo))
	deps.Remote = fakeLister{models: []proxy.Model{{ID: "openai/gpt-4o"}}}
	_, srv = newTestServer(t, deps)
	var list proxy.ModelList
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/models/remote", "", &list); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "openai/gpt-4o" {
		t.Errorf("data = %+v", list.Data)
	}

	deps = newTestDeps(t, transportFunc(echo))
	deps.Remote = fakeLister{err: errors.New("boom")}
	_, srv = newTestServer(t, deps)
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/models/remote", "", nil); code != http.StatusBadGateway {
		t.Errorf("status on error = %d, want 502", code)
	}
}

func TestSendStreamsReply(t *testing.T) {
	deps := newTestDeps(t, transportFunc(echo))
	_, srv := newTestServer(t, deps)

	var c storage.Chat
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/chats", `{}`, &c); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if c.Model != "deepseek-chat" || c.Title != "New Chat" {
		t.Errorf("chat = %+v", c)
	}

	events, stop := openEvents(t, srv.URL+"/v1/chats/"+c.ID+"/events")
	defer stop()
	if name, data := events.next(t); name != "state" || !strings.Contains(data, `"busy":false`) {
		t.Fatalf("first event = %s %s", name, data)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/chats/"+c.ID+"/messages", `{"text":"hello there"}`, nil); code != http.StatusAccepted {
		t.Fatalf("send status = %d", code)
	}

	var messages []messagePayload
	var busy []bool
	for {
		name, data := events.next(t)
		if name == "message" {
			var m messagePayload
			json.Unmarshal([]byte(data), &m)
			messages = append(messages, m)
		}
		if name == "busy" {
			var b map[string]bool
			json.Unmarshal([]byte(data), &b)
			busy = append(busy, b["busy"])
			if !b["busy"] {
				break
			}
		}
	}

	if len(messages) != 2 {
		t.Fatalf("messages = %+v", messages)
	}
	if messages[0].Role != chat.RoleUser || messages[0].Content != "hello there" {
		t.Errorf("user message = %+v", messages[0])
	}
	if messages[1].Role != chat.RoleAssistant || messages[1].Content != "echo: hello there" {
		t.Errorf("assistant message = %+v", messages[1])
	}
	if fmt.Sprint(busy) != "[true false]" {
		t.Errorf("busy = %v", busy)
	}

	var got struct {
		Chat     storage.Chat      `json:"chat"`
		Messages []storage.Message `json:"messages"`
		Busy     bool              `json:"busy"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/chats/"+c.ID, "", &got); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if len(got.Messages) != 2 || got.Busy {
		t.Errorf("transcript = %+v", got)
	}
	if got.Chat.Title != "hello there" {
		t.Errorf("title = %q, want auto title", got.Chat.Title)
	}

	var ex struct {
		Data []storage.Exchange `json:"data"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/v1/chats/"+c.ID+"/exchanges", "", &ex)
	if len(ex.Data) != 1 || ex.Data[0].Status != storage.ExchangeSuccess {
		t.Errorf("exchanges = %+v", ex.Data)
	}
}

func TestSendValidation(t *testing.T) {
	_, srv := newTestServer(t, newTestDeps(t, transportFunc(echo)))

	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/chats/nope/messages", `{"text":"hi"}`, nil); code != http.StatusNotFound {
		t.Errorf("unknown chat status = %d, want 404", code)
	}

	var c storage.Chat
	doJSON(t, http.MethodPost, srv.URL+"/v1/chats", `{"model":"gemma-2b"}`, &c)
	url := srv.URL + "/v1/chats/" + c.ID + "/messages"

	tests := []struct {
		name, body string
	}{
		{"empty", `{"text":"   "}`},
		{"bad json", `{text`},
		{"unsupported attachment", `{"text":"hi","attachments":["/tmp/x.exe"]}`},
		{"too many attachments", `{"attachments":["1.txt","2.txt","3.txt","4.txt","5.txt","6.txt","7.txt","8.txt","9.txt","10.txt","11.txt"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := doJSON(t, http.MethodPost, url, tt.body, nil); code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", code)
			}
		})
	}
}

func TestCancelPending(t *testing.T) {
	started := make(chan struct{}, 1)
	block := transportFunc(func(ctx context.Context, req chat.Request) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})
	_, srv := newTestServer(t, newTestDeps(t, block))

	var c storage.Chat
	doJSON(t, http.MethodPost, srv.URL+"/v1/chats", `{}`, &c)
	doJSON(t, http.MethodPost, srv.URL+"/v1/chats/"+c.ID+"/messages", `{"text":"slow"}`, nil)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("transport never called")
	}

	if code := doJSON(t, http.MethodDelete, srv.URL+"/v1/chats/"+c.ID+"/pending", "", nil); code != http.StatusNoContent {
		t.Fatalf("cancel status = %d", code)
	}

	var got struct {
		Busy bool `json:"busy"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/v1/chats/"+c.ID, "", &got)
	if got.Busy {
		t.Error("chat still busy after cancel")
	}

	var ex struct {
		Data []storage.Exchange `json:"data"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/v1/chats/"+c.ID+"/exchanges", "", &ex)
	if len(ex.Data) == 0 || ex.Data[0].Status != storage.ExchangeCanceled {
		t.Errorf("exchanges = %+v", ex.Data)
	}
}

func TestChatCRUDAndProjects(t *testing.T) {
	_, srv := newTestServer(t, newTestDeps(t, transportFunc(echo)))

	var p storage.Project
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/projects", `{"name":"Thesis","context":"Answer briefly."}`, &p); code != http.StatusCreated {
		t.Fatalf("create project status = %d", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/projects", `{"name":"  "}`, nil); code != http.StatusBadRequest {
		t.Errorf("blank project status = %d, want 400", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/chats", `{"project_id":"missing"}`, nil); code != http.StatusBadRequest {
		t.Errorf("chat in missing project status = %d, want 400", code)
	}

	var c storage.Chat
	doJSON(t, http.MethodPost, srv.URL+"/v1/chats", `{"title":"Draft"}`, &c)

	var moved storage.Chat
	body := fmt.Sprintf(`{"title":"Outline","project_id":%q}`, p.ID)
	if code := doJSON(t, http.MethodPatch, srv.URL+"/v1/chats/"+c.ID, body, &moved); code != http.StatusOK {
		t.Fatalf("patch status = %d", code)
	}
	if moved.Title != "Outline" || moved.ProjectID != p.ID {
		t.Errorf("moved = %+v", moved)
	}

	var detail struct {
		Project storage.Project `json:"project"`
		Chats   []storage.Chat  `json:"chats"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/v1/projects/"+p.ID, "", &detail)
	if len(detail.Chats) != 1 || detail.Chats[0].ID != c.ID {
		t.Errorf("project chats = %+v", detail.Chats)
	}

	var list struct {
		Data []storage.Chat `json:"data"`
	}
	doJSON(t, http.MethodGet, srv.URL+"/v1/chats?ungrouped=1", "", &list)
	if len(list.Data) != 0 {
		t.Errorf("ungrouped = %+v", list.Data)
	}
	doJSON(t, http.MethodGet, srv.URL+"/v1/chats?q=outl", "", &list)
	if len(list.Data) != 1 {
		t.Errorf("search = %+v", list.Data)
	}

	if code := doJSON(t, http.MethodPatch, srv.URL+"/v1/projects/"+p.ID, `{"context":"Be thorough."}`, &p); code != http.StatusOK || p.Context != "Be thorough." {
		t.Errorf("update project = %d %+v", code, p)
	}
	if code := doJSON(t, http.MethodDelete, srv.URL+"/v1/projects/"+p.ID, "", nil); code != http.StatusNoContent {
		t.Errorf("delete project status = %d", code)
	}
	doJSON(t, http.MethodGet, srv.URL+"/v1/chats?ungrouped=true", "", &list)
	if len(list.Data) != 1 {
		t.Errorf("chat should be ungrouped after project delete: %+v", list.Data)
	}

	if code := doJSON(t, http.MethodDelete, srv.URL+"/v1/chats/"+c.ID, "", nil); code != http.StatusNoContent {
		t.Errorf("delete chat status = %d", code)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/chats/"+c.ID, "", nil); code != http.StatusNotFound {
		t.Errorf("get deleted chat status = %d, want 404", code)
	}
}

func TestExportAll(t *testing.T) {
	deps := newTestDeps(t, transportFunc(echo))
	_, srv := newTestServer(t, deps)

	for _, title := range []string{"one", "two"} {
		c, err := deps.Store.CreateChat("", title, "deepseek-chat")
		if err != nil {
			t.Fatal(err)
		}
		deps.Store.AppendMessage(c.ID, chat.RoleUser, "hi "+title, time.Now())
	}

	resp, err := http.Get(srv.URL + "/v1/chats/export")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var lines int
	for sc.Scan() {
		var tr storage.Transcript
		if err := json.Unmarshal(sc.Bytes(), &tr); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if len(tr.Messages) != 1 {
			t.Errorf("transcript %s has %d messages", tr.Chat.Title, len(tr.Messages))
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

func TestAsk(t *testing.T) {
	s, _ := newTestServer(t, newTestDeps(t, transportFunc(echo)))

	res, err := s.Ask(context.Background(), "", "ping", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Reply != "echo: ping" || res.ChatID == "" {
		t.Errorf("result = %+v", res)
	}

	again, err := s.Ask(context.Background(), res.ChatID, "pong", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if again.ChatID != res.ChatID || again.Reply != "echo: pong" {
		t.Errorf("second result = %+v", again)
	}
}

func TestAsk_SimulatedFallback(t *testing.T) {
	fail := transportFunc(func(context.Context, chat.Request) (string, error) {
		return "", chat.TransportError(errors.New("dial tcp: connection refused"))
	})
	deps := newTestDeps(t, fail)
	deps.Fallback = true
	s, _ := newTestServer(t, deps)

	res, err := s.Ask(context.Background(), "", "hello", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.HasPrefix(res.Reply, "(Sim) deepseek-chat") {
		t.Errorf("reply = %q, want simulated", res.Reply)
	}
}

func TestAsk_FailureWithoutFallback(t *testing.T) {
	fail := transportFunc(func(context.Context, chat.Request) (string, error) {
		return "", &chat.Error{Kind: chat.KindUpstream, Status: 500, Message: "boom"}
	})
	s, _ := newTestServer(t, newTestDeps(t, fail))

	_, err := s.Ask(context.Background(), "", "hello", "")
	if err == nil || !strings.Contains(err.Error(), "API error (HTTP 500)") {
		t.Errorf("error = %v", err)
	}
}
