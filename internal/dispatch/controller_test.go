package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/chatdesk/internal/chat"
	"github.com/kalambet/chatdesk/internal/engine"
	"github.com/kalambet/chatdesk/internal/ollama"
	"github.com/kalambet/chatdesk/internal/proxy"
	"github.com/kalambet/chatdesk/internal/routing"
	"github.com/kalambet/chatdesk/internal/storage"
	"github.com/kalambet/chatdesk/internal/worker"
)

// recordingView records every view call and signals each re-enable.
type recordingView struct {
	mu       sync.Mutex
	messages []chat.Message
	statuses []string
	busy     []bool
	idle     chan struct{}
}

func newRecordingView() *recordingView {
	return &recordingView{idle: make(chan struct{}, 16)}
}

func (v *recordingView) AppendMessage(m chat.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.messages = append(v.messages, m)
}

func (v *recordingView) ShowStatus(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statuses = append(v.statuses, text)
}

func (v *recordingView) SetBusy(busy bool) {
	v.mu.Lock()
	v.busy = append(v.busy, busy)
	v.mu.Unlock()
	if !busy {
		v.idle <- struct{}{}
	}
}

func (v *recordingView) waitIdle(t *testing.T) {
	t.Helper()
	select {
	case <-v.idle:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the cycle to finish")
	}
}

func (v *recordingView) snapshot() ([]chat.Message, []string, []bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]chat.Message(nil), v.messages...),
		append([]string(nil), v.statuses...),
		append([]bool(nil), v.busy...)
}

type harness struct {
	store *storage.Store
	view  *recordingView
	ctrl  *Controller
	chat  storage.Chat
}

// newHarness wires a controller whose remote router and local runtime are
// both served by handler.
func newHarness(t *testing.T, handler http.HandlerFunc, apiKey string, fallback bool) *harness {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ch, err := store.CreateChat("", "", "deepseek-chat")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	remote := proxy.NewClientWithBaseURL(apiKey, srv.URL)
	remote.SetBackoff(time.Millisecond)
	transport := engine.NewRouter(remote, ollama.New(srv.URL))
	runner := worker.NewRunner(transport, worker.Options{Notes: []string{"thinking"}, Timeout: 2 * time.Second}, nil)

	view := newRecordingView()
	ctrl := NewController(Config{
		ChatID:        ch.ID,
		Store:         store,
		Builder:       routing.NewBuilder(routing.DefaultTable(srv.URL, srv.URL), apiKey),
		Runner:        runner,
		View:          view,
		Fallback:      fallback,
		FallbackDelay: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		ctrl.Close()
		cancel()
		<-done
	})

	return &harness{store: store, view: view, ctrl: ctrl, chat: ch}
}

func completions(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, content)
	}
}

func assertBusyOnce(t *testing.T, busy []bool, cycles int) {
	t.Helper()
	want := make([]bool, 0, cycles*2)
	for range cycles {
		want = append(want, true, false)
	}
	if fmt.Sprint(busy) != fmt.Sprint(want) {
		t.Errorf("SetBusy calls = %v, want %v", busy, want)
	}
}

func TestSend_SuccessScenario(t *testing.T) {
	h := newHarness(t, completions("4"), "sk-test", true)

	if err := h.ctrl.Send(Outgoing{Text: "2+2?", Model: "deepseek-chat"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.view.waitIdle(t)

	msgs, statuses, busy := h.view.snapshot()
	assertBusyOnce(t, busy, 1)
	if len(msgs) != 2 || msgs[0].Content != "2+2?" || msgs[1].Role != chat.RoleAssistant || msgs[1].Content != "4" {
		t.Fatalf("messages = %+v", msgs)
	}
	if last := statuses[len(statuses)-1]; !strings.HasPrefix(last, "Reply received (deepseek-chat, ") {
		t.Errorf("final status = %q", last)
	}

	stored, _ := h.store.ListMessages(h.chat.ID)
	if len(stored) != 2 {
		t.Errorf("stored %d messages, want 2", len(stored))
	}
	ex, _ := h.store.ListExchanges(h.chat.ID, 0)
	if len(ex) != 1 || ex[0].Status != storage.ExchangeSuccess || ex[0].BackendID != "deepseek/deepseek-r1:free" {
		t.Errorf("exchanges = %+v", ex)
	}
	got, _ := h.store.GetChat(h.chat.ID)
	if got.Title != "2+2?" {
		t.Errorf("auto title = %q", got.Title)
	}
}

func TestSend_LocalGenerate(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" || r.Header.Get("Authorization") != "" {
			http.Error(w, "wrong route", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"response":"local hi"}`)
	}, "sk-test", false)

	if err := h.ctrl.Send(Outgoing{Text: "hi", Model: "gemma-2b"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.view.waitIdle(t)

	msgs, _, _ := h.view.snapshot()
	if len(msgs) != 2 || msgs[1].Content != "local hi" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestSend_RateLimitedFailureFallsBack(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}, "sk-test", true)

	if err := h.ctrl.Send(Outgoing{Text: "hello", Model: "deepseek-chat"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.view.waitIdle(t)

	msgs, statuses, busy := h.view.snapshot()
	assertBusyOnce(t, busy, 1)
	if len(msgs) != 2 || msgs[1].Content != SimulatedReply("deepseek-chat") {
		t.Fatalf("messages = %+v", msgs)
	}
	var sawFailure bool
	for _, s := range statuses {
		if strings.Contains(s, "rate limited") {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Errorf("statuses = %v, want a rate limited failure", statuses)
	}

	ex, _ := h.store.ListExchanges(h.chat.ID, 0)
	if len(ex) != 2 || ex[0].Status != storage.ExchangeSimulated || ex[1].ErrorKind != "upstream" {
		t.Errorf("exchanges = %+v", ex)
	}
}

func TestSend_FailureWithoutFallback(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"x"}`)
	}, "sk-test", false)

	h.ctrl.Send(Outgoing{Text: "hello", Model: "deepseek-chat"})
	h.view.waitIdle(t)

	msgs, statuses, busy := h.view.snapshot()
	assertBusyOnce(t, busy, 1)
	if len(msgs) != 1 {
		t.Errorf("messages = %+v, want only the user message", msgs)
	}
	if last := statuses[len(statuses)-1]; !strings.HasPrefix(last, "Invalid response") {
		t.Errorf("final status = %q", last)
	}
}

func TestSend_MissingKeySimulates(t *testing.T) {
	var calls int
	var mu sync.Mutex
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		completions("real")(w, r)
	}, "", true)

	if err := h.ctrl.Send(Outgoing{Text: "hello", Model: "deepseek-chat"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.view.waitIdle(t)

	msgs, _, busy := h.view.snapshot()
	assertBusyOnce(t, busy, 1)
	if len(msgs) != 2 || !strings.HasPrefix(msgs[1].Content, "(Sim) deepseek-chat") {
		t.Fatalf("messages = %+v", msgs)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("backend called %d times without a key", calls)
	}
}

func TestSend_SupersessionKeepsOnlyLatest(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []chat.Message `json:"messages"`
		}
		decodeJSON(r, &body)
		last := body.Messages[len(body.Messages)-1].Content
		if last == "first" {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			fmt.Fprint(w, `{"choices":[{"message":{"content":"reply A"}}]}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"reply B"}}]}`)
	}, "sk-test", false)
	defer close(release)

	if err := h.ctrl.Send(Outgoing{Text: "first", Model: "deepseek-chat"}); err != nil {
		t.Fatalf("Send A: %v", err)
	}
	if err := h.ctrl.Send(Outgoing{Text: "second", Model: "deepseek-chat"}); err != nil {
		t.Fatalf("Send B: %v", err)
	}
	h.view.waitIdle(t) // A superseded
	h.view.waitIdle(t) // B finished

	msgs, _, busy := h.view.snapshot()
	assertBusyOnce(t, busy, 2)
	var replies []string
	for _, m := range msgs {
		if m.Role == chat.RoleAssistant {
			replies = append(replies, m.Content)
		}
	}
	if len(replies) != 1 || replies[0] != "reply B" {
		t.Errorf("assistant replies = %v, want only reply B", replies)
	}
	if h.ctrl.Busy() {
		t.Error("controller still busy")
	}
}

func TestCancel_ReenablesOnce(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, "sk-test", true)

	h.ctrl.Send(Outgoing{Text: "slow", Model: "deepseek-chat"})
	h.ctrl.Cancel()
	h.view.waitIdle(t)
	h.ctrl.Cancel()

	// Give a late failure event a chance to arrive; it must be ignored.
	time.Sleep(50 * time.Millisecond)
	msgs, _, busy := h.view.snapshot()
	assertBusyOnce(t, busy, 1)
	if len(msgs) != 1 {
		t.Errorf("messages = %+v, want only the user message", msgs)
	}
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, completions("x"), "sk-test", false)

	if err := h.ctrl.Send(Outgoing{Text: "   ", Model: "deepseek-chat"}); err != ErrEmptyMessage {
		t.Errorf("empty send = %v, want ErrEmptyMessage", err)
	}
	many := make([]string, 11)
	for i := range many {
		many[i] = fmt.Sprintf("f%d.txt", i)
	}
	if err := h.ctrl.Send(Outgoing{Model: "deepseek-chat", Attachments: many}); err == nil {
		t.Error("expected error for 11 attachments")
	}
	_, _, busy := h.view.snapshot()
	if len(busy) != 0 {
		t.Errorf("rejected sends must not toggle busy: %v", busy)
	}
}

func TestSend_AttachmentsOnlyAndProjectContext(t *testing.T) {
	var got []chat.Message
	var mu sync.Mutex
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []chat.Message `json:"messages"`
		}
		decodeJSON(r, &body)
		mu.Lock()
		got = body.Messages
		mu.Unlock()
		completions("seen")(w, r)
	}, "sk-test", false)

	p, _ := h.store.CreateProject("Docs", "You review documents.")
	h.store.MoveChat(h.chat.ID, p.ID)

	if err := h.ctrl.Send(Outgoing{Model: "deepseek-chat", Attachments: []string{"/tmp/spec.pdf"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.view.waitIdle(t)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("sent messages = %+v", got)
	}
	if got[0].Role != chat.RoleSystem || got[0].Content != "You review documents." {
		t.Errorf("system message = %+v", got[0])
	}
	if got[1].Content != "[📎 Attachment: spec.pdf]" {
		t.Errorf("user message = %q", got[1].Content)
	}

	stored, _ := h.store.ListMessages(h.chat.ID)
	if stored[0].Role != chat.RoleUser || stored[0].Content != "[📎 Attachment: spec.pdf]" {
		t.Errorf("stored = %+v", stored[0])
	}
	c, _ := h.store.GetChat(h.chat.ID)
	if c.Title != "New Chat" {
		t.Errorf("attachment-only send should not retitle, got %q", c.Title)
	}
}

func TestFailureStatus(t *testing.T) {
	cases := []struct {
		err  *chat.Error
		want string
	}{
		{chat.TransportError(fmt.Errorf("dial tcp: connection refused")), "Model not loaded yet"},
		{chat.TransportError(context.DeadlineExceeded), "Network error: request timed out"},
		{chat.UpstreamError(500, []byte(`{"error":{"message":"boom"}}`)), "API error (HTTP 500): boom"},
		{chat.ProtocolError("no choices"), "Invalid response: no choices"},
		{chat.InternalError(fmt.Errorf("bad")), "Unexpected error: bad"},
	}
	for _, tc := range cases {
		if got := FailureStatus(tc.err); got != tc.want {
			t.Errorf("FailureStatus(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestAutoTitle(t *testing.T) {
	cases := map[string]string{
		"2+2?":                                    "2+2?",
		"how do I write a goroutine pool":         "how do I write",
		"internationalization considerations for": "internationalization c...",
		"  spaced   out  ":                        "spaced out",
	}
	for in, want := range cases {
		if got := AutoTitle(in); got != want {
			t.Errorf("AutoTitle(%q) = %q, want %q", in, got, want)
		}
	}
}
