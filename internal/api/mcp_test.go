package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/chatdesk/internal/chat"
	"github.com/kalambet/chatdesk/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return MCPDeps{Store: store}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func seedChat(t *testing.T, store *storage.Store, title string, msgs ...string) storage.Chat {
	t.Helper()
	c, err := store.CreateChat("", title, "deepseek-chat")
	if err != nil {
		t.Fatalf("creating chat: %v", err)
	}
	for i, m := range msgs {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		if _, err := store.AppendMessage(c.ID, role, m, time.Now()); err != nil {
			t.Fatalf("appending message: %v", err)
		}
	}
	return c
}

type stubAsker struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubAsker) Ask(_ context.Context, chatID, text, model string) (AskResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	s.mu.Unlock()
	if chatID == "" {
		chatID = "new-chat"
	}
	return AskResult{ChatID: chatID, Reply: "answer to " + text, Status: "Reply received"}, nil
}

// --- tests ---

func TestMCPTool_ListChats(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedChat(t, store, "Go generics", "how do constraints work?")
	seedChat(t, store, "Dinner", "pasta or rice?")

	result, err := mcpListChats(deps)(context.Background(), makeCallToolRequest("list_chats", map[string]interface{}{
		"query": "constraints",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var chats []storage.Chat
	if err := json.Unmarshal([]byte(toolText(t, result)), &chats); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(chats) != 1 || chats[0].Title != "Go generics" {
		t.Errorf("chats = %+v", chats)
	}
}

func TestMCPTool_ListChats_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, _ := mcpListChats(deps)(context.Background(), makeCallToolRequest("list_chats", nil))
	if got := toolText(t, result); got != "[]" {
		t.Errorf("result = %q, want []", got)
	}
}

func TestMCPTool_ChatHistory(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	c := seedChat(t, store, "Q", "one", "two", "three")

	result, err := mcpChatHistory(deps)(context.Background(), makeCallToolRequest("chat_history", map[string]interface{}{
		"chat_id": c.ID,
		"limit":   2,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var tr storage.Transcript
	if err := json.Unmarshal([]byte(toolText(t, result)), &tr); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if len(tr.Messages) != 2 || tr.Messages[0].Content != "two" || tr.Messages[1].Content != "three" {
		t.Errorf("messages = %+v", tr.Messages)
	}
}

func TestMCPTool_ChatHistory_Errors(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpChatHistory(deps)

	if result, _ := handler(context.Background(), makeCallToolRequest("chat_history", nil)); !result.IsError {
		t.Error("missing chat_id should be a tool error")
	}
	result, _ := handler(context.Background(), makeCallToolRequest("chat_history", map[string]interface{}{"chat_id": "nope"}))
	if !result.IsError {
		t.Error("unknown chat should be a tool error")
	}
}

func TestMCPTool_Ask(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	asker := &stubAsker{}
	deps.Asker = asker

	result, err := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"text": "why is the sky blue?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res AskResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if res.ChatID != "new-chat" || res.Reply != "answer to why is the sky blue?" {
		t.Errorf("result = %+v", res)
	}
}

func TestMCPTool_Ask_NoAsker(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, _ := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{"text": "hi"}))
	if !result.IsError {
		t.Error("expected tool error without an asker")
	}
}

func TestMCPTool_Ask_ThroughServer(t *testing.T) {
	s, _ := newTestServer(t, newTestDeps(t, transportFunc(echo)))
	deps := MCPDeps{Store: s.deps.Store, Asker: s}

	result, err := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{"text": "hi"}))
	if err != nil || result.IsError {
		t.Fatalf("ask failed: %v %s", err, toolText(t, result))
	}
	var res AskResult
	json.Unmarshal([]byte(toolText(t, result)), &res)
	if res.Reply != "echo: hi" {
		t.Errorf("reply = %q", res.Reply)
	}

	msgs, err := s.deps.Store.ListMessages(res.ChatID)
	if err != nil || len(msgs) != 2 {
		t.Errorf("stored messages = %+v, %v", msgs, err)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	deps.Asker = &stubAsker{}
	c := seedChat(t, store, "Shared", "hello")

	listHandler := mcpListChats(deps)
	historyHandler := mcpChatHistory(deps)
	askHandler := mcpAsk(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			if _, err := listHandler(context.Background(), makeCallToolRequest("list_chats", nil)); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := historyHandler(context.Background(), makeCallToolRequest("chat_history", map[string]interface{}{"chat_id": c.ID})); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := askHandler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{"text": "q"})); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'é'
	}
	seedChat(t, store, "Long", string(long))

	contents, err := mcpResourceRecent(deps)(context.Background(), makeReadResourceRequest("chat://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var summaries []struct {
		Title    string `json:"title"`
		Messages int    `json:"messages"`
		Last     string `json:"last"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &summaries); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 chat, got %d", len(summaries))
	}
	if summaries[0].Messages != 1 {
		t.Errorf("messages = %d", summaries[0].Messages)
	}
	if got := []rune(summaries[0].Last); len(got) != previewRunes+3 {
		t.Errorf("preview length = %d, want %d", len(got), previewRunes+3)
	}
}

func TestMCPResource_Exchanges(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	c := seedChat(t, store, "X")
	if _, err := store.SaveExchange(storage.Exchange{ChatID: c.ID, Model: "gemma-2b", Status: storage.ExchangeSimulated}); err != nil {
		t.Fatal(err)
	}

	contents, err := mcpResourceExchanges(deps)(context.Background(), makeReadResourceRequest("chat://exchanges"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ex []storage.Exchange
	json.Unmarshal([]byte(contents[0].(mcp.TextResourceContents).Text), &ex)
	if len(ex) != 1 || ex[0].Status != storage.ExchangeSimulated {
		t.Errorf("exchanges = %+v", ex)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
