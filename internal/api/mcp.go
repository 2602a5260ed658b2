package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/chatdesk/internal/storage"
)

const (
	recentChatsLimit     = 10
	recentExchangesLimit = 20
	previewRunes         = 200
)

// Asker runs a full request cycle and waits for the reply.
type Asker interface {
	Ask(ctx context.Context, chatID, text, model string) (AskResult, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
	Asker Asker // optional; if nil, ask returns an error
}

// NewMCPServer creates an MCP server exposing chat history and the ask tool.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"chatdesk",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chatdesk keeps local chat histories with hosted and local models."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_chats",
			mcp.WithDescription("List recent chats, optionally filtered by a search query or project."),
			mcp.WithString("query", mcp.Description("Match chat titles and message text")),
			mcp.WithString("project_id", mcp.Description("Only chats in this project")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of chats (default 20)")),
		),
		mcpListChats(deps),
	)

	s.AddTool(
		mcp.NewTool("chat_history",
			mcp.WithDescription("Return the messages of one chat in order."),
			mcp.WithString("chat_id", mcp.Description("Chat id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Only the last N messages")),
		),
		mcpChatHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Send a message to a chat and wait for the model's reply."),
			mcp.WithString("text", mcp.Description("Message text"), mcp.Required()),
			mcp.WithString("chat_id", mcp.Description("Existing chat id; a new chat is created when omitted")),
			mcp.WithString("model", mcp.Description("Model display name; defaults to the chat's model")),
		),
		mcpAsk(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chat://recent",
			"Recent Chats",
			mcp.WithResourceDescription("Last 10 chats with a preview of their latest message"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chat://exchanges",
			"Recent Exchanges",
			mcp.WithResourceDescription("Last 20 request cycles with model, outcome and elapsed time"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceExchanges(deps),
	)

	return s
}

func mcpListChats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		chats, err := deps.Store.ListChats(storage.ChatFilter{
			ProjectID: req.GetString("project_id", ""),
			Query:     req.GetString("query", ""),
			Limit:     limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("listing chats failed: %v", err)), nil
		}
		if chats == nil {
			chats = []storage.Chat{}
		}
		return mcpJSON(chats)
	}
}

func mcpChatHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chatID, err := req.RequireString("chat_id")
		if err != nil {
			return mcpError("chat_id is required"), nil
		}

		t, err := deps.Store.Transcript(chatID)
		if err != nil {
			return mcpError(fmt.Sprintf("loading chat %s: %v", chatID, err)), nil
		}
		if limit := req.GetInt("limit", 0); limit > 0 && len(t.Messages) > limit {
			t.Messages = t.Messages[len(t.Messages)-limit:]
		}
		return mcpJSON(t)
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Asker == nil {
			return mcpError("ask is not available in this mode"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		res, err := deps.Asker.Ask(ctx, req.GetString("chat_id", ""), text, req.GetString("model", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		chats, err := deps.Store.ListChats(storage.ChatFilter{Limit: recentChatsLimit})
		if err != nil {
			return nil, fmt.Errorf("failed to list chats: %w", err)
		}

		type chatSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Model     string `json:"model,omitempty"`
			UpdatedAt string `json:"updated_at"`
			Messages  int    `json:"messages"`
			Last      string `json:"last,omitempty"`
		}

		summaries := make([]chatSummary, len(chats))
		for i, c := range chats {
			summaries[i] = chatSummary{
				ID:        c.ID,
				Title:     c.Title,
				Model:     c.Model,
				UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
				Messages:  c.MessageCount,
			}
			msgs, err := deps.Store.ListMessages(c.ID)
			if err != nil || len(msgs) == 0 {
				continue
			}
			summaries[i].Last = preview(msgs[len(msgs)-1].Content)
		}

		return jsonResource(req.Params.URI, summaries)
	}
}

func mcpResourceExchanges(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ex, err := deps.Store.ListExchanges("", recentExchangesLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list exchanges: %w", err)
		}
		if ex == nil {
			ex = []storage.Exchange{}
		}
		return jsonResource(req.Params.URI, ex)
	}
}

func preview(s string) string {
	if utf8.RuneCountInString(s) > previewRunes {
		return string([]rune(s)[:previewRunes]) + "..."
	}
	return s
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
