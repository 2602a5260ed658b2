package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/chatdesk/internal/config"
	"github.com/kalambet/chatdesk/internal/engine"
	"github.com/kalambet/chatdesk/internal/proxy"
	"github.com/kalambet/chatdesk/internal/routing"
	"github.com/kalambet/chatdesk/internal/storage"
	"github.com/kalambet/chatdesk/internal/worker"
)

// app is the wired runtime shared by the chat REPL and the server.
type app struct {
	cfg     config.Config
	store   *storage.Store
	table   *routing.Table
	builder *routing.Builder
	remote  *proxy.Client
	local   engine.Engine
	runner  *worker.Runner
}

// loadConfig reads configuration and installs logging.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

// newRoutingTable builds the built-in catalogue plus configured custom models.
func newRoutingTable(cfg config.Config) *routing.Table {
	table := routing.DefaultTable(cfg.Ollama.BaseURL, cfg.Proxy.BaseURL)
	for _, m := range cfg.Chat.CustomModelList() {
		if !table.Has(m) {
			table.AddRemote(m, "")
		}
	}
	return table
}

func newApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	local, err := engine.Detect(engine.DetectConfig{OllamaBaseURL: cfg.Ollama.BaseURL})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("detecting local engine: %w", err)
	}

	if cfg.Proxy.OpenRouterAPIKey == "" {
		slog.Warn("no OpenRouter API key configured; hosted models will get simulated replies", "hint", config.APIKeyHint())
	}

	table := newRoutingTable(cfg)
	remote := proxy.NewClientWithBaseURL(cfg.Proxy.OpenRouterAPIKey, cfg.Proxy.BaseURL)
	runner := worker.NewRunner(engine.NewRouter(remote, local), worker.Options{
		Cadence: cfg.Worker.ThinkingDelay,
		Timeout: cfg.Worker.RequestTimeout,
	}, slog.Default())

	return &app{
		cfg:   cfg,
		store: store,
		table: table,
		builder: routing.NewBuilder(table, cfg.Proxy.OpenRouterAPIKey,
			routing.WithSampling(cfg.Chat.Temperature, cfg.Chat.MaxTokens)),
		remote: remote,
		local:  local,
		runner: runner,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// resolveChat finds a chat by full id or unique id prefix.
func resolveChat(store *storage.Store, ref string) (storage.Chat, error) {
	if c, err := store.GetChat(ref); err == nil {
		return c, nil
	}
	chats, err := store.ListChats(storage.ChatFilter{})
	if err != nil {
		return storage.Chat{}, err
	}
	var matches []storage.Chat
	for _, c := range chats {
		if strings.HasPrefix(c.ID, ref) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return storage.Chat{}, fmt.Errorf("chat %q: %w", ref, storage.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return storage.Chat{}, fmt.Errorf("chat id prefix %q is ambiguous (%d matches)", ref, len(matches))
	}
}

// resolveProject finds a project by id, id prefix or exact name.
func resolveProject(store *storage.Store, ref string) (storage.Project, error) {
	if p, err := store.GetProject(ref); err == nil {
		return p, nil
	}
	projects, err := store.ListProjects()
	if err != nil {
		return storage.Project{}, err
	}
	var matches []storage.Project
	for _, p := range projects {
		if strings.HasPrefix(p.ID, ref) || strings.EqualFold(p.Name, ref) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return storage.Project{}, fmt.Errorf("project %q: %w", ref, storage.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return storage.Project{}, fmt.Errorf("project %q is ambiguous (%d matches)", ref, len(matches))
	}
}
