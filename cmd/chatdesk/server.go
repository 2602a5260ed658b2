package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/chatdesk/internal/api"
	"github.com/kalambet/chatdesk/internal/config"
	"github.com/kalambet/chatdesk/internal/engine"
	"github.com/kalambet/chatdesk/internal/ollama"
	"github.com/kalambet/chatdesk/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local HTTP bridge (foreground)",
	Long: `Run the local HTTP bridge on 127.0.0.1. Other clients can list and edit
chats, send messages and follow replies as server-sent events.

With --mcp the chat history and the ask tool are also exposed over MCP on
stdin/stdout. With --warm the local models in the catalogue are pulled and
loaded before the server starts accepting requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		warm, _ := cmd.Flags().GetBool("warm")
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(warm, withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("warm", false, "pull and preload local catalogue models first")
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "chatdesk.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func runServer(warm, withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	if warm {
		if err := engine.EnsureReady(ctx, a.local, a.table.LocalBackendIDs(), os.Stderr); err != nil {
			return err
		}
	}

	bridge := api.NewServer(ctx, api.Deps{
		Store:         a.store,
		Builder:       a.builder,
		Runner:        a.runner,
		Remote:        a.remote,
		DefaultModel:  cfg.Chat.DefaultModel,
		Fallback:      cfg.Fallback.Enabled,
		FallbackDelay: cfg.Fallback.Delay,
		Token:         cfg.Server.Token,
		Logger:        slog.Default(),
	})
	defer bridge.Close()

	if cfg.Server.Token == "" {
		slog.Warn("no server token configured; the HTTP bridge accepts unauthenticated requests")
	}

	if withMCP {
		stdio := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{Store: a.store, Asker: bridge}))
		go func() {
			if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           bridge.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Event streams never finish on their own; Shutdown gives up on them
	// after the timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, runtime and credential status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	local := ollama.New(cfg.Ollama.BaseURL)
	if local.IsRunning(ctx) {
		models, _ := local.ListModels(ctx)
		printStatus("Local runtime", "running at %s (%d models)", cfg.Ollama.BaseURL, len(models))
	} else {
		printStatus("Local runtime", "not running at %s", cfg.Ollama.BaseURL)
	}

	if cfg.Proxy.OpenRouterAPIKey != "" {
		printStatus("Router key", "set")
	} else {
		printStatus("Router key", "unset, hosted models get simulated replies (%s)", config.APIKeyHint())
	}
	printStatus("Default model", "%s", cfg.Chat.DefaultModel)

	if err := withStore(func(store *storage.Store) error {
		chats, err := store.ListChats(storage.ChatFilter{})
		if err != nil {
			return err
		}
		projects, err := store.ListProjects()
		if err != nil {
			return err
		}
		printStatus("Chats", "%d in %d projects", len(chats), len(projects))
		return nil
	}); err != nil {
		printStatus("Chats", "unavailable (%v)", err)
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
