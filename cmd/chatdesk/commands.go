package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/chatdesk/internal/config"
	"github.com/kalambet/chatdesk/internal/ollama"
	"github.com/kalambet/chatdesk/internal/proxy"
	"github.com/kalambet/chatdesk/internal/storage"
)

// withStore opens the configured store for the duration of fn.
var withStore = func(fn func(store *storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	return fn(store)
}

// --- chats ---

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List and manage saved chats",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("search")
		projectRef, _ := cmd.Flags().GetString("project")
		ungrouped, _ := cmd.Flags().GetBool("ungrouped")
		limit, _ := cmd.Flags().GetInt("limit")

		return withStore(func(store *storage.Store) error {
			f := storage.ChatFilter{Query: query, Ungrouped: ungrouped, Limit: limit}
			if projectRef != "" {
				p, err := resolveProject(store, projectRef)
				if err != nil {
					return err
				}
				f.ProjectID = p.ID
			}
			chats, err := store.ListChats(f)
			if err != nil {
				return err
			}
			printChats(os.Stdout, chats)
			return nil
		})
	},
}

func printChats(w io.Writer, chats []storage.Chat) {
	if len(chats) == 0 {
		fmt.Fprintln(w, "No chats found.")
		return
	}
	for _, c := range chats {
		fmt.Fprintf(w, "%s  %s  %-30s %3d msgs  %s\n",
			colorize(colorCyan, shortID(c.ID)),
			c.UpdatedAt.Local().Format("2006-01-02 15:04"),
			truncate(c.Title, 30),
			c.MessageCount,
			colorize(colorGray, c.Model),
		)
	}
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Print a chat transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showExchanges, _ := cmd.Flags().GetBool("exchanges")
		return withStore(func(store *storage.Store) error {
			c, err := resolveChat(store, args[0])
			if err != nil {
				return err
			}
			t, err := store.Transcript(c.ID)
			if err != nil {
				return err
			}
			printTranscript(os.Stdout, t)
			if !showExchanges {
				return nil
			}
			ex, err := store.ListExchanges(c.ID, 0)
			if err != nil {
				return err
			}
			printExchanges(os.Stdout, ex)
			return nil
		})
	},
}

func printTranscript(w io.Writer, t storage.Transcript) {
	fmt.Fprintf(w, "%s  %s\n", colorize(colorBold, t.Chat.Title), colorize(colorGray, t.Chat.Model))
	for _, m := range t.Messages {
		fmt.Fprintf(w, "\n%s %s\n%s\n",
			colorize(colorBold, string(m.Role)),
			colorize(colorGray, m.Timestamp.Local().Format("15:04:05")),
			m.Content,
		)
	}
}

func printExchanges(w io.Writer, ex []storage.Exchange) {
	fmt.Fprintf(w, "\n%s\n", colorize(colorBold, "Exchanges"))
	if len(ex) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	for _, e := range ex {
		line := fmt.Sprintf("  %s  %-10s %-16s %6dms", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Status, e.Model, e.ElapsedMS)
		if e.ErrorKind != "" {
			line += fmt.Sprintf("  %s: %s", e.ErrorKind, truncate(e.ErrorMessage, 60))
		}
		fmt.Fprintln(w, line)
	}
}

var chatsRenameCmd = &cobra.Command{
	Use:   "rename <chat-id> <title>",
	Short: "Rename a chat",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.Join(args[1:], " ")
		return withStore(func(store *storage.Store) error {
			c, err := resolveChat(store, args[0])
			if err != nil {
				return err
			}
			if err := store.RenameChat(c.ID, title); err != nil {
				return err
			}
			printSuccess("Renamed %s to %q", shortID(c.ID), title)
			return nil
		})
	},
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			c, err := resolveChat(store, args[0])
			if err != nil {
				return err
			}
			if err := store.DeleteChat(c.ID); err != nil {
				return err
			}
			printSuccess("Deleted %q", c.Title)
			return nil
		})
	},
}

var chatsMoveCmd = &cobra.Command{
	Use:   "move <chat-id> [project]",
	Short: "Move a chat into a project, or out of any project when omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			c, err := resolveChat(store, args[0])
			if err != nil {
				return err
			}
			var projectID, name string
			if len(args) == 2 {
				p, err := resolveProject(store, args[1])
				if err != nil {
					return err
				}
				projectID, name = p.ID, p.Name
			}
			if err := store.MoveChat(c.ID, projectID); err != nil {
				return err
			}
			if projectID == "" {
				printSuccess("Moved %q out of its project", c.Title)
			} else {
				printSuccess("Moved %q to %s", c.Title, name)
			}
			return nil
		})
	},
}

var chatsExportCmd = &cobra.Command{
	Use:   "export [chat-id]",
	Short: "Export one chat, or every chat as a stream of documents",
	Long: `Export one chat, or every chat when no id is given. JSON output writes one
transcript per line; YAML output writes one document per transcript.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		format, _ := cmd.Flags().GetString("format")
		if format != "json" && format != "yaml" {
			return fmt.Errorf("unknown format %q (want json or yaml)", format)
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		err := withStore(func(store *storage.Store) error {
			if len(args) == 1 {
				c, err := resolveChat(store, args[0])
				if err != nil {
					return err
				}
				return exportChats(w, store, []string{c.ID}, format)
			}
			chats, err := store.ListChats(storage.ChatFilter{})
			if err != nil {
				return err
			}
			ids := make([]string, len(chats))
			for i, c := range chats {
				ids[i] = c.ID
			}
			return exportChats(w, store, ids, format)
		})
		if err == nil && output != "" {
			printSuccess("Exported to %s", output)
		}
		return err
	},
}

// transcriptEncoder writes one transcript per call.
type transcriptEncoder interface {
	Encode(v any) error
}

// exportChats writes the transcripts of ids in order. A single JSON
// transcript is indented; several are written one per line.
func exportChats(w io.Writer, store *storage.Store, ids []string, format string) error {
	var enc transcriptEncoder
	switch format {
	case "yaml":
		ye := yaml.NewEncoder(w)
		ye.SetIndent(2)
		defer ye.Close()
		enc = ye
	default:
		je := json.NewEncoder(w)
		if len(ids) == 1 {
			je.SetIndent("", "  ")
		}
		enc = je
	}
	for _, id := range ids {
		t, err := store.Transcript(id)
		if err != nil {
			return err
		}
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("encoding chat %s: %w", shortID(id), err)
		}
	}
	return nil
}

func init() {
	chatsListCmd.Flags().String("search", "", "match titles and message text")
	chatsListCmd.Flags().String("project", "", "only chats in this project (id or name)")
	chatsListCmd.Flags().Bool("ungrouped", false, "only chats without a project")
	chatsListCmd.Flags().Int("limit", 50, "maximum number of chats")
	chatsShowCmd.Flags().Bool("exchanges", false, "also list request outcomes")
	chatsExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	chatsExportCmd.Flags().String("format", "json", "json or yaml")

	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsShowCmd)
	chatsCmd.AddCommand(chatsRenameCmd)
	chatsCmd.AddCommand(chatsDeleteCmd)
	chatsCmd.AddCommand(chatsMoveCmd)
	chatsCmd.AddCommand(chatsExportCmd)
}

// --- projects ---

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Group chats into projects with shared context",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			projects, err := store.ListProjects()
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("No projects found.")
				return nil
			}
			for _, p := range projects {
				chats, err := store.ListChats(storage.ChatFilter{ProjectID: p.ID})
				if err != nil {
					return err
				}
				fmt.Printf("%s  %-24s %3d chats  %s\n",
					colorize(colorCyan, shortID(p.ID)), truncate(p.Name, 24), len(chats),
					colorize(colorGray, truncate(strings.ReplaceAll(p.Context, "\n", " "), 40)))
			}
			return nil
		})
	},
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("context")
		name := strings.Join(args, " ")
		return withStore(func(store *storage.Store) error {
			p, err := store.CreateProject(name, notes)
			if err != nil {
				return err
			}
			printSuccess("Created project %s (%s)", p.Name, shortID(p.ID))
			return nil
		})
	},
}

var projectsContextCmd = &cobra.Command{
	Use:   "context <project> [text]",
	Short: "Show or replace a project's context notes",
	Long: `Show or replace a project's context notes. The notes are sent as a system
message with every request in the project's chats. Pass "-" to read the
notes from stdin.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			p, err := resolveProject(store, args[0])
			if err != nil {
				return err
			}
			if len(args) == 1 {
				fmt.Println(p.Context)
				return nil
			}
			text := args[1]
			if text == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				text = string(data)
			}
			if err := store.SetProjectContext(p.ID, text); err != nil {
				return err
			}
			printSuccess("Updated context for %s", p.Name)
			return nil
		})
	},
}

var projectsRenameCmd = &cobra.Command{
	Use:   "rename <project> <name>",
	Short: "Rename a project",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.Join(args[1:], " ")
		return withStore(func(store *storage.Store) error {
			p, err := resolveProject(store, args[0])
			if err != nil {
				return err
			}
			if err := store.RenameProject(p.ID, name); err != nil {
				return err
			}
			printSuccess("Renamed %s to %s", p.Name, name)
			return nil
		})
	},
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete <project>",
	Short: "Delete a project; its chats become ungrouped",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *storage.Store) error {
			p, err := resolveProject(store, args[0])
			if err != nil {
				return err
			}
			if err := store.DeleteProject(p.ID); err != nil {
				return err
			}
			printSuccess("Deleted project %s", p.Name)
			return nil
		})
	},
}

func init() {
	projectsCreateCmd.Flags().String("context", "", "context notes sent with every request")

	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsCreateCmd)
	projectsCmd.AddCommand(projectsContextCmd)
	projectsCmd.AddCommand(projectsRenameCmd)
	projectsCmd.AddCommand(projectsDeleteCmd)
}

// --- models ---

// modelSources are the two catalogues models lists side by side.
type modelSources struct {
	Remote interface {
		ListModels(ctx context.Context) ([]proxy.Model, error)
	}
	Local interface {
		ListModels(ctx context.Context) ([]string, error)
	}
}

type modelReport struct {
	Remote    []proxy.Model
	RemoteErr error
	Local     []string
	LocalErr  error
}

// fetchModels queries both catalogues in parallel. Failures are reported
// per source rather than aborting the other.
func fetchModels(ctx context.Context, src modelSources) modelReport {
	var rep modelReport
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rep.Remote, rep.RemoteErr = src.Remote.ListModels(ctx)
		return nil
	})
	g.Go(func() error {
		rep.Local, rep.LocalErr = src.Local.ListModels(ctx)
		return nil
	})
	g.Wait()
	sort.Slice(rep.Remote, func(i, j int) bool { return rep.Remote[i].ID < rep.Remote[j].ID })
	sort.Strings(rep.Local)
	return rep
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the model catalogue and what the router and local runtime offer",
	RunE: func(cmd *cobra.Command, args []string) error {
		showRemote, _ := cmd.Flags().GetBool("remote")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		table := newRoutingTable(cfg)
		fmt.Println(colorize(colorBold, "Catalogue"))
		for _, rt := range table.Routes() {
			marker := " "
			if rt.Name == cfg.Chat.DefaultModel {
				marker = "*"
			}
			fmt.Printf(" %s %-20s %-32s %s\n", marker, rt.Name, rt.BackendID, colorize(colorGray, rt.Shape.String()))
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		rep := fetchModels(ctx, modelSources{
			Remote: proxy.NewClientWithBaseURL(cfg.Proxy.OpenRouterAPIKey, cfg.Proxy.BaseURL),
			Local:  ollama.New(cfg.Ollama.BaseURL),
		})

		fmt.Println()
		fmt.Println(colorize(colorBold, "Local runtime"))
		if rep.LocalErr != nil {
			printWarning("local runtime unavailable: %v", rep.LocalErr)
		}
		for _, m := range rep.Local {
			fmt.Printf("   %s\n", m)
		}

		fmt.Println()
		if rep.RemoteErr != nil {
			printWarning("router model list unavailable: %v", rep.RemoteErr)
			return nil
		}
		fmt.Printf("%s %d models\n", colorize(colorBold, "Router"), len(rep.Remote))
		if showRemote {
			for _, m := range rep.Remote {
				fmt.Printf("   %-48s %s\n", m.ID, colorize(colorGray, m.Name))
			}
		}
		return nil
	},
}

func init() {
	modelsCmd.Flags().Bool("remote", false, "list every router model")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorGray, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> [value]",
	Short: "Store a secret (API key, server token) in the platform secret store",
	Long: `Store a secret in the platform secret store. When value is omitted it is
read from stdin so it does not end up in shell history.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := ""
		if len(args) == 2 {
			value = args[1]
		} else {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			value = strings.TrimSpace(string(data))
		}
		if value == "" {
			return fmt.Errorf("empty value (secret keys: %s)", strings.Join(config.SecretKeys(), ", "))
		}
		if err := config.SetSecret(args[0], value); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
