package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatdesk/internal/attach"
	"github.com/kalambet/chatdesk/internal/chat"
	"github.com/kalambet/chatdesk/internal/dispatch"
	"github.com/kalambet/chatdesk/internal/storage"
)

const chatHelp = `Start an interactive chat, or resume one by id.

Type a message and press enter to send it. Sending while a reply is pending
replaces the pending request. Commands:
  /model [name]     show or switch the model
  /models           list known models
  /attach <path>    attach a file to the next message
  /detach <name>    remove an attached file
  /files            list attached files
  /new [title]      start a new chat
  /history          reprint the conversation
  /cancel           cancel the pending request
  /exit             leave`

var chatCmd = &cobra.Command{
	Use:   "chat [chat-id]",
	Short: "Start an interactive chat, or resume one by id",
	Long:  chatHelp,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		projectRef, _ := cmd.Flags().GetString("project")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		var projectID string
		if projectRef != "" {
			p, err := resolveProject(a.store, projectRef)
			if err != nil {
				return err
			}
			projectID = p.ID
		}

		var c storage.Chat
		if len(args) == 1 {
			if c, err = resolveChat(a.store, args[0]); err != nil {
				return err
			}
		} else {
			if model == "" {
				model = cfg.Chat.DefaultModel
			}
			if c, err = a.store.CreateChat(projectID, "", model); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		r := newREPL(a, os.Stdout)
		return r.run(ctx, c, model, os.Stdin)
	},
}

func init() {
	chatCmd.Flags().String("model", "", "model display name (default: chat.default_model)")
	chatCmd.Flags().String("project", "", "project id or name for a new chat")
}

// repl is the interactive chat loop. It owns one controller at a time.
type repl struct {
	app   *app
	view  *terminalView
	ctrl  *dispatch.Controller
	chat  storage.Chat
	model string
	files attach.Set

	ctrlCancel context.CancelFunc
}

func newREPL(a *app, out io.Writer) *repl {
	return &repl{app: a, view: newTerminalView(out)}
}

func (r *repl) open(ctx context.Context, c storage.Chat, model string) {
	if r.ctrl != nil {
		r.ctrl.Close()
		r.ctrlCancel()
	}
	r.chat = c
	r.model = model
	if r.model == "" {
		r.model = c.Model
	}
	if r.model == "" {
		r.model = r.app.cfg.Chat.DefaultModel
	}
	r.files.Clear()
	r.ctrl = dispatch.NewController(dispatch.Config{
		ChatID:        c.ID,
		Store:         r.app.store,
		Builder:       r.app.builder,
		Runner:        r.app.runner,
		View:          r.view,
		Fallback:      r.app.cfg.Fallback.Enabled,
		FallbackDelay: r.app.cfg.Fallback.Delay,
	})
	runCtx, cancel := context.WithCancel(ctx)
	r.ctrlCancel = cancel
	go r.ctrl.Run(runCtx)
}

func (r *repl) close() {
	if r.ctrl != nil {
		r.ctrl.Close()
		r.ctrlCancel()
	}
}

func (r *repl) run(ctx context.Context, c storage.Chat, model string, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.open(ctx, c, model)
	defer r.close()

	r.view.printf("%s\n", colorize(colorBold, fmt.Sprintf("chat %s · %s", shortID(c.ID), r.model)))
	r.view.printf("%s\n", colorize(colorGray, "/help for commands, /exit to leave"))
	if c.MessageCount > 0 {
		r.history()
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			if r.view.Busy() {
				r.ctrl.Cancel()
				continue
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				// Let a pending reply land before leaving on EOF.
				r.view.waitIdle(ctx)
				return <-readErr
			}
			quit, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				printError("%v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.send(line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		r.view.printf("%s\n", chatHelp)
	case "/cancel":
		r.ctrl.Cancel()
	case "/model":
		if arg == "" {
			r.view.printf("model: %s\n", r.model)
			return false, nil
		}
		r.model = arg
		if !r.app.table.Has(arg) {
			printWarning("%s is not in the catalogue; it will be sent to the router as is", arg)
		}
		r.view.printf("model: %s\n", r.model)
	case "/models":
		for _, rt := range r.app.table.Routes() {
			marker := " "
			if rt.Name == r.model {
				marker = "*"
			}
			r.view.printf("%s %-20s %s (%s)\n", marker, rt.Name, rt.BackendID, rt.Shape)
		}
	case "/attach":
		if arg == "" {
			return false, errors.New("usage: /attach <path>")
		}
		info, err := r.files.Add(arg)
		if err != nil {
			return false, err
		}
		desc := info.SizeText()
		if info.Pages > 0 {
			desc = fmt.Sprintf("%s, %d pages", desc, info.Pages)
		}
		if info.Title != "" {
			desc = fmt.Sprintf("%s, %q", desc, info.Title)
		}
		r.view.printf("attached %s (%s)\n", info.Name, desc)
	case "/detach":
		if !r.files.Remove(arg) {
			return false, fmt.Errorf("%s is not attached", arg)
		}
	case "/files":
		if r.files.Len() == 0 {
			r.view.printf("no files attached\n")
		}
		for _, f := range r.files.Items() {
			r.view.printf("  %s  %s\n", f.Name, f.SizeText())
		}
	case "/new":
		c, err := r.app.store.CreateChat(r.chat.ProjectID, arg, r.model)
		if err != nil {
			return false, err
		}
		r.open(ctx, c, r.model)
		r.view.printf("%s\n", colorize(colorBold, fmt.Sprintf("chat %s · %s", shortID(c.ID), r.model)))
	case "/history":
		r.history()
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func (r *repl) send(text string) error {
	err := r.ctrl.Send(dispatch.Outgoing{Text: text, Model: r.model, Attachments: r.files.Paths()})
	if err != nil {
		return err
	}
	r.files.Clear()
	return nil
}

func (r *repl) history() {
	msgs, err := r.app.store.ListMessages(r.chat.ID)
	if err != nil {
		printError("loading history: %v", err)
		return
	}
	for _, m := range msgs {
		label := colorize(colorCyan+colorBold, string(m.Role))
		if m.Role == chat.RoleAssistant {
			label = colorize(colorMagenta+colorBold, string(m.Role))
		}
		r.view.printf("%s\n%s\n\n", label, m.Content)
	}
}
