package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/chatdesk/internal/attach"
	"github.com/kalambet/chatdesk/internal/chat"
	"github.com/kalambet/chatdesk/internal/routing"
	"github.com/kalambet/chatdesk/internal/storage"
	"github.com/kalambet/chatdesk/internal/worker"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoModel      = errors.New("no model selected")
)

const (
	DefaultFallbackDelay = 1500 * time.Millisecond

	defaultChatTitle = "New Chat"
	titleWords       = 4
	titleMaxLen      = 25
	titleCutLen      = 22
)

// SimulatedReply is the placeholder shown when the real call cannot be made
// or has failed.
func SimulatedReply(model string) string {
	return fmt.Sprintf("(Sim) %s reply is not ready. The model has not loaded yet.", model)
}

// Outgoing is one user send action.
type Outgoing struct {
	Text        string
	Model       string
	Attachments []string
}

// Config wires a Controller.
type Config struct {
	ChatID  string
	Store   Store
	Builder *routing.Builder
	Runner  *worker.Runner
	View    View
	// Fallback enables the simulated reply after a failed or impossible call.
	Fallback      bool
	FallbackDelay time.Duration
	Logger        *slog.Logger
}

// cycle is one request cycle, from send to the single re-enable.
type cycle struct {
	id     uint64
	handle worker.Handle
	req    chat.Request
	timer  *time.Timer
}

// Controller drives one chat: it turns send actions into worker runs and
// worker events into view updates and persisted messages.
type Controller struct {
	chatID        string
	store         Store
	builder       *routing.Builder
	session       *worker.Session
	view          View
	fallback      bool
	fallbackDelay time.Duration
	logger        *slog.Logger

	sims      chan uint64
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	seq   uint64
	cycle *cycle
}

// NewController creates a Controller. Run must be called for events to be
// processed.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("chat_id", cfg.ChatID)
	view := cfg.View
	if view == nil {
		view = NopView{}
	}
	delay := cfg.FallbackDelay
	if delay < 0 {
		delay = 0
	}
	return &Controller{
		chatID:        cfg.ChatID,
		store:         cfg.Store,
		builder:       cfg.Builder,
		session:       worker.NewSession(cfg.Runner, logger),
		view:          view,
		fallback:      cfg.Fallback,
		fallbackDelay: delay,
		logger:        logger,
		sims:          make(chan uint64),
		done:          make(chan struct{}),
	}
}

// ChatID returns the chat this controller drives.
func (c *Controller) ChatID() string { return c.chatID }

// Busy reports whether a request cycle is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycle != nil
}

// Send persists the user message and starts a request cycle for it. A
// cycle already in flight is superseded.
func (c *Controller) Send(out Outgoing) error {
	text := strings.TrimSpace(out.Text)
	if text == "" && len(out.Attachments) == 0 {
		return ErrEmptyMessage
	}
	if len(out.Attachments) > attach.MaxFiles {
		return attach.ErrTooMany
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return worker.ErrClosed
	default:
	}

	ch, err := c.store.GetChat(c.chatID)
	if err != nil {
		return fmt.Errorf("loading chat: %w", err)
	}
	model := out.Model
	if model == "" {
		model = ch.Model
	}
	if model == "" {
		return ErrNoModel
	}

	stored, err := c.store.ListMessages(c.chatID)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	// The new user message is always its own entry; for attachment-only
	// sends the builder fills it with the markers.
	history := append(storage.History(stored), chat.Message{Role: chat.RoleUser, Content: text, Timestamp: time.Now()})

	req := c.builder.Build(routing.Input{History: history, Model: model, Attachments: out.Attachments})
	userMsg := req.History[len(req.History)-1]
	if sys, ok := c.projectContext(ch); ok {
		req.History = append([]chat.Message{sys}, req.History...)
	}

	if c.cycle != nil {
		c.supersede()
	}

	saved, err := c.store.AppendMessage(c.chatID, chat.RoleUser, userMsg.Content, userMsg.Timestamp)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	c.view.AppendMessage(chat.Message{Role: saved.Role, Content: saved.Content, Timestamp: saved.Timestamp})

	if len(stored) == 0 && text != "" && (ch.Title == "" || ch.Title == defaultChatTitle) {
		if err := c.store.RenameChat(c.chatID, AutoTitle(text)); err != nil {
			c.logger.Warn("auto-title failed", "error", err)
		}
	}
	if model != ch.Model {
		if err := c.store.SetChatModel(c.chatID, model); err != nil {
			c.logger.Warn("saving chat model failed", "error", err)
		}
	}

	c.seq++
	cyc := &cycle{id: c.seq, req: req}
	c.cycle = cyc
	c.view.SetBusy(true)

	if c.builder.MissingCredentials(model) {
		c.logger.Info("no api key configured, scheduling simulated reply", "model", model)
		c.view.ShowStatus(fmt.Sprintf("No API key configured for %s", model))
		c.scheduleSimulated(cyc)
		return nil
	}

	h, err := c.session.Start(req)
	if err != nil {
		c.finish()
		return fmt.Errorf("starting worker: %w", err)
	}
	cyc.handle = h
	c.logger.Debug("request started", "handle", h, "model", model, "backend", req.Model)
	c.view.ShowStatus(fmt.Sprintf("Sending to %s...", model))
	return nil
}

// projectContext returns the chat's project notes as a system message.
func (c *Controller) projectContext(ch storage.Chat) (chat.Message, bool) {
	if ch.ProjectID == "" {
		return chat.Message{}, false
	}
	p, err := c.store.GetProject(ch.ProjectID)
	if err != nil {
		c.logger.Warn("loading project context failed", "project_id", ch.ProjectID, "error", err)
		return chat.Message{}, false
	}
	if strings.TrimSpace(p.Context) == "" {
		return chat.Message{}, false
	}
	return chat.Message{Role: chat.RoleSystem, Content: p.Context}, true
}

// Cancel aborts the cycle in flight, if any.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycle == nil {
		return
	}
	c.abort("Request canceled")
}

// supersede ends the current cycle so a new one can start. Caller holds mu.
func (c *Controller) supersede() {
	c.logger.Debug("superseding request", "handle", c.cycle.handle)
	c.abort("Previous request superseded")
}

// abort cancels the current cycle's worker or pending simulated reply and
// ends the cycle. Caller holds mu.
func (c *Controller) abort(status string) {
	cyc := c.cycle
	if cyc.handle != "" {
		c.session.Cancel(cyc.handle)
	}
	if cyc.timer != nil {
		cyc.timer.Stop()
	}
	c.record(cyc, storage.ExchangeCanceled, nil, 0)
	c.view.ShowStatus(status)
	c.finish()
}

// finish ends the current cycle and re-enables input. Caller holds mu.
func (c *Controller) finish() {
	c.cycle = nil
	c.view.SetBusy(false)
}

func (c *Controller) scheduleSimulated(cyc *cycle) {
	id := cyc.id
	cyc.timer = time.AfterFunc(c.fallbackDelay, func() {
		select {
		case c.sims <- id:
		case <-c.done:
		}
	})
}

// Run consumes worker events until ctx is done or the controller is closed.
func (c *Controller) Run(ctx context.Context) error {
	events := c.session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			c.handleEvent(e)
		case id := <-c.sims:
			c.handleSimulated(id)
		}
	}
}

func (c *Controller) handleEvent(e worker.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cyc := c.cycle
	if cyc == nil || cyc.handle != e.Handle || !c.session.IsCurrent(e.Handle) {
		c.logger.Debug("discarding stale event", "handle", e.Handle, "kind", e.Kind.String())
		return
	}

	switch e.Kind {
	case worker.EventProgress:
		c.view.ShowStatus(e.Note)

	case worker.EventSuccess:
		if !c.appendAssistant(e.Reply) {
			c.record(cyc, storage.ExchangeFailure, chat.InternalError(errors.New("saving reply failed")), e.Elapsed)
			c.view.ShowStatus("Reply received but could not be saved")
			c.finish()
			return
		}
		c.record(cyc, storage.ExchangeSuccess, nil, e.Elapsed)
		c.view.ShowStatus(fmt.Sprintf("Reply received (%s, %.1fs)", e.Model, e.Elapsed.Seconds()))
		c.finish()

	case worker.EventFailure:
		c.logger.Warn("request failed", "handle", e.Handle, "model", e.Model, "kind", e.Err.Kind.String(), "error", e.Err)
		c.record(cyc, storage.ExchangeFailure, e.Err, e.Elapsed)
		c.view.ShowStatus(FailureStatus(e.Err))
		if c.fallback && !e.Err.Canceled() {
			// Later events for this handle are ignored; the cycle now waits
			// for the simulated reply.
			cyc.handle = ""
			c.scheduleSimulated(cyc)
			return
		}
		c.finish()
	}
}

func (c *Controller) handleSimulated(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cyc := c.cycle
	if cyc == nil || cyc.id != id {
		return
	}
	c.appendAssistant(SimulatedReply(cyc.req.DisplayModel))
	c.record(cyc, storage.ExchangeSimulated, nil, 0)
	c.finish()
}

// appendAssistant persists and shows a reply. Caller holds mu.
func (c *Controller) appendAssistant(text string) bool {
	saved, err := c.store.AppendMessage(c.chatID, chat.RoleAssistant, text, time.Time{})
	if err != nil {
		c.logger.Error("saving assistant message failed", "error", err)
		return false
	}
	c.view.AppendMessage(chat.Message{Role: saved.Role, Content: saved.Content, Timestamp: saved.Timestamp})
	return true
}

// record writes the exchange log entry for cyc. Failures to record are logged only.
func (c *Controller) record(cyc *cycle, status string, cerr *chat.Error, elapsed time.Duration) {
	ex := storage.Exchange{
		ChatID:    c.chatID,
		Model:     cyc.req.DisplayModel,
		BackendID: cyc.req.Model,
		Endpoint:  cyc.req.Endpoint,
		Status:    status,
		ElapsedMS: elapsed.Milliseconds(),
	}
	if cerr != nil {
		ex.ErrorKind = cerr.Kind.String()
		ex.ErrorMessage = cerr.Error()
	}
	if _, err := c.store.SaveExchange(ex); err != nil {
		c.logger.Warn("recording exchange failed", "error", err)
	}
}

// Close aborts the cycle in flight, stops all workers and ends Run.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.cycle != nil {
		c.abort("Chat closed")
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	c.session.Close()
}

// FailureStatus is the status line shown for a failed request.
func FailureStatus(err *chat.Error) string {
	if err == nil {
		return "Unexpected error"
	}
	if err.ColdStart() {
		return "Model not loaded yet"
	}
	switch err.Kind {
	case chat.KindTransport:
		return "Network error: " + err.Message
	case chat.KindUpstream:
		return fmt.Sprintf("API error (HTTP %d): %s", err.Status, err.Message)
	case chat.KindProtocol:
		return "Invalid response: " + err.Message
	default:
		return "Unexpected error: " + err.Message
	}
}

// AutoTitle derives a chat title from the first message: its first four
// words, shortened to 22 characters plus "..." when longer than 25.
func AutoTitle(text string) string {
	words := strings.Fields(text)
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	title := strings.Join(words, " ")
	if r := []rune(title); len(r) > titleMaxLen {
		title = string(r[:titleCutLen]) + "..."
	}
	if title == "" {
		return defaultChatTitle
	}
	return title
}
