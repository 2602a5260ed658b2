package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/chatdesk/internal/chat"
)

// Transport performs the network call for one request.
type Transport interface {
	Complete(ctx context.Context, req chat.Request) (string, error)
}

// DefaultNotes are the progress notes shown while a request is prepared.
var DefaultNotes = []string{
	"Analyzing your question...",
	"Scanning what I know...",
	"Composing the best answer...",
}

const (
	DefaultCadence = 800 * time.Millisecond
	DefaultTimeout = 120 * time.Second
)

// Options tunes the pacing and bounds of a Runner.
type Options struct {
	// Notes are emitted in order before the call. Nil means DefaultNotes;
	// an empty non-nil slice disables them.
	Notes []string
	// Cadence is the pause after each note. Zero is allowed.
	Cadence time.Duration
	// Timeout bounds the network call. Zero means DefaultTimeout.
	Timeout time.Duration
}

// DefaultOptions returns the standard pacing.
func DefaultOptions() Options {
	return Options{
		Notes:   DefaultNotes,
		Cadence: DefaultCadence,
		Timeout: DefaultTimeout,
	}
}

// Runner executes one request cycle: progress notes, then the call, then
// exactly one terminal event.
type Runner struct {
	transport Transport
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a Runner. A nil logger uses slog.Default().
func NewRunner(transport Transport, opts Options, logger *slog.Logger) *Runner {
	if opts.Notes == nil {
		opts.Notes = DefaultNotes
	}
	if opts.Cadence < 0 {
		opts.Cadence = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		transport: transport,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Run performs req and reports through emit. emit receives zero or more
// progress events followed by exactly one success or failure event; it is
// never called after that. Events carry no Handle; the Session stamps it.
func (r *Runner) Run(ctx context.Context, req chat.Request, emit func(Event)) {
	model := req.DisplayModel
	if model == "" {
		model = req.Model
	}

	for _, note := range r.opts.Notes {
		emit(Event{Kind: EventProgress, Note: note, Model: model})
		if err := sleep(ctx, r.opts.Cadence); err != nil {
			emit(Event{Kind: EventFailure, Model: model, Err: chat.TransportError(err)})
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	start := r.now()
	reply, err := r.call(callCtx, req)
	elapsed := r.now().Sub(start)

	if err != nil {
		ce := chat.AsError(err)
		if ce.Kind != chat.KindTransport && callCtx.Err() != nil {
			ce = chat.TransportError(callCtx.Err())
		}
		r.logger.Debug("request failed",
			"model", model,
			"kind", ce.Kind.String(),
			"elapsed", elapsed,
			"error", ce,
		)
		emit(Event{Kind: EventFailure, Model: model, Elapsed: elapsed, Err: ce})
		return
	}

	r.logger.Debug("request succeeded", "model", model, "elapsed", elapsed, "reply_len", len(reply))
	emit(Event{Kind: EventSuccess, Model: model, Reply: reply, Elapsed: elapsed})
}

// call invokes the transport, turning a panic into an internal error.
func (r *Runner) call(ctx context.Context, req chat.Request) (reply string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("transport panicked", "panic", p)
			reply, err = "", chat.InternalError(fmt.Errorf("transport panic: %v", p))
		}
	}()
	if r.transport == nil {
		return "", chat.InternalError(fmt.Errorf("no transport configured"))
	}
	return r.transport.Complete(ctx, req)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
