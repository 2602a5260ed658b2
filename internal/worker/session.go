package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatdesk/internal/chat"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("worker session closed")

const eventBuffer = 16

// Session runs at most one current worker at a time for a chat. Starting a
// new worker supersedes the previous one: its context is canceled and its
// events no longer count as current.
type Session struct {
	runner *Runner
	logger *slog.Logger
	events chan Event

	ctx       context.Context
	cancelAll context.CancelFunc
	group     errgroup.Group

	mu      sync.Mutex
	current Handle
	cancels map[Handle]context.CancelFunc
	closed  bool
}

// NewSession creates a Session that runs requests with runner.
func NewSession(runner *Runner, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		runner:    runner,
		logger:    logger,
		events:    make(chan Event, eventBuffer),
		ctx:       ctx,
		cancelAll: cancel,
		cancels:   make(map[Handle]context.CancelFunc),
	}
}

// Start launches a worker for req and makes it current. The previously
// current worker, if any, is aborted.
func (s *Session) Start(req chat.Request) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	if prev, ok := s.cancels[s.current]; ok {
		s.logger.Debug("superseding worker", "handle", s.current)
		prev()
	}

	h := Handle(uuid.NewString())
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancels[h] = cancel
	s.current = h

	s.group.Go(func() error {
		defer s.forget(h)
		defer cancel()
		s.runner.Run(ctx, req, func(e Event) {
			e.Handle = h
			// A superseded worker stops delivering instead of blocking on a
			// consumer that no longer reads for it.
			select {
			case s.events <- e:
			case <-ctx.Done():
			}
		})
		return nil
	})

	return h, nil
}

// Cancel aborts the worker for h. It is a no-op for unknown or finished
// handles. If h is current the session no longer has a current worker.
func (s *Session) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.cancels[h]; ok {
		cancel()
	}
	if s.current == h {
		s.current = ""
	}
}

// Current returns the current handle, or "" if none.
func (s *Session) Current() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// IsCurrent reports whether h is the current worker.
func (s *Session) IsCurrent(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return h != "" && s.current == h
}

// Events returns the channel all workers report on. It is closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Close aborts every worker, waits for them to exit and closes Events.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.current = ""
	s.mu.Unlock()

	s.cancelAll()
	_ = s.group.Wait()
	close(s.events)
}

func (s *Session) forget(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, h)
}
