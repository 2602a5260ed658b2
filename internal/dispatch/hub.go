package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrHubClosed is returned by Get after Close.
var ErrHubClosed = errors.New("dispatch hub closed")

// Factory builds the controller for a chat.
type Factory func(chatID string) (*Controller, error)

// Hub owns one Controller per chat, created on first use, and runs their
// event loops.
type Hub struct {
	factory Factory
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu          sync.Mutex
	controllers map[string]*Controller
	closed      bool
}

// NewHub creates a Hub whose controller loops stop when ctx is done or
// Close is called.
func NewHub(ctx context.Context, factory Factory, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Hub{
		factory:     factory,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		controllers: make(map[string]*Controller),
	}
}

// Get returns the controller for chatID, creating and starting it if needed.
func (h *Hub) Get(chatID string) (*Controller, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if c, ok := h.controllers[chatID]; ok {
		return c, nil
	}

	c, err := h.factory(chatID)
	if err != nil {
		return nil, err
	}
	h.controllers[chatID] = c
	h.group.Go(func() error {
		return c.Run(h.ctx)
	})
	h.logger.Debug("controller started", "chat_id", chatID)
	return c, nil
}

// Lookup returns the controller for chatID without creating one.
func (h *Hub) Lookup(chatID string) (*Controller, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.controllers[chatID]
	return c, ok
}

// Remove closes and forgets the controller for chatID, if any.
func (h *Hub) Remove(chatID string) {
	h.mu.Lock()
	c, ok := h.controllers[chatID]
	delete(h.controllers, chatID)
	h.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Close shuts every controller down and waits for their loops to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	controllers := make([]*Controller, 0, len(h.controllers))
	for _, c := range h.controllers {
		controllers = append(controllers, c)
	}
	h.controllers = nil
	h.mu.Unlock()

	for _, c := range controllers {
		c.Close()
	}
	h.cancel()
	return h.group.Wait()
}
