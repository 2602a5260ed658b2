package engine

import (
	"context"

	"github.com/kalambet/chatdesk/internal/chat"
)

// Completer performs one non-streaming completion. Implementations return
// failures as *chat.Error.
type Completer interface {
	Complete(ctx context.Context, req chat.Request) (string, error)
}

// Engine abstracts a local inference runtime. The router sends local-shape
// requests to it and startup uses the rest to make sure models are loaded.
type Engine interface {
	Completer

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
