package engine

import (
	"context"
	"fmt"

	"github.com/kalambet/chatdesk/internal/chat"
)

// Router dispatches a request to the backend serving its shape: the hosted
// router for chat-completions, the local engine for everything else.
type Router struct {
	remote Completer
	local  Completer
}

// NewRouter creates a Router. Either backend may be nil; requests for a
// missing backend fail with an internal error.
func NewRouter(remote, local Completer) *Router {
	return &Router{remote: remote, local: local}
}

// Complete implements Completer.
func (r *Router) Complete(ctx context.Context, req chat.Request) (string, error) {
	backend := r.remote
	if req.Shape.Local() {
		backend = r.local
	}
	if backend == nil {
		return "", chat.InternalError(fmt.Errorf("no backend configured for %s requests", req.Shape))
	}
	return backend.Complete(ctx, req)
}
