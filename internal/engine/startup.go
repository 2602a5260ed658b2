package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/kalambet/chatdesk/internal/chat"
)

const warmUpTimeout = 60 * time.Second

// EnsureReady checks that the Engine is reachable and that every model in
// models is available, pulling missing ones with progress written to w.
// Each model then gets a trivial generate call so the first real request
// does not pay the cold-load penalty. Warm-up failures are reported but
// not returned.
func EnsureReady(ctx context.Context, e Engine, models []string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running; start it with: ollama serve")
	}

	for _, model := range models {
		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := e.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	for _, model := range models {
		fmt.Fprintf(w, "model %s: warming up...\n", model)
		warmCtx, cancel := context.WithTimeout(ctx, warmUpTimeout)
		_, err := e.Complete(warmCtx, chat.Request{
			History: []chat.Message{{Role: chat.RoleUser, Content: "ping"}},
			Model:   model,
			Shape:   chat.ShapeGenerate,
		})
		cancel()
		if err != nil {
			fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
		} else {
			fmt.Fprintf(w, "model %s: warm\n", model)
		}
	}

	return nil
}
