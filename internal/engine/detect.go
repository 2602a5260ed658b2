package engine

import (
	"fmt"
	"net/url"

	"github.com/kalambet/chatdesk/internal/ollama"
)

// PullProgress is one progress line of a model download.
type PullProgress = ollama.PullProgress

var _ Engine = (*ollama.Client)(nil)

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect returns the local inference runtime for cfg. Ollama is the only
// runtime supported; the base URL must be an absolute http(s) URL.
func Detect(cfg DetectConfig) (Engine, error) {
	u, err := url.Parse(cfg.OllamaBaseURL)
	if err != nil {
		return nil, fmt.Errorf("local runtime url %q: %w", cfg.OllamaBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("local runtime url %q: want http://host:port", cfg.OllamaBaseURL)
	}
	return ollama.New(cfg.OllamaBaseURL), nil
}
