package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // secret store account for secret keys
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CHATDESK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "CHATDESK_SERVER_TOKEN",
		secret: true, account: keychainTokenEntry,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CHATDESK_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "proxy.base_url", typ: kString, env: "CHATDESK_PROXY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.BaseURL },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "CHATDESK_OPENROUTER_API_KEY",
		secret: true, account: keychainAPIKey,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "chat.default_model", typ: kString, env: "CHATDESK_CHAT_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Chat.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.DefaultModel },
	},
	{
		key: "chat.custom_models", typ: kString, env: "CHATDESK_CHAT_CUSTOM_MODELS",
		apply:   func(cfg *Config, v any) { cfg.Chat.CustomModels = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.CustomModels },
	},
	{
		key: "chat.temperature", typ: kFloat, env: "CHATDESK_CHAT_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Chat.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chat.Temperature },
	},
	{
		key: "chat.max_tokens", typ: kInt, env: "CHATDESK_CHAT_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.MaxTokens },
	},
	{
		key: "worker.thinking_delay", typ: kDuration, env: "CHATDESK_WORKER_THINKING_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Worker.ThinkingDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.ThinkingDelay },
	},
	{
		key: "worker.request_timeout", typ: kDuration, env: "CHATDESK_WORKER_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Worker.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.RequestTimeout },
	},
	{
		key: "fallback.enabled", typ: kBool, env: "CHATDESK_FALLBACK_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Fallback.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Fallback.Enabled },
	},
	{
		key: "fallback.delay", typ: kDuration, env: "CHATDESK_FALLBACK_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Fallback.Delay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Fallback.Delay },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CHATDESK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CHATDESK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text to the Go value for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative duration %s", raw)
		}
		return d, nil
	default:
		return raw, nil
	}
}

// formatValue renders a parsed value in the canonical text form stored by
// backends.
func formatValue(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Duration:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

// applyBackend reads every non-secret key from b. A backend that cannot be
// read is an error; a value that does not parse keeps its default.
func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		if v, err := parseValue(s.typ, raw); err == nil {
			s.apply(cfg, v)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
		}
	}
}
