package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Ollama   OllamaConfig
	Proxy    ProxyConfig
	Chat     ChatConfig
	Worker   WorkerConfig
	Fallback FallbackConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type OllamaConfig struct {
	BaseURL string
}

type ProxyConfig struct {
	BaseURL          string
	OpenRouterAPIKey string
}

type ChatConfig struct {
	DefaultModel string
	// CustomModels is a comma-separated list of extra router model ids.
	CustomModels string
	Temperature  float64
	MaxTokens    int
}

// CustomModelList splits CustomModels, dropping blanks and duplicates.
func (c ChatConfig) CustomModelList() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range strings.Split(c.CustomModels, ",") {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

type WorkerConfig struct {
	ThinkingDelay  time.Duration
	RequestTimeout time.Duration
}

type FallbackConfig struct {
	Enabled bool
	Delay   time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

const (
	keychainService    = "chatdesk"
	keychainAPIKey     = "openrouter_api_key"
	keychainTokenEntry = "server_token"

	envFileVar = "CHATDESK_ENV_FILE"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Proxy: ProxyConfig{
			BaseURL: "https://openrouter.ai/api/v1",
		},
		Chat: ChatConfig{
			DefaultModel: "deepseek-chat",
			Temperature:  0.7,
			MaxTokens:    2048,
		},
		Worker: WorkerConfig{
			ThinkingDelay:  800 * time.Millisecond,
			RequestTimeout: 120 * time.Second,
		},
		Fallback: FallbackConfig{
			Enabled: true,
			Delay:   1500 * time.Millisecond,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.chatdesk.app) and
// secrets fall back to the Keychain. Elsewhere the backend is a JSON file at
// $XDG_CONFIG_HOME/chatdesk/config.json and secrets fall back to
// $XDG_DATA_HOME/chatdesk/secrets.json.
//
// Environment variables (CHATDESK_*) override backend values on all
// platforms. They may also come from a dotenv file: $CHATDESK_ENV_FILE, or
// ./.env when present; variables already set in the process win. A missing OpenRouter key is not an error: local models and
// simulated replies still work.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}
	return loadWith(newPlatformBackend(), keychainReader{})
}

// loadEnvFile exports the variables of the dotenv file, if any, into the
// process environment. An explicitly named file must exist.
func loadEnvFile() error {
	path := os.Getenv(envFileVar)
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b Backend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Proxy.OpenRouterAPIKey == "" {
		if key, err := kc.Get(keychainService, keychainAPIKey); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}
	if cfg.Server.Token == "" {
		if tok, err := kc.Get(keychainService, keychainTokenEntry); err == nil && tok != "" {
			cfg.Server.Token = tok
		}
	}

	return cfg, nil
}

// APIKeyHint tells the user where the OpenRouter key can be configured.
func APIKeyHint() string {
	return "set CHATDESK_OPENROUTER_API_KEY or run: chatdesk config set-secret proxy.openrouter_api_key" + apiKeyHint()
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
