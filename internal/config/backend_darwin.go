//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "com.chatdesk.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatdesk-data"
	}
	return filepath.Join(home, "Library", "Application Support", "chatdesk")
}

func apiKeyHint() string {
	return fmt.Sprintf(" or the login keychain (service %s, account %s)", keychainService, keychainAPIKey)
}

// defaultsBackend stores settings in the user defaults domain, always as
// strings.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return defaultsBackend{domain: defaultsDomain}
}

// missing reports whether err is the exit status `defaults` uses for an
// absent key.
func missing(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func (b defaultsBackend) Lookup(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if missing(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, text)
	}
	return text, true, nil
}

func (b defaultsBackend) Store(key, value string) error {
	if out, err := exec.Command("defaults", "write", b.domain, key, "-string", value).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b defaultsBackend) Remove(key string) error {
	err := exec.Command("defaults", "delete", b.domain, key).Run()
	if err != nil && !missing(err) {
		return fmt.Errorf("defaults delete %s: %w", key, err)
	}
	return nil
}
