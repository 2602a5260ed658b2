//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func apiKeyHint() string {
	return " or " + secretsFilePath()
}

// fileBackend keeps settings in $XDG_CONFIG_HOME/chatdesk/config.json,
// grouped by the section before the first dot:
//
//	{"chat": {"default_model": "deepseek-chat"}, "server": {"port": 4100}}
//
// Hand-edited numbers and booleans are accepted alongside strings.
type fileBackend struct {
	path     string
	sections map[string]map[string]any
}

func newPlatformBackend() Backend {
	b := &fileBackend{path: filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "config.json")}
	if err := readJSONFile(b.path, &b.sections); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		b.sections = nil
	}
	if b.sections == nil {
		b.sections = make(map[string]map[string]any)
	}
	return b
}

func splitKey(key string) (section, name string) {
	section, name, ok := strings.Cut(key, ".")
	if !ok {
		return "", key
	}
	return section, name
}

func (b *fileBackend) Lookup(key string) (string, bool, error) {
	section, name := splitKey(key)
	v, ok := b.sections[section][name]
	if !ok || v == nil {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	default:
		return "", true, fmt.Errorf("%s: expected a string, number or bool, got %T", key, v)
	}
}

func (b *fileBackend) Store(key, value string) error {
	section, name := splitKey(key)
	if b.sections[section] == nil {
		b.sections[section] = make(map[string]any)
	}
	b.sections[section][name] = value
	return writeJSONFile(b.path, b.sections)
}

func (b *fileBackend) Remove(key string) error {
	section, name := splitKey(key)
	if _, ok := b.sections[section][name]; !ok {
		return nil
	}
	delete(b.sections[section], name)
	if len(b.sections[section]) == 0 {
		delete(b.sections, section)
	}
	return writeJSONFile(b.path, b.sections)
}
