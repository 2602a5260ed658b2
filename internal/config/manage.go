package config

import "fmt"

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secret values are reported only as set or unset.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		value := formatValue(s.extract(cfg))
		if s.secret {
			if value == "" {
				value = "(unset)"
			} else {
				value = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  value,
		})
	}
	return result
}

// SetKey writes a config key to the platform backend.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

func setKeyWith(b Backend, key, value string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use set-secret or environment variable %s", key, s.env)
	}
	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", s.typ, key, err)
	}
	return b.Store(key, formatValue(v))
}

// SetSecret stores a secret key in the platform secret store.
func SetSecret(key, value string) error {
	s, ok := lookup(key)
	if !ok || !s.secret {
		return fmt.Errorf("%q is not a secret key", key)
	}
	return keychainSet(keychainService, s.account, value)
}

// UnsetKey removes a key from the platform backend so its default applies.
func UnsetKey(key string) error {
	s, ok := lookup(key)
	if !ok || s.secret {
		return fmt.Errorf("unknown config key: %q", key)
	}
	return newPlatformBackend().Remove(key)
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// SecretKeys returns the names of keys kept in the secret store.
func SecretKeys() []string {
	var keys []string
	for _, s := range specs {
		if s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
