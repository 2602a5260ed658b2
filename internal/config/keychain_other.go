//go:build !darwin

package config

import (
	"fmt"
	"path/filepath"
)

// Without a system keychain, secrets live in a private JSON file keyed by
// service and account.

func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "secrets.json")
}

func keychainGet(service, account string) ([]byte, error) {
	var secrets map[string]map[string]string
	if err := readJSONFile(secretsFilePath(), &secrets); err != nil {
		return nil, err
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret stored for %s/%s", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	var secrets map[string]map[string]string
	if err := readJSONFile(p, &secrets); err != nil {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value
	return writeJSONFile(p, secrets)
}
