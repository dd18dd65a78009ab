package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

const keyringService = "crmsync"

// KeyringStore keeps values in the system keychain.
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a keyring-backed store.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{service: keyringService}
}

func (s *KeyringStore) key(key string) string {
	return Namespace + key
}

// Get reads key from the keychain.
func (s *KeyringStore) Get(key string) ([]byte, error) {
	data, err := keyring.Get(s.service, s.key(key))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keyring get %s: %w", key, err)
	}
	return []byte(data), nil
}

// Set writes key to the keychain.
func (s *KeyringStore) Set(key string, value []byte) error {
	if err := keyring.Set(s.service, s.key(key), string(value)); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

// Delete removes key from the keychain.
func (s *KeyringStore) Delete(key string) error {
	err := keyring.Delete(s.service, s.key(key))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}

// KeyringAvailable tests the system keychain with a throwaway entry.
func KeyringAvailable() bool {
	if os.Getenv("CRMSYNC_NO_KEYRING") != "" {
		return false
	}
	testKey := Namespace + "test"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey) // Best-effort cleanup
	return true
}

// NewCredentialBackend returns the store used for credentials when the
// backend is "auto": the system keychain when available, otherwise the file
// store with a warning.
func NewCredentialBackend(fallback *FileStore) Store {
	if KeyringAvailable() {
		return NewKeyringStore()
	}
	slog.Warn("system keyring unavailable, credentials stored in the shared state dir",
		"path", filepath.Join(fallback.Dir(), "zoho_token_data"))
	return fallback
}
