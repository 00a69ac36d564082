// Package auth stores the FANBOX session cookie in the OS keyring so it
// never has to live in a config file. Environment and config values still
// win when present, for headless machines without a keyring.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	serviceName = "fanboxarchive"
	sessionKey  = "session"
)

// ErrNotFound is returned when no session cookie has been stored.
var ErrNotFound = errors.New("no session stored")

// Store persists the session cookie.
type Store interface {
	GetSession() (string, error)
	SetSession(value string) error
	DeleteSession() error
}

// KeyringStore stores the session in the OS keyring.
type KeyringStore struct{}

// NewKeyringStore returns a keyring-backed store.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

// GetSession retrieves the stored session cookie.
func (s *KeyringStore) GetSession() (string, error) {
	value, err := keyring.Get(serviceName, sessionKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading keyring: %w", err)
	}
	return value, nil
}

// SetSession stores the session cookie. A pasted "FANBOXSESSID=..." pair
// is accepted and reduced to the bare value.
func (s *KeyringStore) SetSession(value string) error {
	value = strings.TrimSpace(value)
	value = strings.TrimSpace(strings.TrimPrefix(value, "FANBOXSESSID="))
	if value == "" {
		return errors.New("empty session value")
	}
	if err := keyring.Set(serviceName, sessionKey, value); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	return nil
}

// DeleteSession removes the stored session cookie.
func (s *KeyringStore) DeleteSession() error {
	err := keyring.Delete(serviceName, sessionKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting from keyring: %w", err)
	}
	return nil
}

// ResolveSession picks the session cookie to use: an explicit value from
// config or environment wins, the keyring is the fallback.
func ResolveSession(configured string, store Store) (string, error) {
	if configured != "" {
		return configured, nil
	}
	value, err := store.GetSession()
	if errors.Is(err, ErrNotFound) {
		return "", errors.New("no session configured: set FANBOXSESSID or run the auth command")
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
