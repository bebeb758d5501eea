// Package keychain caches the master password in the operating
// system's credential store so repeated unlocks do not have to prompt.
package keychain

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const service = "keywarden"

// ErrNotFound is returned when no cached credential exists.
var ErrNotFound = errors.New("keychain: credential not found")

// Cache stores and retrieves the master password for a database path.
// Implementations must treat the path as the lookup key so multiple
// databases can coexist.
type Cache interface {
	Store(dbPath, password string) error
	Retrieve(dbPath string) (string, error)
	Remove(dbPath string) error
}

// System is a Cache backed by the platform keyring (Keychain on
// macOS, Secret Service on Linux, Credential Manager on Windows).
type System struct{}

func NewSystem() *System { return &System{} }

func (s *System) Store(dbPath, password string) error {
	if err := keyring.Set(service, dbPath, password); err != nil {
		return fmt.Errorf("keychain: failed to store credential: %w", err)
	}
	return nil
}

func (s *System) Retrieve(dbPath string) (string, error) {
	pw, err := keyring.Get(service, dbPath)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("keychain: failed to retrieve credential: %w", err)
	}
	return pw, nil
}

func (s *System) Remove(dbPath string) error {
	if err := keyring.Delete(service, dbPath); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("keychain: failed to remove credential: %w", err)
	}
	return nil
}

// Noop is a Cache that stores nothing. Used when keychain integration
// is disabled.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) Store(dbPath, password string) error    { return nil }
func (n *Noop) Retrieve(dbPath string) (string, error) { return "", ErrNotFound }
func (n *Noop) Remove(dbPath string) error             { return nil }
