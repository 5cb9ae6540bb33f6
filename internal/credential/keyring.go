package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
)

const serviceName = "gpg-sign-import"

// ErrNotFound is returned when no secret is stored for an account.
var ErrNotFound = errors.New("credential not found")

// Store keeps IMAP secrets in the operating system keyring.
type Store struct {
	ring keyring.Keyring
}

// OpenStore opens the system keyring. The encrypted file backend is the
// last resort and asks for its own password on the terminal.
func OpenStore() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.KWalletBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  defaultFileDir(),
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

// NewStore wraps an opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func defaultFileDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, serviceName, "credentials")
	}
	return "~/.config/" + serviceName + "/credentials"
}

// Account builds the key a secret is stored under.
func Account(user, host string) string {
	return user + "@" + host
}

// Get retrieves the secret stored for account.
func (s *Store) Get(account string) (string, error) {
	item, err := s.ring.Get(account)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", account, err)
	}

	return string(item.Data), nil
}

// Set stores the secret for account.
func (s *Store) Set(account, secret string) error {
	err := s.ring.Set(keyring.Item{
		Key:         account,
		Data:        []byte(secret),
		Label:       serviceName + " " + account,
		Description: "IMAP password",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", account, err)
	}

	return nil
}

// Delete removes the secret for account. A missing entry is not an error.
func (s *Store) Delete(account string) error {
	err := s.ring.Remove(account)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", account, err)
	}

	return nil
}
