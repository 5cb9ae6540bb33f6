// Package gpg holds the decryption and key-management engines that turn an
// encrypted attachment into keys in a local keyring.
package gpg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrDecrypt is returned when a ciphertext cannot be decrypted.
	ErrDecrypt = errors.New("decryption failed")
	// ErrNoKeyMaterial is returned when a plaintext holds no public key.
	ErrNoKeyMaterial = errors.New("no public key material found")
	// ErrImport is returned when key material is rejected by the keyring.
	ErrImport = errors.New("import failed")
)

// Kind selects an Engine implementation.
type Kind string

const (
	// KindBinary drives the local gpg program and its keyring.
	KindBinary Kind = "gpg"
	// KindNative uses keyring files managed in-process.
	KindNative Kind = "native"
)

// ParseKind validates an engine name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindBinary, KindNative:
		return k, nil
	default:
		return "", fmt.Errorf("unknown engine %q (want gpg or native)", s)
	}
}

// Engine decrypts attachments and imports key material. One Engine is
// created per run and used sequentially; implementations are not safe for
// concurrent use.
type Engine interface {
	// Decrypt returns the plaintext of ciphertext positioned at its start.
	// Errors wrap ErrDecrypt.
	Decrypt(ctx context.Context, ciphertext []byte) (*bytes.Reader, error)

	// Import adds the key material found in plaintext to the keyring.
	// Errors wrap ErrImport.
	Import(ctx context.Context, plaintext io.Reader) (ImportResult, error)

	// Inspect lists the keys found in plaintext without importing them.
	Inspect(ctx context.Context, plaintext io.Reader) ([]KeyInfo, error)
}

// KeyInfo describes a public key found in a plaintext.
type KeyInfo struct {
	Fingerprint string
	KeyID       string
	UserIDs     []string
}

// ImportResult summarises one Import call.
type ImportResult struct {
	// Considered is the number of keys found in the plaintext.
	Considered int
	// Imported is the number of keys that were not in the keyring before.
	Imported int
	// Unchanged is the number of keys that added nothing new.
	Unchanged     int
	NewUserIDs    int
	NewSubkeys    int
	NewSignatures int
	Fingerprints  []string
}

// Changed reports whether the keyring was modified.
func (r ImportResult) Changed() bool {
	return r.Imported > 0 || r.NewUserIDs > 0 || r.NewSubkeys > 0 || r.NewSignatures > 0
}
