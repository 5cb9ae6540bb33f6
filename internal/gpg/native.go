package gpg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"go.uber.org/zap"
)

const (
	// SecretRingFile holds the secret keys, armored or binary.
	SecretRingFile = "secring.asc"
	// PublicRingFile holds the public keyring in binary form.
	PublicRingFile = "pubring.gpg"
)

// PassphraseFunc returns the passphrase protecting the secret key with keyID.
type PassphraseFunc func(keyID string) ([]byte, error)

// Native is an Engine backed by keyring files in a directory.
type Native struct {
	dir        string
	secret     openpgp.EntityList
	passphrase PassphraseFunc
	logger     *zap.Logger
}

// OpenNative loads the secret keyring from dir. The public keyring is read
// and written on every import so concurrent edits by other tools are kept.
func OpenNative(dir string, passphrase PassphraseFunc, logger *zap.Logger) (*Native, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	path := filepath.Join(dir, SecretRingFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret keyring: %w", err)
	}

	secret, err := readKeyRing(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse secret keyring %s: %w", path, err)
	}

	hasPrivate := false
	for _, e := range secret {
		if e.PrivateKey != nil {
			hasPrivate = true
			break
		}
	}
	if !hasPrivate {
		return nil, fmt.Errorf("secret keyring %s contains no private keys", path)
	}

	logger.Debug("Secret keyring loaded", zap.String("path", path), zap.Int("keys", len(secret)))

	return &Native{
		dir:        dir,
		secret:     secret,
		passphrase: passphrase,
		logger:     logger,
	}, nil
}

// readKeyRing accepts armored or binary keyrings.
func readKeyRing(data []byte) (openpgp.EntityList, error) {
	if bytes.Contains(data, []byte("-----BEGIN PGP")) {
		return openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}

// Decrypt decrypts an armored or binary OpenPGP message.
func (n *Native) Decrypt(ctx context.Context, ciphertext []byte) (*bytes.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var r io.Reader = bytes.NewReader(ciphertext)
	if idx := bytes.Index(ciphertext, []byte(beginMessage)); idx >= 0 {
		block, err := armor.Decode(bytes.NewReader(ciphertext[idx:]))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode armor: %w", ErrDecrypt, err)
		}
		r = block.Body
	}

	md, err := openpgp.ReadMessage(r, n.secret, n.prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	if !md.IsEncrypted {
		return nil, fmt.Errorf("%w: message is not encrypted", ErrDecrypt)
	}

	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	return bytes.NewReader(plaintext), nil
}

// prompt unlocks the candidate secret keys. Unlocked keys stay unlocked for
// the rest of the run.
func (n *Native) prompt(keys []openpgp.Key, symmetric bool) ([]byte, error) {
	if symmetric {
		return nil, errors.New("symmetrically encrypted messages are not supported")
	}
	if n.passphrase == nil {
		return nil, errors.New("secret key is locked and no passphrase is available")
	}

	for _, k := range keys {
		if k.PrivateKey == nil || !k.PrivateKey.Encrypted {
			continue
		}
		pass, err := n.passphrase(k.PublicKey.KeyIdString())
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", err)
		}
		if err := k.PrivateKey.Decrypt(pass); err != nil {
			n.logger.Warn("Wrong passphrase", zap.String("key_id", k.PublicKey.KeyIdString()))
			continue
		}
		return nil, nil
	}

	return nil, errors.New("no secret key could be unlocked")
}

// Import merges the keys found in plaintext into the public keyring.
func (n *Native) Import(ctx context.Context, plaintext io.Reader) (ImportResult, error) {
	if err := ctx.Err(); err != nil {
		return ImportResult{}, err
	}

	data, err := io.ReadAll(plaintext)
	if err != nil {
		return ImportResult{}, fmt.Errorf("%w: failed to read plaintext: %w", ErrImport, err)
	}

	keys, err := ReadKeys(data)
	if err != nil {
		return ImportResult{}, fmt.Errorf("%w: %w", ErrImport, err)
	}

	ring, err := n.loadPublic()
	if err != nil {
		return ImportResult{}, fmt.Errorf("%w: %w", ErrImport, err)
	}

	result := mergeInto(&ring, keys)
	if !result.Changed() {
		return result, nil
	}

	if err := n.savePublic(ring); err != nil {
		return ImportResult{}, fmt.Errorf("%w: %w", ErrImport, err)
	}

	return result, nil
}

// Inspect lists the keys in plaintext.
func (n *Native) Inspect(_ context.Context, plaintext io.Reader) ([]KeyInfo, error) {
	return inspect(plaintext)
}

func inspect(plaintext io.Reader) ([]KeyInfo, error) {
	data, err := io.ReadAll(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to read plaintext: %w", err)
	}
	keys, err := ReadKeys(data)
	if err != nil {
		return nil, err
	}
	return Describe(keys), nil
}

// PublicKeys returns the current content of the public keyring.
func (n *Native) PublicKeys() (openpgp.EntityList, error) {
	return n.loadPublic()
}

func (n *Native) loadPublic() (openpgp.EntityList, error) {
	path := filepath.Join(n.dir, PublicRingFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return openpgp.EntityList{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read public keyring: %w", err)
	}
	if len(data) == 0 {
		return openpgp.EntityList{}, nil
	}

	ring, err := readKeyRing(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public keyring %s: %w", path, err)
	}
	return ring, nil
}

// savePublic replaces the public keyring atomically.
func (n *Native) savePublic(ring openpgp.EntityList) error {
	var buf bytes.Buffer
	for _, e := range ring {
		if err := e.Serialize(&buf); err != nil {
			return fmt.Errorf("failed to serialize key %s: %w", fingerprint(e), err)
		}
	}

	tmp, err := os.CreateTemp(n.dir, PublicRingFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary keyring: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temporary keyring: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary keyring: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(n.dir, PublicRingFile)); err != nil {
		return fmt.Errorf("failed to replace public keyring: %w", err)
	}

	return nil
}

var _ Engine = (*Native)(nil)
