package testutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/emersion/go-message"
)

// SignedKeySubject is the subject of the messages built by SignedKeyMessage.
const SignedKeySubject = "Your signed PGP key"

// NewKeyPair generates an unprotected key pair for tests.
func NewKeyPair(name, email string) (*openpgp.Entity, error) {
	e, err := openpgp.NewEntity(name, "", email, &packet.Config{RSABits: 2048})
	if err != nil {
		return nil, fmt.Errorf("failed to generate key for %s: %w", email, err)
	}
	return e, nil
}

// IdentityName returns the user ID of an entity with a single identity.
func IdentityName(e *openpgp.Entity) string {
	for name := range e.Identities {
		return name
	}
	return ""
}

// Certify adds a certification by signer on every user ID of e, as a key
// signing party participant would.
func Certify(e, signer *openpgp.Entity) error {
	for name := range e.Identities {
		if err := e.SignIdentity(name, signer, nil); err != nil {
			return fmt.Errorf("failed to certify %q: %w", name, err)
		}
	}
	return nil
}

// ArmoredPublicKey returns the armored public key of e with all its
// certifications.
func ArmoredPublicKey(e *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, err
	}
	if err := e.Serialize(w); err != nil {
		return nil, fmt.Errorf("failed to serialize public key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ArmoredPrivateKey returns the armored secret key of e.
func ArmoredPrivateKey(e *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	if err != nil {
		return nil, err
	}
	if err := e.SerializePrivate(w, nil); err != nil {
		return nil, fmt.Errorf("failed to serialize private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encrypt encrypts plaintext to recipient and armors the result.
func Encrypt(recipient *openpgp.Entity, plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, err
	}

	pw, err := openpgp.Encrypt(aw, []*openpgp.Entity{recipient}, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start encryption: %w", err)
	}
	if _, err := pw.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// WriteSecretKeyring stores the secret key of e where the native engine
// looks for it.
func WriteSecretKeyring(dir string, e *openpgp.Entity) error {
	key, err := ArmoredPrivateKey(e)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create keyring dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "secring.asc"), key, 0o600)
}

// KeyMailBody returns the inner message a signer sends: a short text and the
// certified public key as an application/pgp-keys attachment.
func KeyMailBody(key *openpgp.Entity) ([]byte, error) {
	armored, err := ArmoredPublicKey(key)
	if err != nil {
		return nil, err
	}

	var h message.Header
	h.SetContentType("multipart/mixed", nil)

	var buf bytes.Buffer
	mw, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create inner message: %w", err)
	}

	var textHeader message.Header
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := writePart(mw, textHeader, []byte("Attached is your signed key.\r\n")); err != nil {
		return nil, err
	}

	var keyHeader message.Header
	keyHeader.SetContentType("application/pgp-keys", map[string]string{"name": "signed.asc"})
	keyHeader.Set("Content-Disposition", `attachment; filename="signed.asc"`)
	if err := writePart(mw, keyHeader, armored); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// SignedKeyMessage builds the PGP/MIME message a key signer sends back: the
// certified public key of recipient, encrypted to recipient. The encrypted
// payload is the second part and has type application/octet-stream.
func SignedKeyMessage(recipient *openpgp.Entity, from, to, messageID string) ([]byte, error) {
	inner, err := KeyMailBody(recipient)
	if err != nil {
		return nil, err
	}

	ciphertext, err := Encrypt(recipient, inner)
	if err != nil {
		return nil, err
	}

	return EncryptedMessage(ciphertext, from, to, messageID)
}

// EncryptedMessage wraps ciphertext in a multipart/encrypted message.
func EncryptedMessage(ciphertext []byte, from, to, messageID string) ([]byte, error) {
	var h message.Header
	h.Set("Message-ID", messageID)
	h.Set("Date", time.Now().Format(time.RFC1123Z))
	h.Set("From", from)
	h.Set("To", to)
	h.Set("Subject", SignedKeySubject)
	h.Set("MIME-Version", "1.0")
	h.SetContentType("multipart/encrypted", map[string]string{"protocol": "application/pgp-encrypted"})

	var buf bytes.Buffer
	mw, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	var controlHeader message.Header
	controlHeader.SetContentType("application/pgp-encrypted", nil)
	if err := writePart(mw, controlHeader, []byte("Version: 1\r\n")); err != nil {
		return nil, err
	}

	var dataHeader message.Header
	dataHeader.SetContentType("application/octet-stream", map[string]string{"name": "encrypted.asc"})
	dataHeader.Set("Content-Disposition", `inline; filename="encrypted.asc"`)
	if err := writePart(mw, dataHeader, ciphertext); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writePart(mw *message.Writer, h message.Header, body []byte) error {
	w, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create part: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("failed to write part: %w", err)
	}
	return w.Close()
}
