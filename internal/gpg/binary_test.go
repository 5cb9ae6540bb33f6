package gpg

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRunner records the last invocation and answers with canned output.
type fakeRunner struct {
	stdout, stderr string
	err            error

	name  string
	args  []string
	stdin []byte
}

func (f *fakeRunner) run(_ context.Context, stdin io.Reader, name string, args ...string) ([]byte, []byte, error) {
	f.name = name
	f.args = args
	f.stdin, _ = io.ReadAll(stdin)
	return []byte(f.stdout), []byte(f.stderr), f.err
}

func newFakeBinary(f *fakeRunner, home string) *Binary {
	return &Binary{path: "/usr/bin/gpg", home: home, run: f.run, logger: zap.NewNop()}
}

const importStatus = `[GNUPG:] KEY_CONSIDERED 0123456789ABCDEF0123456789ABCDEF01234567 0
[GNUPG:] IMPORT_OK 4 0123456789ABCDEF0123456789ABCDEF01234567
[GNUPG:] IMPORT_RES 1 0 0 0 0 0 0 2 0 0 0 0 0 0 0
`

const signedDecryptStatus = `[GNUPG:] ENC_TO 0123456789ABCDEF 1 0
[GNUPG:] DECRYPTION_KEY 0123456789ABCDEF0123456789ABCDEF01234567 0123456789ABCDEF0123456789ABCDEF01234567 u
[GNUPG:] BEGIN_DECRYPTION
[GNUPG:] DECRYPTION_INFO 2 9 0
[GNUPG:] PLAINTEXT 62 1700000000
[GNUPG:] NEWSIG
gpg: Can't check signature: No public key
[GNUPG:] ERRSIG FEDCBA9876543210 1 10 00 1700000000 9 -
[GNUPG:] NO_PUBKEY FEDCBA9876543210
[GNUPG:] DECRYPTION_OKAY
[GNUPG:] GOODMDC
[GNUPG:] END_DECRYPTION
`

func TestParseDecryptStatus(t *testing.T) {
	assert.Equal(t, decryptOK, parseDecryptStatus([]byte(signedDecryptStatus)))
	assert.Equal(t, decryptFailed, parseDecryptStatus([]byte("[GNUPG:] DECRYPTION_OKAY\n[GNUPG:] DECRYPTION_FAILED\n")))
	assert.Equal(t, decryptUnknown, parseDecryptStatus([]byte("gpg: some warning\n")))
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "gpg: Can't check signature: No public key", lastLine([]byte(signedDecryptStatus)))
	assert.Empty(t, lastLine(nil))
}

func TestParseImportStatus(t *testing.T) {
	t.Run("reads counters and fingerprints", func(t *testing.T) {
		result, ok := parseImportStatus([]byte(importStatus))
		require.True(t, ok)

		assert.Equal(t, 1, result.Considered)
		assert.Equal(t, 0, result.Imported)
		assert.Equal(t, 2, result.NewSignatures)
		assert.Equal(t, []string{"0123456789ABCDEF0123456789ABCDEF01234567"}, result.Fingerprints)
		assert.True(t, result.Changed())
	})

	t.Run("reads a fresh import", func(t *testing.T) {
		result, ok := parseImportStatus([]byte("[GNUPG:] IMPORT_RES 2 0 1 0 1 0 0 0\n"))
		require.True(t, ok)
		assert.Equal(t, 2, result.Considered)
		assert.Equal(t, 1, result.Imported)
		assert.Equal(t, 1, result.Unchanged)
	})

	t.Run("reports a missing summary", func(t *testing.T) {
		_, ok := parseImportStatus([]byte("gpg: no valid OpenPGP data found.\n"))
		assert.False(t, ok)
	})
}

func TestBinary_Import(t *testing.T) {
	ctx := context.Background()

	t.Run("feeds the plaintext to gpg --import", func(t *testing.T) {
		f := &fakeRunner{stdout: importStatus}
		b := newFakeBinary(f, "/tmp/gnupg")

		result, err := b.Import(ctx, strings.NewReader("KEY DATA"))
		require.NoError(t, err)

		assert.Equal(t, 2, result.NewSignatures)
		assert.Equal(t, "/usr/bin/gpg", f.name)
		assert.Equal(t, []string{"--no-tty", "--homedir", "/tmp/gnupg", "--batch", "--status-fd", "1", "--import"}, f.args)
		assert.Equal(t, []byte("KEY DATA"), f.stdin)
	})

	t.Run("fails when gpg found no keys", func(t *testing.T) {
		f := &fakeRunner{
			stdout: "[GNUPG:] IMPORT_RES 0 0 0 0 0 0 0 0 0 0 0 0 0 0\n",
			stderr: "gpg: no valid OpenPGP data found.\n",
			err:    errors.New("exit status 2"),
		}
		b := newFakeBinary(f, "")

		_, err := b.Import(ctx, strings.NewReader("junk"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrImport)
		assert.ErrorIs(t, err, ErrNoKeyMaterial)
		assert.Contains(t, err.Error(), "no valid OpenPGP data")
	})

	t.Run("trusts the status line over the exit code", func(t *testing.T) {
		f := &fakeRunner{stdout: importStatus, err: errors.New("exit status 2")}
		b := newFakeBinary(f, "")

		result, err := b.Import(ctx, strings.NewReader("KEY"))
		require.NoError(t, err)
		assert.Equal(t, 1, result.Considered)
	})
}

func TestBinary_Decrypt(t *testing.T) {
	ctx := context.Background()

	t.Run("returns stdout as plaintext", func(t *testing.T) {
		f := &fakeRunner{stdout: "plain key"}
		b := newFakeBinary(f, "")

		plaintext, err := b.Decrypt(ctx, []byte("CIPHER"))
		require.NoError(t, err)

		var buf bytes.Buffer
		_, err = buf.ReadFrom(plaintext)
		require.NoError(t, err)
		assert.Equal(t, "plain key", buf.String())
		assert.Equal(t, []string{"--no-tty", "--quiet", "--status-fd", "2", "--decrypt"}, f.args)
		assert.Equal(t, []byte("CIPHER"), f.stdin)
	})

	t.Run("keeps the plaintext when only the signature cannot be checked", func(t *testing.T) {
		f := &fakeRunner{
			stdout: "plain key",
			stderr: signedDecryptStatus,
			err:    errors.New("exit status 2"),
		}
		b := newFakeBinary(f, "")

		plaintext, err := b.Decrypt(ctx, []byte("CIPHER"))
		require.NoError(t, err)

		data, err := io.ReadAll(plaintext)
		require.NoError(t, err)
		assert.Equal(t, "plain key", string(data))
	})

	t.Run("fails on DECRYPTION_FAILED even with output", func(t *testing.T) {
		f := &fakeRunner{
			stdout: "partial",
			stderr: "[GNUPG:] BEGIN_DECRYPTION\n[GNUPG:] DECRYPTION_FAILED\ngpg: decryption failed: Bad session key\n[GNUPG:] END_DECRYPTION\n",
		}
		b := newFakeBinary(f, "")

		_, err := b.Decrypt(ctx, []byte("CIPHER"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDecrypt)
		assert.Contains(t, err.Error(), "Bad session key")
	})

	t.Run("fails on NODATA", func(t *testing.T) {
		f := &fakeRunner{stderr: "[GNUPG:] NODATA 1\ngpg: no valid OpenPGP data found.\n", err: errors.New("exit status 2")}
		b := newFakeBinary(f, "")

		_, err := b.Decrypt(ctx, []byte("junk"))
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("wraps failures in ErrDecrypt", func(t *testing.T) {
		f := &fakeRunner{stderr: "gpg: decryption failed: No secret key\n", err: errors.New("exit status 2")}
		b := newFakeBinary(f, "")

		_, err := b.Decrypt(ctx, []byte("CIPHER"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDecrypt)
		assert.Contains(t, err.Error(), "No secret key")
	})
}

func TestNewBinary(t *testing.T) {
	_, err := NewBinary("/nonexistent/gpg-for-tests", "", nil)
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("GPG")
	require.NoError(t, err)
	assert.Equal(t, KindBinary, kind)

	kind, err = ParseKind("native")
	require.NoError(t, err)
	assert.Equal(t, KindNative, kind)

	_, err = ParseKind("pgp")
	assert.Error(t, err)
}
