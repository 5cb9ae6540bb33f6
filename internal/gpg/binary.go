package gpg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultBinary is the gpg program looked up on PATH.
const DefaultBinary = "gpg"

const statusPrefix = "[GNUPG:]"

// commandRunner runs name with args, feeding stdin, and returns both outputs.
type commandRunner func(ctx context.Context, stdin io.Reader, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Binary is an Engine that drives the local gpg program, so keys end up in
// the operator's GnuPG keyring and secret keys are unlocked by gpg-agent.
type Binary struct {
	path   string
	home   string
	run    commandRunner
	logger *zap.Logger
}

// NewBinary locates the gpg program. home overrides GNUPGHOME when set.
func NewBinary(path, home string, logger *zap.Logger) (*Binary, error) {
	if path == "" {
		path = DefaultBinary
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to find gpg program %q: %w", path, err)
	}

	return &Binary{
		path:   resolved,
		home:   home,
		run:    execRunner,
		logger: logger,
	}, nil
}

func (b *Binary) args(args ...string) []string {
	base := []string{"--no-tty"}
	if b.home != "" {
		base = append(base, "--homedir", b.home)
	}
	return append(base, args...)
}

// Decrypt runs gpg --decrypt with ciphertext on stdin. Status lines go to
// stderr next to the diagnostics; DECRYPTION_OKAY decides success, so a
// signature gpg cannot verify does not discard the plaintext.
func (b *Binary) Decrypt(ctx context.Context, ciphertext []byte) (*bytes.Reader, error) {
	stdout, stderr, runErr := b.run(ctx, bytes.NewReader(ciphertext), b.path, b.args("--quiet", "--status-fd", "2", "--decrypt")...)

	switch status := parseDecryptStatus(stderr); {
	case status == decryptFailed:
		return nil, fmt.Errorf("%w: %s", ErrDecrypt, lastLine(stderr))
	case status == decryptOK:
		if runErr != nil {
			b.logger.Debug("gpg decrypt exited with error", zap.Error(runErr), zap.String("stderr", lastLine(stderr)))
		}
	case runErr != nil:
		return nil, fmt.Errorf("%w: %s: %w", ErrDecrypt, lastLine(stderr), runErr)
	}

	return bytes.NewReader(stdout), nil
}

type decryptStatus int

const (
	decryptUnknown decryptStatus = iota
	decryptOK
	decryptFailed
)

// parseDecryptStatus reads the decryption outcome from gpg status lines.
// A failure line wins over DECRYPTION_OKAY.
func parseDecryptStatus(out []byte) decryptStatus {
	status := decryptUnknown

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != statusPrefix {
			continue
		}

		switch fields[1] {
		case "DECRYPTION_FAILED", "NODATA":
			return decryptFailed
		case "DECRYPTION_OKAY":
			status = decryptOK
		}
	}

	return status
}

// Import runs gpg --import and reads the outcome from its status lines.
func (b *Binary) Import(ctx context.Context, plaintext io.Reader) (ImportResult, error) {
	stdout, stderr, runErr := b.run(ctx, plaintext, b.path, b.args("--batch", "--status-fd", "1", "--import")...)

	result, found := parseImportStatus(stdout)
	if !found || result.Considered == 0 {
		if runErr != nil {
			return ImportResult{}, fmt.Errorf("%w: %w: %s", ErrImport, ErrNoKeyMaterial, lastLine(stderr))
		}
		return ImportResult{}, fmt.Errorf("%w: %w", ErrImport, ErrNoKeyMaterial)
	}

	// gpg exits non-zero when some keys were skipped; the status line is the truth.
	if runErr != nil {
		b.logger.Debug("gpg import exited with error", zap.Error(runErr), zap.String("stderr", lastLine(stderr)))
	}

	return result, nil
}

// Inspect parses the keys in plaintext without touching the keyring.
func (b *Binary) Inspect(_ context.Context, plaintext io.Reader) ([]KeyInfo, error) {
	return inspect(plaintext)
}

// parseImportStatus reads IMPORT_OK and IMPORT_RES lines written by
// gpg --status-fd. The second return value is false without IMPORT_RES.
func parseImportStatus(status []byte) (ImportResult, bool) {
	var (
		result ImportResult
		found  bool
	)

	scanner := bufio.NewScanner(bytes.NewReader(status))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != statusPrefix {
			continue
		}

		switch fields[1] {
		case "IMPORT_OK":
			if len(fields) >= 4 {
				result.Fingerprints = append(result.Fingerprints, fields[3])
			}
		case "IMPORT_RES":
			// count no_user_id imported always_zero unchanged n_uids n_subk n_sigs ...
			counts := fields[2:]
			at := func(i int) int {
				if i >= len(counts) {
					return 0
				}
				n, _ := strconv.Atoi(counts[i])
				return n
			}
			result.Considered = at(0)
			result.Imported = at(2)
			result.Unchanged = at(4)
			result.NewUserIDs = at(5)
			result.NewSubkeys = at(6)
			result.NewSignatures = at(7)
			found = true
		}
	}

	return result, found
}

// lastLine returns the last diagnostic line of out, skipping status lines.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" && !strings.HasPrefix(line, statusPrefix) {
			return line
		}
	}
	return ""
}

var _ Engine = (*Binary)(nil)
