// Command test-server runs an in-memory IMAP and SMTP pair for trying
// gpg-sign-import by hand. Mail accepted over SMTP lands in the IMAP INBOX.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kelvan/gpg-sign-import/internal/logging"
	"github.com/kelvan/gpg-sign-import/internal/testutil"
)

func main() {
	fs := pflag.NewFlagSet("test-server", pflag.ExitOnError)
	imapAddr := fs.String("imap-addr", "127.0.0.1:1143", "IMAP listen address")
	smtpAddr := fs.String("smtp-addr", "127.0.0.1:1025", "SMTP listen address")
	seedDir := fs.String("seed", "", "write a secret keyring here and seed INBOX with a signed key for it")
	verbose := fs.BoolP("verbose", "v", false, "enable debug output")
	_ = fs.Parse(os.Args[1:])

	logger := logging.New(os.Stdout, *verbose)
	defer logging.Sync(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	imapServer, smtpServer, err := startMailServers(*imapAddr, *smtpAddr, logger)
	if err != nil {
		logger.Fatal("Failed to start mail servers", zap.Error(err))
	}
	defer imapServer.Close()
	defer smtpServer.Close()

	if *seedDir != "" {
		if err := seedTestData(imapServer, *seedDir, logger); err != nil {
			logger.Fatal("Failed to seed test data", zap.Error(err))
		}
	}

	host, port := imapServer.HostPort()
	logger.Info("Sandbox ready. Press Ctrl+C to stop.",
		zap.String("imap", imapServer.Address),
		zap.String("smtp", smtpServer.Address),
		zap.String("user", imapServer.Username()),
	)
	if hint := tryHint(host, port, imapServer.Username(), *seedDir); hint != "" {
		logger.Info(hint)
	}

	<-ctx.Done()
	logger.Info("Shutting down")
}

// startMailServers starts the IMAP server and an SMTP server delivering into it.
func startMailServers(imapAddr, smtpAddr string, logger *zap.Logger) (*testutil.TestIMAPServer, *testutil.TestSMTPServer, error) {
	imapServer, err := testutil.NewIMAPServerForSandbox(imapAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start IMAP server: %w", err)
	}
	logger.Debug("IMAP server started", zap.String("address", imapServer.Address))

	smtpServer, err := testutil.NewSMTPServerForSandbox(smtpAddr, imapServer.Deliver)
	if err != nil {
		imapServer.Close()
		return nil, nil, fmt.Errorf("failed to start SMTP server: %w", err)
	}
	logger.Debug("SMTP server started", zap.String("address", smtpServer.Address))

	return imapServer, smtpServer, nil
}

// seedTestData creates a key pair, stores its secret half in dir and drops a
// certified, encrypted copy of the public half into INBOX.
func seedTestData(imapServer *testutil.TestIMAPServer, dir string, logger *zap.Logger) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create keyring dir: %w", err)
	}

	recipient, err := testutil.NewKeyPair("Sandbox User", "user@sandbox.test")
	if err != nil {
		return err
	}
	signer, err := testutil.NewKeyPair("Party Guest", "guest@sandbox.test")
	if err != nil {
		return err
	}
	if err := testutil.Certify(recipient, signer); err != nil {
		return err
	}
	if err := testutil.WriteSecretKeyring(dir, recipient); err != nil {
		return err
	}

	raw, err := testutil.SignedKeyMessage(recipient, "guest@sandbox.test", "user@sandbox.test", "<seed@sandbox.test>")
	if err != nil {
		return err
	}
	uid, err := imapServer.AppendMessage("INBOX", raw)
	if err != nil {
		return fmt.Errorf("failed to append signed key: %w", err)
	}

	logger.Info("Seeded signed key",
		zap.Uint32("uid", uid),
		zap.String("key", fingerprint(recipient)),
		zap.String("keyring_dir", dir),
	)
	return nil
}

// tryHint returns a command line for the seeded keyring, empty without one.
func tryHint(host string, port int, user, keyringDir string) string {
	if keyringDir == "" {
		return ""
	}
	return fmt.Sprintf("Try: gpg-sign-import -s %s -p %d -u %s --insecure-plain --engine native --keyring-dir %s",
		host, port, user, keyringDir)
}

func fingerprint(e *openpgp.Entity) string {
	return fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
}
