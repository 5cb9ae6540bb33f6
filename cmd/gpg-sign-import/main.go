// Command gpg-sign-import fetches signed public keys sent back after a key
// signing party from an IMAP mailbox, decrypts them and imports them into
// the local keyring.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kelvan/gpg-sign-import/internal/config"
	"github.com/kelvan/gpg-sign-import/internal/credential"
	"github.com/kelvan/gpg-sign-import/internal/gpg"
	"github.com/kelvan/gpg-sign-import/internal/imap"
	"github.com/kelvan/gpg-sign-import/internal/importer"
	"github.com/kelvan/gpg-sign-import/internal/logging"
)

// Exit codes.
const (
	exitOK        = 0
	exitTransport = 1
	exitAuth      = 2
	exitSelect    = 3
	exitEngine    = 4
	exitUsage     = 64
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp().run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// app holds the process collaborators so tests can replace them.
type app struct {
	stdout    io.Writer
	stderr    io.Writer
	prompt    credential.Prompter
	openStore func() (credential.SecretStore, error)
}

func newApp() *app {
	return &app{
		stdout: os.Stdout,
		stderr: os.Stderr,
		prompt: credential.NewTerminalPrompter(),
		openStore: func() (credential.SecretStore, error) {
			return credential.OpenStore()
		},
	}
}

func (a *app) run(ctx context.Context, args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		_, _ = fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return exitUsage
	}

	policy, err := importer.NewPolicy(cfg.Policy, importer.Overrides{
		Select:           cfg.Select,
		Order:            cfg.Order,
		RequireMultipart: cfg.RequireMultipart,
	})
	if err != nil {
		_, _ = fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return exitUsage
	}

	logger := logging.New(a.stdout, cfg.Verbose)
	defer logging.Sync(logger)

	if cfg.ConfigFile != "" {
		logger.Debug("Using config file", zap.String("path", cfg.ConfigFile))
	}

	engine, err := a.openEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to set up key engine", zap.String("engine", cfg.Engine), zap.Error(err))
		return exitEngine
	}

	logger.Info(fmt.Sprintf("Connect to %s", cfg.Server))
	session, err := imap.Dial(ctx, dialOptions(cfg), logger)
	if err != nil {
		logger.Error("Connection failed", zap.Error(err))
		return exitTransport
	}
	defer session.Logout()

	if code := a.login(ctx, cfg, session, logger); code != exitOK {
		return code
	}

	logger.Info(fmt.Sprintf("Select mailbox: %s", cfg.Mailbox))
	if _, err := session.Select(ctx, cfg.Mailbox, !cfg.MarkSeen); err != nil {
		if imap.StatusOf(err) == imap.StatusTransportError {
			logger.Error("Connection lost while selecting mailbox", zap.Error(err))
			return exitTransport
		}
		logger.Error(fmt.Sprintf("Selecting mailbox failed: %s", cfg.Mailbox), zap.Error(err))
		if names, listErr := session.ListMailboxes(ctx); listErr == nil {
			logger.Info("Available mailboxes", zap.Strings("mailboxes", names))
		}
		return exitSelect
	}

	p := &importer.Pipeline{
		Mailbox:  session,
		Engine:   engine,
		Policy:   policy,
		Logger:   logger,
		DryRun:   cfg.DryRun,
		MarkSeen: cfg.MarkSeen,
	}
	opts := imap.SearchOptions{
		Subject: cfg.Subject,
		Unseen:  cfg.Unseen,
		Since:   cfg.Since,
	}

	logger.Debug("Processing policy",
		zap.String("policy", policy.Name),
		zap.String("selector", policy.Selector.String()),
		zap.String("order", string(policy.Order)),
		zap.Bool("require_multipart", policy.RequireMultipart),
	)

	var stats importer.Stats
	if cfg.Watch {
		stats, err = p.Watch(ctx, session, opts, cfg.PollInterval)
	} else {
		stats, err = p.Run(ctx, opts)
	}

	logger.Info("Finished", stats.Fields()...)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Interrupted")
			return exitOK
		}
		logger.Error("Run aborted", zap.Error(err))
		return exitTransport
	}

	return exitOK
}

// login authenticates the session. A remembered secret that the server
// refuses is dropped from the keyring so the next run prompts again.
func (a *app) login(ctx context.Context, cfg *config.Config, session *imap.Session, logger *zap.Logger) int {
	resolver := &credential.Resolver{Prompt: a.prompt, Logger: logger}
	if store, err := a.openStore(); err != nil {
		logger.Debug("Keyring unavailable", zap.Error(err))
	} else {
		resolver.Store = store
	}

	secret, fromStore, err := resolver.Secret(ctx, cfg.User, cfg.Server)
	if err != nil {
		logger.Error("No password available", zap.Error(err))
		return exitAuth
	}

	logger.Info(fmt.Sprintf("Login with user: %s", cfg.User))
	if err := session.Login(ctx, cfg.User, secret); err != nil {
		if imap.StatusOf(err) == imap.StatusTransportError {
			logger.Error("Connection lost during login", zap.Error(err))
			return exitTransport
		}
		logger.Error("Login failed", zap.Error(err))
		if fromStore {
			if err := resolver.Forget(cfg.User, cfg.Server); err != nil {
				logger.Warn("Failed to remove remembered password", zap.Error(err))
			} else {
				logger.Info("Removed remembered password")
			}
		}
		return exitAuth
	}

	if cfg.RememberPassword && !fromStore {
		if err := resolver.Remember(cfg.User, cfg.Server, secret); err != nil {
			logger.Warn("Failed to remember password", zap.Error(err))
		} else {
			logger.Info("Password stored in the system keyring")
		}
	}

	return exitOK
}

func (a *app) openEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (gpg.Engine, error) {
	kind, err := gpg.ParseKind(cfg.Engine)
	if err != nil {
		return nil, err
	}

	switch kind {
	case gpg.KindNative:
		passphrase := func(keyID string) ([]byte, error) {
			secret, err := a.prompt.Secret(ctx, fmt.Sprintf("Passphrase for key %s", keyID))
			if err != nil {
				return nil, err
			}
			return []byte(secret), nil
		}
		return gpg.OpenNative(cfg.KeyringDir, passphrase, logger)
	default:
		return gpg.NewBinary(cfg.GPGBinary, cfg.GNUPGHome, logger)
	}
}

func dialOptions(cfg *config.Config) imap.DialOptions {
	security := imap.SecurityTLS
	switch {
	case cfg.InsecurePlain:
		security = imap.SecurityPlain
	case cfg.StartTLS:
		security = imap.SecurityStartTLS
	}

	return imap.DialOptions{
		Host:     strings.TrimSpace(cfg.Server),
		Port:     cfg.Port,
		Security: security,
		Timeout:  cfg.DialTimeout,
	}
}
