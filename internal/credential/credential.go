package credential

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// SecretStore is the subset of Store used by Resolver.
type SecretStore interface {
	Get(account string) (string, error)
	Set(account, secret string) error
	Delete(account string) error
}

// Resolver picks the IMAP secret for an account.
type Resolver struct {
	// Store is optional; without it the operator is always prompted.
	Store  SecretStore
	Prompt Prompter
	Logger *zap.Logger
}

// Secret returns the secret for user@host and whether it came from the store.
func (r *Resolver) Secret(ctx context.Context, user, host string) (string, bool, error) {
	account := Account(user, host)

	if r.Store != nil {
		secret, err := r.Store.Get(account)
		switch {
		case err == nil:
			r.logger().Debug("Using remembered password", zap.String("account", account))
			return secret, true, nil
		case errors.Is(err, ErrNotFound):
		default:
			r.logger().Warn("Failed to read keyring, prompting instead", zap.Error(err))
		}
	}

	if r.Prompt == nil {
		return "", false, fmt.Errorf("no prompt available for %s", account)
	}

	secret, err := r.Prompt.Secret(ctx, fmt.Sprintf("Password for %s", account))
	if err != nil {
		return "", false, err
	}

	return secret, false, nil
}

// Remember stores the secret after a successful login.
func (r *Resolver) Remember(user, host, secret string) error {
	if r.Store == nil {
		return nil
	}
	return r.Store.Set(Account(user, host), secret)
}

// Forget drops a stored secret, used when it was rejected by the server.
func (r *Resolver) Forget(user, host string) error {
	if r.Store == nil {
		return nil
	}
	return r.Store.Delete(Account(user, host))
}

func (r *Resolver) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
