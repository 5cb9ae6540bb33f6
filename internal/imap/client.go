package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// Session is an authenticated connection scoped to one selected mailbox.
// It is not safe for concurrent use.
type Session struct {
	client   *client.Client
	host     string
	user     string
	mailbox  string
	readOnly bool
	logger   *zap.Logger
}

// Host returns the server host name.
func (s *Session) Host() string {
	return s.host
}

// User returns the authenticated user, empty before Login.
func (s *Session) User() string {
	return s.user
}

// Mailbox returns the selected mailbox name, empty before Select.
func (s *Session) Mailbox() string {
	return s.mailbox
}

// Login authenticates with the IMAP server.
// A refusal is reported with StatusAuthFailed.
func (s *Session) Login(_ context.Context, username, password string) error {
	if s == nil || s.client == nil {
		return &StatusError{Op: OpLogin, Status: StatusTransportError, Err: fmt.Errorf("client is nil")}
	}

	if err := s.client.Login(username, password); err != nil {
		return newStatusError(OpLogin, StatusAuthFailed, fmt.Errorf("failed to authenticate as %s: %w", username, err))
	}

	s.user = username
	s.logger = s.logger.With(zap.String("user", username))
	return nil
}

// Select makes mailbox the active context for searches and fetches.
// A refusal is reported with StatusNotFound.
func (s *Session) Select(_ context.Context, mailbox string, readOnly bool) (*imap.MailboxStatus, error) {
	if s == nil || s.client == nil {
		return nil, &StatusError{Op: OpSelect, Status: StatusTransportError, Err: fmt.Errorf("client is nil")}
	}

	mbox, err := s.client.Select(mailbox, readOnly)
	if err != nil {
		return nil, newStatusError(OpSelect, StatusNotFound, fmt.Errorf("failed to select mailbox %s: %w", mailbox, err))
	}

	s.mailbox = mailbox
	s.readOnly = readOnly
	s.logger.Debug("Mailbox selected",
		zap.String("mailbox", mailbox),
		zap.Uint32("messages", mbox.Messages),
		zap.Uint32("uid_validity", mbox.UidValidity),
	)

	return mbox, nil
}

// Logout closes the session. Errors are ignored because the run is over.
func (s *Session) Logout() {
	if s == nil || s.client == nil {
		return
	}
	if err := s.client.Logout(); err != nil {
		s.logger.Debug("Logout failed", zap.Error(err))
	}
}
