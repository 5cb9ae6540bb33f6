package imap

import (
	"context"
	"fmt"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// DefaultPollInterval is used when the server does not support IDLE.
const DefaultPollInterval = 30 * time.Second

// WaitForNewMail blocks in IDLE on the selected mailbox until the server
// reports a mailbox change or ctx is done. Servers without IDLE are polled
// with NOOP every pollInterval.
// It returns ctx.Err() when ctx ends first.
func (s *Session) WaitForNewMail(ctx context.Context, pollInterval time.Duration) error {
	if s == nil || s.client == nil {
		return &StatusError{Op: OpIdle, Status: StatusTransportError, Err: fmt.Errorf("client is nil")}
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	idleClient := idle.NewClient(s.client)

	// Create a channel to receive mailbox updates.
	updates := make(chan imapclient.Update, 10)
	s.client.Updates = updates
	defer func() { s.client.Updates = nil }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, pollInterval)
	}()

	stopIdle := func() error {
		close(stop)
		return <-done
	}

	for {
		select {
		case <-ctx.Done():
			if err := stopIdle(); err != nil {
				s.logger.Debug("IDLE ended with error after cancel", zap.Error(err))
			}
			return ctx.Err()
		case err := <-done:
			if err != nil {
				return newStatusError(OpIdle, StatusRejected, fmt.Errorf("idle loop ended: %w", err))
			}
			return nil
		case update := <-updates:
			mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
			if !ok || mboxUpdate.Mailbox == nil {
				continue
			}
			s.logger.Debug("Mailbox update received",
				zap.String("mailbox", mboxUpdate.Mailbox.Name),
				zap.Uint32("messages", mboxUpdate.Mailbox.Messages),
			)
			if err := stopIdle(); err != nil {
				return newStatusError(OpIdle, StatusRejected, fmt.Errorf("failed to stop idle: %w", err))
			}
			return nil
		}
	}
}
