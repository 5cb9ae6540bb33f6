package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
)

// ListMailboxes lists all mailbox names on the server. It is used to give the
// operator a hint when selecting a mailbox fails.
func (s *Session) ListMailboxes(_ context.Context) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var names []string
	for m := range mailboxes {
		names = append(names, m.Name)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	return names, nil
}
