package imap

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-imap"

	"github.com/kelvan/gpg-sign-import/internal/models"
)

// FetchRaw fetches the full RFC 822 source of the message with the given UID.
// The message is fetched with BODY.PEEK so the \Seen flag is left alone.
func (s *Session) FetchRaw(_ context.Context, uid models.MessageRef) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, &StatusError{Op: OpFetch, Status: StatusTransportError, Err: fmt.Errorf("client is nil")}
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(uid))

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		if msg == nil {
			msg = m
		}
	}

	if err := <-done; err != nil {
		return nil, newStatusError(OpFetch, StatusRejected, fmt.Errorf("failed to fetch message %d: %w", uid, err))
	}
	if msg == nil {
		return nil, &StatusError{Op: OpFetch, Status: StatusNotFound, Err: fmt.Errorf("server did not return message %d", uid)}
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, &StatusError{Op: OpFetch, Status: StatusNotFound, Err: fmt.Errorf("server did not return a body for message %d", uid)}
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, newStatusError(OpFetch, StatusRejected, fmt.Errorf("failed to read body of message %d: %w", uid, err))
	}

	return raw, nil
}

// MarkSeen adds the \Seen flag to the message. The mailbox must have been
// selected read-write.
func (s *Session) MarkSeen(_ context.Context, uid models.MessageRef) error {
	if s == nil || s.client == nil {
		return &StatusError{Op: OpStore, Status: StatusTransportError, Err: fmt.Errorf("client is nil")}
	}
	if s.readOnly {
		return &StatusError{Op: OpStore, Status: StatusRejected, Err: fmt.Errorf("mailbox %s is selected read-only", s.mailbox)}
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uint32(uid))

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.client.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return newStatusError(OpStore, StatusRejected, fmt.Errorf("failed to mark message %d as seen: %w", uid, err))
	}

	return nil
}
