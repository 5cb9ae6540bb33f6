package testutil

import (
	"bytes"
	"errors"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const relayedMessage = "From: guest@example.org\r\n" +
	"To: username@localhost\r\n" +
	"Subject: " + SignedKeySubject + "\r\n" +
	"Message-ID: <relay@example.org>\r\n" +
	"\r\n" +
	"relayed body\r\n"

// sendRelayed submits relayedMessage over plain SMTP.
func sendRelayed(t *testing.T, addr string) error {
	t.Helper()

	c, err := smtp.Dial(addr)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	if err := c.SendMail("guest@example.org", []string{"username@localhost"}, bytes.NewReader([]byte(relayedMessage))); err != nil {
		return err
	}
	return c.Quit()
}

func TestSMTPServer_DeliversIntoINBOX(t *testing.T) {
	imapServer := NewTestIMAPServer(t)
	smtpServer := NewTestSMTPServer(t, imapServer.Deliver)

	err := sendRelayed(t, smtpServer.Address)
	require.NoError(t, err)

	received := smtpServer.GetMessages()
	require.Len(t, received, 1)
	assert.Equal(t, "guest@example.org", received[0].From)
	assert.Equal(t, []string{"username@localhost"}, received[0].To)

	c, done := imapServer.Connect(t)
	defer done()

	_, err = c.Select("INBOX", true)
	require.NoError(t, err)

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Subject", SignedKeySubject)
	uids, err := c.UidSearch(criteria)
	require.NoError(t, err)
	assert.Len(t, uids, 1)
}

func TestSMTPServer_RejectsWhenDeliveryFails(t *testing.T) {
	smtpServer := NewTestSMTPServer(t, func(string, []string, []byte) error {
		return errors.New("mailbox full")
	})

	err := sendRelayed(t, smtpServer.Address)
	require.Error(t, err)

	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 451, smtpErr.Code)
}
