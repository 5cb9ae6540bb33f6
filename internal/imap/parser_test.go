package imap

import (
	"net/mail"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelvan/gpg-sign-import/internal/testutil"
)

func TestParseMessage(t *testing.T) {
	t.Run("flattens a nested multipart message depth-first", func(t *testing.T) {
		raw := "From: Alice Example <alice@example.org>\r\n" +
			"Subject: Your signed PGP key\r\n" +
			"Message-ID: <nested@example.org>\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: multipart/mixed; boundary=\"outer\"\r\n\r\n" +
			"--outer\r\n" +
			"Content-Type: multipart/alternative; boundary=\"inner\"\r\n\r\n" +
			"--inner\r\nContent-Type: text/plain\r\n\r\nplain\r\n" +
			"--inner\r\nContent-Type: text/html\r\n\r\n<p>html</p>\r\n" +
			"--inner--\r\n" +
			"--outer\r\n" +
			"Content-Type: application/octet-stream\r\n" +
			"Content-Transfer-Encoding: base64\r\n" +
			"Content-Disposition: attachment; filename=\"msg.asc\"\r\n\r\n" +
			"c2VjcmV0IGJ5dGVz\r\n" +
			"--outer--\r\n"

		msg, err := ParseMessage(9, []byte(raw))
		require.NoError(t, err)

		assert.EqualValues(t, 9, msg.UID)
		assert.Equal(t, "Alice Example <alice@example.org>", msg.From)
		assert.Equal(t, "Your signed PGP key", msg.Subject)
		assert.Equal(t, "<nested@example.org>", msg.MessageID)
		assert.True(t, msg.IsMultipart())

		var paths, types []string
		for _, p := range msg.Parts {
			paths = append(paths, p.Path)
			types = append(types, p.ContentType)
		}
		assert.Equal(t, []string{"1", "1.1", "1.2", "2"}, paths)
		assert.Equal(t, []string{"multipart/alternative", "text/plain", "text/html", "application/octet-stream"}, types)

		attachment := msg.Parts[3]
		assert.Equal(t, "msg.asc", attachment.FileName)
		assert.Equal(t, "secret bytes", string(attachment.Content))
		assert.Equal(t, 1, attachment.Depth())
	})

	t.Run("exposes the body of a single-part message as part 1", func(t *testing.T) {
		raw := "From: bob@example.org\r\n" +
			"Subject: Your signed PGP key\r\n" +
			"Content-Type: text/plain\r\n\r\n" +
			"no attachment\r\n"

		msg, err := ParseMessage(1, []byte(raw))
		require.NoError(t, err)

		assert.False(t, msg.IsMultipart())
		assert.Equal(t, "bob@example.org", msg.From)
		require.Len(t, msg.Parts, 1)
		assert.Equal(t, "1", msg.Parts[0].Path)
		assert.Contains(t, string(msg.Parts[0].Content), "no attachment")
	})

	t.Run("parses a PGP/MIME key delivery", func(t *testing.T) {
		raw, err := testutil.EncryptedMessage([]byte("-----BEGIN PGP MESSAGE-----\r\n\r\nAAAA\r\n-----END PGP MESSAGE-----\r\n"),
			"signer@example.org", "me@example.org", "<enc@example.org>")
		require.NoError(t, err)

		msg, err := ParseMessage(3, raw)
		require.NoError(t, err)

		assert.Equal(t, "multipart/encrypted", msg.ContentType)
		require.Len(t, msg.Parts, 2)
		assert.Equal(t, "application/pgp-encrypted", msg.Parts[0].ContentType)
		assert.Equal(t, "application/octet-stream", msg.Parts[1].ContentType)
		assert.Contains(t, string(msg.Parts[1].Content), "BEGIN PGP MESSAGE")
	})

	t.Run("rejects an empty message", func(t *testing.T) {
		_, err := ParseMessage(1, nil)
		assert.Error(t, err)
	})
}

func TestFormatAddress(t *testing.T) {
	assert.Equal(t, "", formatAddress(nil))
	assert.Equal(t, "a@example.org", formatAddress(&mail.Address{Address: "a@example.org"}))
	assert.Equal(t, "A <a@example.org>", formatAddress(&mail.Address{Name: "A", Address: "a@example.org"}))
}
