package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kelvan/gpg-sign-import/internal/testutil"
)

func TestTryHint(t *testing.T) {
	assert.Empty(t, tryHint("127.0.0.1", 1143, "username", ""))
	assert.Equal(t,
		"Try: gpg-sign-import -s 127.0.0.1 -p 1143 -u username --insecure-plain --engine native --keyring-dir /tmp/ring",
		tryHint("127.0.0.1", 1143, "username", "/tmp/ring"))
}

func TestSeedTestData(t *testing.T) {
	imapServer, smtpServer, err := startMailServers("127.0.0.1:0", "127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(imapServer.Close)
	t.Cleanup(smtpServer.Close)

	dir := filepath.Join(t.TempDir(), "ring")
	require.NoError(t, seedTestData(imapServer, dir, zap.NewNop()))

	_, err = os.Stat(filepath.Join(dir, "secring.asc"))
	assert.NoError(t, err)

	c, done := imapServer.Connect(t)
	defer done()
	mbox, err := c.Select("INBOX", true)
	require.NoError(t, err)
	// The memory backend starts INBOX with one message.
	assert.EqualValues(t, 2, mbox.Messages)

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Subject", testutil.SignedKeySubject)
	uids, err := c.UidSearch(criteria)
	require.NoError(t, err)
	assert.Len(t, uids, 1)
}
