package imap

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelvan/gpg-sign-import/internal/models"
	"github.com/kelvan/gpg-sign-import/internal/testutil"
)

func TestParseOrder(t *testing.T) {
	for _, in := range []string{"server", "Reverse", " date "} {
		_, err := ParseOrder(in)
		assert.NoError(t, err, in)
	}

	_, err := ParseOrder("random")
	assert.Error(t, err)
}

func TestBuildCriteria(t *testing.T) {
	t.Run("defaults the subject phrase", func(t *testing.T) {
		c := buildCriteria(SearchOptions{})
		assert.Equal(t, DefaultSubject, c.Header.Get("Subject"))
		assert.Empty(t, c.WithoutFlags)
		assert.Nil(t, c.Uid)
	})

	t.Run("adds unseen, since and the UID floor", func(t *testing.T) {
		since := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
		c := buildCriteria(SearchOptions{Subject: "signed", Unseen: true, Since: since, MinUID: 5})

		assert.Equal(t, "signed", c.Header.Get("Subject"))
		assert.Equal(t, []string{imap.SeenFlag}, c.WithoutFlags)
		assert.Equal(t, since, c.Since)
		require.NotNil(t, c.Uid)
		assert.Equal(t, "5:*", c.Uid.String())
	})
}

func TestReverseRefs(t *testing.T) {
	refs := []models.MessageRef{1, 2, 3}
	ReverseRefs(refs)
	assert.Equal(t, []models.MessageRef{3, 2, 1}, refs)

	var empty []models.MessageRef
	ReverseRefs(empty)
	assert.Empty(t, empty)
}

func TestSession_Search(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testutil.TestIMAPServer, []models.MessageRef) {
		server := testutil.NewTestIMAPServer(t)
		now := time.Now()
		var uids []models.MessageRef
		for i, from := range []string{"a@example.org", "b@example.org", "c@example.org"} {
			uid := server.AddMessage(t, "INBOX", "<key"+string(rune('a'+i))+"@example.org>", "Your signed PGP key 0xABCD", from, now)
			uids = append(uids, models.MessageRef(uid))
		}
		server.AddMessage(t, "INBOX", "<other@example.org>", "Lunch on Friday", "d@example.org", now)
		return server, uids
	}

	t.Run("finds messages by subject in server order", func(t *testing.T) {
		server, uids := setup(t)
		s := newTestSession(t, server, true)

		refs, err := s.Search(ctx, SearchOptions{}, OrderServer)
		require.NoError(t, err)
		assert.Equal(t, uids, refs)
	})

	t.Run("returns the strict reverse of the server order", func(t *testing.T) {
		server, uids := setup(t)
		s := newTestSession(t, server, true)

		refs, err := s.Search(ctx, SearchOptions{}, OrderReverse)
		require.NoError(t, err)
		assert.Equal(t, []models.MessageRef{uids[2], uids[1], uids[0]}, refs)
	})

	t.Run("falls back to server order without SORT support", func(t *testing.T) {
		server, uids := setup(t)
		s := newTestSession(t, server, true)

		refs, err := s.Search(ctx, SearchOptions{}, OrderDate)
		require.NoError(t, err)
		assert.Equal(t, uids, refs)
	})

	t.Run("returns an empty result without error", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		s := newTestSession(t, server, true)

		refs, err := s.Search(ctx, SearchOptions{Subject: "nothing matches this"}, OrderReverse)
		require.NoError(t, err)
		assert.Empty(t, refs)
	})

	t.Run("skips UIDs below the floor", func(t *testing.T) {
		server, uids := setup(t)
		s := newTestSession(t, server, true)

		refs, err := s.Search(ctx, SearchOptions{MinUID: uids[2]}, OrderServer)
		require.NoError(t, err)
		assert.Equal(t, []models.MessageRef{uids[2]}, refs)

		refs, err = s.Search(ctx, SearchOptions{MinUID: uids[2] + 100}, OrderServer)
		require.NoError(t, err)
		assert.Empty(t, refs)
	})

	t.Run("returns an error for a nil session", func(t *testing.T) {
		var s *Session
		_, err := s.Search(ctx, SearchOptions{}, OrderServer)
		assert.Equal(t, StatusTransportError, StatusOf(err))
	})
}
