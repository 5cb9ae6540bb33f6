package imap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelvan/gpg-sign-import/internal/testutil"
)

func TestSession_WaitForNewMail(t *testing.T) {
	t.Run("returns the context error when cancelled", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		s := newTestSession(t, server, true)

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := s.WaitForNewMail(ctx, 50*time.Millisecond)

		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("leaves the session usable afterwards", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		s := newTestSession(t, server, true)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = s.WaitForNewMail(ctx, 20*time.Millisecond)

		refs, err := s.Search(context.Background(), SearchOptions{}, OrderServer)
		require.NoError(t, err)
		assert.Empty(t, refs)
	})

	t.Run("returns an error for a nil session", func(t *testing.T) {
		var s *Session
		err := s.WaitForNewMail(context.Background(), time.Second)
		assert.Equal(t, StatusTransportError, StatusOf(err))
	})
}
