package identity

import (
	"testing"
	"time"

	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/errs"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef-test-secret"

func TestTokenRoundTrip(t *testing.T) {
	req := require.New(t)
	clk := clock.Fake(time.Now())
	tokens, err := NewTokens(testSecret, time.Hour, clk)
	req.NoError(err)

	token, err := tokens.IssueToken("user-123")
	req.NoError(err)

	userID, err := tokens.ParseToken(token)
	req.NoError(err)
	req.Equal("user-123", userID)
}

func TestExpiredTokenIsUnauthorized(t *testing.T) {
	req := require.New(t)
	clk := clock.Fake(time.Now())
	tokens, err := NewTokens(testSecret, time.Hour, clk)
	req.NoError(err)

	token, err := tokens.IssueToken("user-123")
	req.NoError(err)

	clk.Advance(2 * time.Hour)
	_, err = tokens.ParseToken(token)
	req.ErrorIs(err, errs.ErrUnauthorized)
}

func TestForeignTokenIsUnauthorized(t *testing.T) {
	req := require.New(t)
	clk := clock.Fake(time.Now())
	ours, err := NewTokens(testSecret, time.Hour, clk)
	req.NoError(err)
	theirs, err := NewTokens("another-secret-of-16-bytes", time.Hour, clk)
	req.NoError(err)

	token, err := theirs.IssueToken("user-123")
	req.NoError(err)

	_, err = ours.ParseToken(token)
	req.ErrorIs(err, errs.ErrUnauthorized)
	_, err = ours.ParseToken("invalid-token-string")
	req.ErrorIs(err, errs.ErrUnauthorized)
}

func TestShortSecretIsRejected(t *testing.T) {
	_, err := NewTokens("short", time.Hour, clock.Real())
	require.Error(t, err)
}
