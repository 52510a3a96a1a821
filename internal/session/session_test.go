package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinecredit/internal/model"
)

func TestRequire(t *testing.T) {
	ctx := context.Background()

	assert.ErrorIs(t, Require(ctx, "u1"), model.ErrAuth)
	assert.NoError(t, Require(WithUser(ctx, "u1"), "u1"))
	assert.ErrorIs(t, Require(WithUser(ctx, "u1"), "u2"), model.ErrPermissionDenied)
	assert.ErrorIs(t, Require(WithUser(ctx, ""), "u1"), model.ErrAuth)
	assert.NoError(t, Require(WithService(ctx), "anyone"))
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.Issue("user-42", time.Hour)
	require.NoError(t, err)

	s, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Session{UserID: "user-42"}, s)
}

func TestVerifier_ServiceToken(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.IssueService("billing", time.Hour)
	require.NoError(t, err)

	s, err := v.Verify(token)
	require.NoError(t, err)
	assert.True(t, s.Service)
	assert.Empty(t, s.UserID)
	assert.NoError(t, RequireService(With(context.Background(), s)))
}

func TestRequireService(t *testing.T) {
	ctx := context.Background()

	assert.ErrorIs(t, RequireService(ctx), model.ErrAuth)
	assert.ErrorIs(t, RequireService(WithUser(ctx, "u1")), model.ErrPermissionDenied)
	assert.NoError(t, RequireService(WithService(ctx)))
}

func TestVerifier_RejectsForeignSignature(t *testing.T) {
	token, err := NewVerifier("other-secret").Issue("user-42", time.Hour)
	require.NoError(t, err)

	_, err = NewVerifier("test-secret").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsExpired(t *testing.T) {
	v := NewVerifier("test-secret")
	v.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := v.Issue("user-42", time.Hour)
	require.NoError(t, err)

	_, err = NewVerifier("test-secret").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
