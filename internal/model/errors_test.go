package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"auth", ErrAuth, KindAuth},
		{"permission denied", fmt.Errorf("wrapped: %w", ErrPermissionDenied), KindAuth},
		{"insufficient", ErrInsufficientCredits, KindInsufficientCredits},
		{"validation", ValidationError("amount", "must be positive"), KindValidation},
		{"not found", ErrNotFound, KindNotFound},
		{"mismatch", &VerificationMismatchError{Expected: 4, Actual: 3}, KindVerificationMismatch},
		{"transient", &TransientError{Op: "get_balance", Attempts: 3, Err: errors.New("i/o timeout")}, KindTransient},
		{"corrupt account", fmt.Errorf("%w: users:u1", ErrCorruptAccount), KindInternal},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(ErrPermissionDenied))
	assert.True(t, IsPermanent(context.Canceled))
	assert.True(t, IsPermanent(&VerificationMismatchError{}))
	assert.True(t, IsPermanent(ErrCorruptAccount))
	assert.False(t, IsPermanent(errors.New("connection reset by peer")))
}

func TestTransientErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &TransientError{Op: "deduct_one", Attempts: 3, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "deduct_one failed after 3 attempt(s): connection refused", err.Error())
}
