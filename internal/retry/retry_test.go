package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinecredit/internal/model"
)

func fastPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "get_balance", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("service unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustedReturnsTransientError(t *testing.T) {
	cause := errors.New("connection refused")
	calls := 0
	err := fastPolicy().Do(context.Background(), "add_credits", func(ctx context.Context) error {
		calls++
		return cause
	})

	var transient *model.TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, 3, transient.Attempts)
	assert.Equal(t, "add_credits", transient.Op)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
}

func TestDo_PermissionDeniedIsNeverRetried(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "initialize_balance", func(ctx context.Context) error {
		calls++
		return model.ErrPermissionDenied
	})

	assert.ErrorIs(t, err, model.ErrPermissionDenied)
	assert.Equal(t, 1, calls)
}

func TestDo_DomainErrorsAreNotWrapped(t *testing.T) {
	err := fastPolicy().Do(context.Background(), "deduct_one", func(ctx context.Context) error {
		return model.ErrInsufficientCredits
	})

	var transient *model.TransientError
	assert.False(t, errors.As(err, &transient))
	assert.ErrorIs(t, err, model.ErrInsufficientCredits)
}

func TestDo_ContextCancelledStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 3, BaseDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, "get_balance", func(ctx context.Context) error {
			return errors.New("timeout")
		})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestLinear(t *testing.T) {
	b := Linear(time.Second)
	for i := 1; i <= 3; i++ {
		d, stop := b.Next()
		assert.False(t, stop)
		assert.Equal(t, time.Duration(i)*time.Second, d)
	}
}
