package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), true},
		{"429", &StatusError{Op: "fetch", StatusCode: http.StatusTooManyRequests}, true},
		{"503", &StatusError{Op: "fetch", StatusCode: http.StatusServiceUnavailable}, true},
		{"404", &StatusError{Op: "fetch", StatusCode: http.StatusNotFound}, false},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryPolicyRetriesOnceOnTransient(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(2, time.Millisecond, 2*time.Millisecond)
	calls := 0
	err := policy.Do(context.Background(), time.Second, func(context.Context) error {
		calls++
		return &StatusError{Op: "fetch", StatusCode: http.StatusBadGateway}
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryPolicyStopsOnPermanent(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(2, time.Millisecond, 2*time.Millisecond)
	calls := 0
	err := policy.Do(context.Background(), time.Second, func(context.Context) error {
		calls++
		return &StatusError{Op: "fetch", StatusCode: http.StatusUnauthorized}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryPolicySucceedsAfterRetry(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(2, time.Millisecond, 2*time.Millisecond)
	calls := 0
	err := policy.Do(context.Background(), time.Second, func(context.Context) error {
		calls++
		if calls == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
