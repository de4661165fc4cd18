package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/booth-crawler/internal/coordination"
)

func TestAddValidates(t *testing.T) {
	t.Parallel()
	s := New(nil, zaptest.NewLogger(t))
	noop := func(context.Context) error { return nil }

	require.Error(t, s.Add(Task{Name: "", Run: noop}))
	require.Error(t, s.Add(Task{Name: "bad", Spec: "every tuesday", Run: noop}))
	require.NoError(t, s.Add(Task{Name: "reconcile", Spec: "*/5 * * * *", Run: noop}))
	require.NoError(t, s.Add(Task{Name: "stale", Spec: "@every 10m", Run: noop}))
	require.NoError(t, s.Add(Task{Name: "manual", Run: noop}))
	require.Error(t, s.Add(Task{Name: "reconcile", Spec: "@hourly", Run: noop}))
	require.ElementsMatch(t, []string{"reconcile", "stale", "manual"}, s.Tasks())
}

func TestRunNow(t *testing.T) {
	t.Parallel()
	s := New(nil, zaptest.NewLogger(t))
	var runs atomic.Int32
	boom := errors.New("store down")
	require.NoError(t, s.Add(Task{Name: "dedup", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	require.NoError(t, s.Add(Task{Name: "broken", Run: func(context.Context) error { return boom }}))

	require.NoError(t, s.RunNow(context.Background(), "dedup"))
	require.Equal(t, int32(1), runs.Load())
	require.ErrorIs(t, s.RunNow(context.Background(), "broken"), boom)
	require.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestRunNowSkipsWhenLeaseHeld(t *testing.T) {
	t.Parallel()
	locker := coordination.NewLocalLocker()
	s := New(locker, zaptest.NewLogger(t))
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{Name: "reconcile", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	err := locker.WithLock(context.Background(), "reconcile", func(ctx context.Context) error {
		return s.RunNow(ctx, "reconcile")
	})
	require.NoError(t, err)
	require.Zero(t, runs.Load())
}

func TestScheduledTaskFiresAndStops(t *testing.T) {
	t.Parallel()
	s := New(nil, zaptest.NewLogger(t))
	fired := make(chan struct{}, 1)
	require.NoError(t, s.Add(Task{Name: "tick", Spec: "@every 1s", Timeout: time.Second, Run: func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}}))
	s.Start()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled task did not fire")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
