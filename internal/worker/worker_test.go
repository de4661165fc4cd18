package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/queue/memory"
)

type recordingProcessor struct {
	mu      sync.Mutex
	seen    []string
	failOn  string
	panicOn string
	block   bool
}

func (p *recordingProcessor) Process(ctx context.Context, item crawler.QueueItem) error {
	p.mu.Lock()
	p.seen = append(p.seen, item.JobID)
	p.mu.Unlock()
	switch item.JobID {
	case p.failOn:
		return errors.New("store unavailable")
	case p.panicOn:
		panic("nil entity")
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *recordingProcessor) jobs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

func TestWorkerProcessesQueueInOrder(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	proc := &recordingProcessor{failOn: "job-2", panicOn: "job-3"}
	w := New(1, q, proc, Config{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"job-1", "job-2", "job-3", "job-4"} {
		require.NoError(t, q.Enqueue(ctx, crawler.QueueItem{JobID: id}))
	}

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Errors and panics do not stop the loop.
	require.Eventually(t, func() bool {
		return len(proc.jobs()) == 4
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"job-1", "job-2", "job-3", "job-4"}, proc.jobs())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	w := New(1, q, &recordingProcessor{}, Config{}, zaptest.NewLogger(t))
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestWorkerAppliesJobTimeout(t *testing.T) {
	t.Parallel()

	proc := &recordingProcessor{block: true}
	w := New(1, memory.NewQueue(1), proc, Config{JobTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t))

	err := w.handle(context.Background(), crawler.QueueItem{JobID: "job-slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerRecoversPanics(t *testing.T) {
	t.Parallel()

	w := New(1, memory.NewQueue(1), &recordingProcessor{panicOn: "job-x"}, Config{}, zaptest.NewLogger(t))
	err := w.handle(context.Background(), crawler.QueueItem{JobID: "job-x"})
	require.ErrorContains(t, err, "processor panic")
}
