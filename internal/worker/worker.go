// Package worker runs the completion loop: it drains the queue of jobs whose
// crawl finished and hands each one to the processor.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/metrics"
)

// Processor settles one queued job.
type Processor interface {
	Process(ctx context.Context, item crawler.QueueItem) error
}

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds a single Process call. Zero means no bound.
	JobTimeout time.Duration
}

// Worker consumes queue items and runs the completion pipeline.
type Worker struct {
	id        int
	queue     crawler.Queue
	processor Processor
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(id int, queue crawler.Queue, processor Processor, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		queue:     queue,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("queue closed", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		if err := w.handle(ctx, item); err != nil {
			w.logger.Error("process job failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}
}

func (w *Worker) handle(ctx context.Context, item crawler.QueueItem) (err error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("processor panicked",
				zap.String("job_id", item.JobID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	if w.processor == nil {
		return fmt.Errorf("worker %d: no processor configured", w.id)
	}
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}
	start := time.Now()
	err = w.processor.Process(ctx, item)
	w.logger.Debug("job processed",
		zap.String("job_id", item.JobID),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	return err
}
