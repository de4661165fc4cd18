package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/progress"
)

// LogSink writes each event as a structured log line. Page events are
// logged at debug level since a crawl emits one per page.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("source_name", evt.SourceName),
			zap.Int("current", evt.Current),
			zap.Int("total", evt.Total),
			zap.Int("booths_so_far", evt.BoothsSoFar),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StagePage:
			s.logger.Debug("progress", fields...)
		case progress.StageFailed:
			s.logger.Warn("progress", fields...)
		default:
			s.logger.Info("progress", fields...)
		}
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
