package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/advisory"
)

// LogSink writes every advisory as a structured log line. Thread refusals log
// at warn, lifecycle transitions at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("advisory")}
}

// Consume logs each advisory in the batch.
func (s *LogSink) Consume(_ context.Context, batch []advisory.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("advisory_id", evt.ID.String()),
			zap.String("spider", evt.Spider.String()),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Kind == advisory.KindLifecycle {
			s.logger.Info("spider lifecycle", append(fields, zap.String("state", string(evt.State)))...)
			continue
		}
		s.logger.Warn("thread allocation refused", append(fields, zap.String("thread", evt.Thread))...)
	}
	return nil
}

// Close implements advisory.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
