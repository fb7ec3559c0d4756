// Package sinks holds the built-in progress sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/qiwenli/mpcrawl/internal/progress"
)

// LogSink emits structured logs for progress streams. It is the default sink
// for interactive runs where no metrics endpoint is wanted.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event",
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.String("account", evt.Account),
			zap.String("kind", string(evt.Kind)),
			zap.String("url", evt.URL),
			zap.String("state", string(evt.State)),
			zap.Int("records", evt.Records),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
