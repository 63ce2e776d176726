package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/scrapewatch/internal/progress"
)

// LogSink writes one structured log line per event.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_handle", evt.Handle()),
			zap.String("stage", string(evt.Stage)),
			zap.String("phase", string(evt.Status.Phase)),
			zap.Float64("progress", evt.Status.Progress),
			zap.String("stream", string(evt.Stream)),
		}
		if evt.Status.RecordID != "" {
			fields = append(fields, zap.String("record_id", evt.Status.RecordID))
		}
		if evt.Status.RetryAfterSeconds != nil {
			fields = append(fields, zap.Int("retry_after_seconds", *evt.Status.RetryAfterSeconds))
		}
		if evt.Cancellation != nil {
			fields = append(fields, zap.String("disposition", string(evt.Cancellation.Disposition)))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt), "job event", fields...)
	}
	return nil
}

func levelFor(evt progress.Event) zapcore.Level {
	switch evt.Stage {
	case progress.StageStalled:
		return zapcore.WarnLevel
	case progress.StageDropped:
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
