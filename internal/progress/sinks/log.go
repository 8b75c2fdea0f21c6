package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/progress"
)

// LogSink emits structured logs for progress streams. Periodic stages log at
// debug level so a long run does not flood the output.
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
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.Int64("items", evt.Items),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Stage.IsTask() {
			fields = append(fields, zap.String("task_id", evt.TaskID))
		} else {
			fields = append(fields, zap.Int("worker_id", evt.WorkerID), zap.String("url", evt.URL))
		}
		if evt.Failures > 0 {
			fields = append(fields, zap.Int64("failures", evt.Failures))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageRunProgress, progress.StageWorkerProgress:
			s.logger.Debug("progress event", fields...)
		case progress.StageWorkerFailed, progress.StageTaskDeadLetter:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
