package events

import (
	"context"
	"log/slog"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, ev Event) error {
	s.logger.InfoContext(ctx, "settlement event",
		"event", string(ev.Type),
		"event_id", ev.ID,
		"transaction_id", ev.TransactionID,
		"escrow_id", ev.EscrowID,
		"dispute_id", ev.DisputeID,
		"actor_id", ev.ActorID,
		"status", ev.Status,
	)
	return nil
}
