package monitor

import (
	"context"
	"log/slog"
)

// LogSink is the default AlertSink: it logs at a level derived from
// Severity, mirroring the teacher's DefaultErrorHandler logging-only
// fallback.
type LogSink struct{}

// Alert logs a at a slog level matching its Severity.
func (LogSink) Alert(ctx context.Context, a Alert) {
	args := []any{"metric", a.Metric, "message", a.Message}
	if a.WorkerID != "" {
		args = append(args, "worker_id", a.WorkerID)
	}
	switch a.Severity {
	case SeverityCritical, SeverityHigh:
		slog.ErrorContext(ctx, "alert", args...)
	case SeverityWarning:
		slog.WarnContext(ctx, "alert", args...)
	default:
		slog.InfoContext(ctx, "alert", args...)
	}
}
