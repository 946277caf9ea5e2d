package observability

import (
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithLease(logger *slog.Logger, leaseID string) *slog.Logger {
	if logger == nil || leaseID == "" {
		return logger
	}
	return logger.With("lease_id", leaseID)
}

func WithNode(logger *slog.Logger, node string) *slog.Logger {
	if logger == nil || node == "" {
		return logger
	}
	return logger.With("node", node)
}

func WithTask(logger *slog.Logger, taskID string) *slog.Logger {
	if logger == nil || taskID == "" {
		return logger
	}
	return logger.With("task_id", taskID)
}
