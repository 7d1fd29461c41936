// Package delivery forwards completed log segments to a notification
// channel. Delivery is fire-and-forget: callers log failures and move on.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Document is a file handed to a sink.
type Document struct {
	Path    string
	Caption string
}

// Sink transmits documents.
type Sink interface {
	Send(ctx context.Context, doc Document) error
}

// LogSink records deliveries in the log only. Used when no transport is
// configured; the file stays on disk.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that only logs.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, doc Document) error {
	if _, err := os.Stat(doc.Path); err != nil {
		return fmt.Errorf("stat %s: %w", doc.Path, err)
	}
	s.logger.Info("segment kept locally (no delivery configured)", "path", doc.Path, "caption", doc.Caption)
	return nil
}
