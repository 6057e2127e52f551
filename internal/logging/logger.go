// Package logging defines the structured-logging interface used across
// petsync. The only implementation wraps log/slog.
package logging

import "context"

// Logger takes a message plus alternating key and value arguments:
//
//	log.Info(ctx, "push completed", "accepted", n, "version", v)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child that adds args to every record.
	With(args ...any) Logger
}
