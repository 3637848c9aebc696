// Package log sets up structured logging for the sync agent and threads
// a per-run correlation id through context.Context.
package log

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mode selects the output encoding: "dev" and the empty mode print a
// human-readable console format, anything else (including "prod")
// prints JSON.
type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// New builds the base logger for a run. Pass the run's correlation id
// so every line carries it.
func New(mode Mode, runID string) zerolog.Logger {
	l := zerolog.New(os.Stderr).With().Timestamp().Caller().Str("run_id", runID).Logger()
	if mode == ModeDev || mode == "" {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return l
}

// NewRunID mints a correlation id for a single invocation of the sync
// agent.
func NewRunID() string {
	return uuid.NewString()
}

type ctxKey struct{}

// WithLogger returns a context carrying l, retrievable with FromContext.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the logger stored in ctx, or a disabled logger if
// none was attached.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
