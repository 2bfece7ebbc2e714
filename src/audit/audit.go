// Package audit emits audit events to an external sink. The server only
// produces events; storage and retention belong to the audit subsystem
// consuming them.
package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Sink receives audit events. Implementations must be fast and must never
// surface failures to the caller; a lost audit event never affects a live
// connection.
type Sink interface {
	Record(event string, attrs map[string]any)
}

// Event is the envelope written by sinks that serialize.
type Event struct {
	Event string         `json:"event"`
	Attrs map[string]any `json:"attrs,omitempty"`
	Time  time.Time      `json:"time"`
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(string, map[string]any) {}

// Logger writes events to a zerolog logger at info level.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger returns a sink that logs events.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

func (l *Logger) Record(event string, attrs map[string]any) {
	l.logger.Info().Fields(attrs).Str("event", event).Msg("audit")
}
