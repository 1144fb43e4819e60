// Package events provides the outbound event emitter.
package events

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"renderd/internal/domain"
)

// LogEmitter writes lifecycle events to the structured log. It is the
// default emitter; consumers that need a bus can swap in their own
// domain.Emitter.
type LogEmitter struct {
	Logger zerolog.Logger
}

// NewLogEmitter returns an emitter writing to the given logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{Logger: logger}
}

// Emit records the event. Emission is fire-and-forget.
func (e *LogEmitter) Emit(ctx context.Context, name string, payload json.RawMessage) {
	e.Logger.Info().
		Str("event", name).
		RawJSON("payload", payload).
		Msg("lifecycle event")
}

var _ domain.Emitter = (*LogEmitter)(nil)
