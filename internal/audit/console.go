package audit

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConsoleSink echoes records through zerolog.
type ConsoleSink struct {
	logger zerolog.Logger
}

// NewConsoleSink writes to the global logger.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{logger: log.Logger}
}

// NewConsoleSinkWithLogger writes to l.
func NewConsoleSinkWithLogger(l zerolog.Logger) *ConsoleSink {
	return &ConsoleSink{logger: l}
}

func (c *ConsoleSink) Name() string { return "console" }

// Log writes a record to zerolog.
func (c *ConsoleSink) Log(rec Record) error {
	logEvent := c.logger.With().
		Str("audit_id", rec.ID).
		Str("tool", rec.Tool).
		Str("instance", rec.Instance).
		Int64("duration_ms", rec.DurationMS).
		Logger()

	if rec.Outcome == OutcomeSuccess {
		logEvent.Info().Msg("Audit event")
	} else {
		logEvent.Warn().
			Str("error_kind", rec.ErrorKind).
			Str("error", rec.Error).
			Msg("Audit event - FAILED")
	}
	return nil
}

// Close is a no-op for the console sink.
func (c *ConsoleSink) Close() error { return nil }
