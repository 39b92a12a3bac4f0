// Package audit records every privileged operation.
//
// A Logger fans each Record out to one or more Sinks: the NDJSON file that is
// always on, the optional SQLite history behind `snow audit`, and a zerolog
// echo for interactive use. A failing sink is logged and counted, never
// surfaced to the wrapped call.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/snowctl/internal/config"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/logging"
	"github.com/rcourtman/snowctl/internal/metrics"
	"github.com/rcourtman/snowctl/internal/safety"
)

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Record is a single audit log entry.
type Record struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"ts"`
	Tool       string         `json:"tool"`
	Instance   string         `json:"instance,omitempty"`
	Params     map[string]any `json:"params"`
	Outcome    string         `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Filter narrows a history query.
type Filter struct {
	Tool     string
	Outcome  string
	Instance string
	Since    *time.Time
	Limit    int
}

func (f Filter) matches(rec Record) bool {
	if f.Tool != "" && rec.Tool != f.Tool {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if f.Instance != "" && rec.Instance != f.Instance {
		return false
	}
	if f.Since != nil && rec.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

// Sink persists audit records.
type Sink interface {
	// Name labels the sink in logs and metrics.
	Name() string
	Log(rec Record) error
	Close() error
}

// Logger wraps operations so that each produces exactly one Record.
type Logger struct {
	mu    sync.RWMutex
	sinks []Sink
	now   func() time.Time
}

// NewLogger returns a Logger writing to sinks.
func NewLogger(sinks ...Sink) *Logger {
	return &Logger{sinks: sinks, now: time.Now}
}

// Open builds the logger described by cfg: the NDJSON file always, the
// SQLite history when enabled, and a console echo when echo is set. A history
// database that cannot be opened is logged and skipped.
func Open(ctx context.Context, cfg *config.Config, echo bool) *Logger {
	l := NewLogger(NewFileSink(cfg.AuditLogFile()))
	if cfg.AuditDB {
		db, err := OpenSQLite(ctx, cfg.AuditDBFile())
		if err != nil {
			metrics.RecordAuditWriteFailure("sqlite")
			log.Warn().Err(err).Msg("Audit history unavailable; continuing with the log file only")
		} else {
			l.AddSink(db)
		}
	}
	if echo {
		l.AddSink(NewConsoleSink())
	}
	return l
}

// AddSink attaches another sink.
func (l *Logger) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Wrap runs fn and records its outcome. Parameters are redacted before
// anything is written. A panic in fn is recorded as an error and re-raised.
func (l *Logger) Wrap(ctx context.Context, tool, instance string, params map[string]any, fn func(context.Context) error) (err error) {
	ctx, requestID := logging.WithRequestID(ctx, logging.RequestID(ctx))
	start := l.now()
	rec := Record{
		ID:        requestID,
		Timestamp: start.UTC(),
		Tool:      tool,
		Instance:  instance,
		Params:    safety.RedactParams(params),
	}

	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		elapsed := l.now().Sub(start)
		rec.DurationMS = elapsed.Milliseconds()
		rec.Outcome = OutcomeSuccess
		if err != nil {
			rec.Outcome = OutcomeError
			rec.ErrorKind = string(snowerrors.KindOf(err))
			rec.Error, _ = safety.RedactSensitiveText(err.Error())
		}
		metrics.RecordToolInvocation(tool, err, elapsed)
		l.write(rec)
		if r != nil {
			panic(r)
		}
	}()

	return fn(ctx)
}

func (l *Logger) write(rec Record) {
	l.mu.RLock()
	sinks := l.sinks
	l.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Log(rec); err != nil {
			metrics.RecordAuditWriteFailure(s.Name())
			log.Error().Err(err).
				Str("sink", s.Name()).
				Str("audit_id", rec.ID).
				Str("tool", rec.Tool).
				Msg("Failed to write audit record")
		}
	}
}

// Close closes every sink and returns the first error.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.sinks = nil
	return first
}

// newID is used by sinks that receive records without one.
func newID() string { return uuid.NewString() }
