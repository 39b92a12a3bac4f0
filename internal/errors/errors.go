package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Base error types
var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrElevation        = errors.New("elevation failed")
	ErrSessionExpired   = errors.New("session expired")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNetwork          = errors.New("network error")
	ErrQuery            = errors.New("query failed")
	ErrParse            = errors.New("unparseable response")
	ErrFormat           = errors.New("unsupported output")
	ErrSandbox          = errors.New("output path rejected")
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
)

// Kind represents the category of error
type Kind string

const (
	KindAuthentication   Kind = "authentication"
	KindElevation        Kind = "elevation"
	KindSessionExpired   Kind = "session_expired"
	KindNotAuthenticated Kind = "not_authenticated"
	KindNetwork          Kind = "network"
	KindQuery            Kind = "query"
	KindParse            Kind = "parse"
	KindFormat           Kind = "format"
	KindSandbox          Kind = "sandbox_violation"
	KindNotFound         Kind = "not_found"
	KindInvalidInput     Kind = "invalid_input"
	KindInternal         Kind = "internal"
)

var sentinels = map[Kind]error{
	KindAuthentication:   ErrAuthentication,
	KindElevation:        ErrElevation,
	KindSessionExpired:   ErrSessionExpired,
	KindNotAuthenticated: ErrNotAuthenticated,
	KindNetwork:          ErrNetwork,
	KindQuery:            ErrQuery,
	KindParse:            ErrParse,
	KindFormat:           ErrFormat,
	KindSandbox:          ErrSandbox,
	KindNotFound:         ErrNotFound,
	KindInvalidInput:     ErrInvalidInput,
}

// OpError is a structured error for instance operations
type OpError struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "login", "search_records")
	Instance   string // Instance hostname where error occurred
	StatusCode int    // HTTP status code if applicable
	Message    string // Message reported by the remote platform, if any
	Err        error  // Underlying error
	Timestamp  time.Time
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" failed")
	if e.Instance != "" {
		b.WriteString(" on ")
		b.WriteString(e.Instance)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if e.Message == "" {
		if s, ok := sentinels[e.Kind]; ok {
			b.WriteString(": ")
			b.WriteString(s.Error())
		}
	}
	return b.String()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *OpError) Is(target error) bool {
	if target == nil {
		return false
	}
	if s, ok := sentinels[e.Kind]; ok && s == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a new OpError
func New(kind Kind, op, instance string, err error) *OpError {
	return &OpError{
		Kind:      kind,
		Op:        op,
		Instance:  instance,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *OpError) WithStatusCode(code int) *OpError {
	e.StatusCode = code
	return e
}

// WithMessage attaches the remote platform's message
func (e *OpError) WithMessage(msg string) *OpError {
	e.Message = strings.TrimSpace(msg)
	return e
}

// Helper functions

func Authentication(op, instance string, err error) *OpError {
	return New(KindAuthentication, op, instance, err)
}

func Elevation(op, instance string, err error) *OpError {
	return New(KindElevation, op, instance, err)
}

func SessionExpired(op, instance string) *OpError {
	return New(KindSessionExpired, op, instance, nil)
}

func NotAuthenticated(op, instance string) *OpError {
	return New(KindNotAuthenticated, op, instance, nil)
}

func Network(op, instance string, err error) *OpError {
	return New(KindNetwork, op, instance, err)
}

func Query(op, instance string, statusCode int, msg string) *OpError {
	return New(KindQuery, op, instance, nil).WithStatusCode(statusCode).WithMessage(msg)
}

func Parse(op, instance string, err error) *OpError {
	return New(KindParse, op, instance, err)
}

func Format(op string, err error) *OpError {
	return New(KindFormat, op, "", err)
}

func NotFound(op, instance string, err error) *OpError {
	return New(KindNotFound, op, instance, err)
}

func InvalidInput(op string, err error) *OpError {
	return New(KindInvalidInput, op, "", err)
}

// KindOf reports the kind of the first OpError in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindInternal
}

// StatusCodeOf returns the HTTP status attached to err, or 0.
func StatusCodeOf(err error) int {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.StatusCode
	}
	return 0
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNotAuthenticated) {
		return true
	}
	code := StatusCodeOf(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// RemoteMessage extracts error.message (and error.detail) from a platform JSON
// error body, or returns a short prefix of the raw body.
func RemoteMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
			Detail  any    `json:"detail"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error.Message != "" {
		if detail, ok := payload.Error.Detail.(string); ok && detail != "" {
			return payload.Error.Message + ": " + detail
		}
		return payload.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
