package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/fsutil"
	"github.com/rcourtman/snowctl/internal/metrics"
)

// State is the authentication state of a session.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateElevated       State = "elevated"
)

// maxBodyBytes bounds how much of any response is read into memory.
const maxBodyBytes = 32 << 20

var (
	formTokenRE = regexp.MustCompile(`sysparm_ck[^>]*value="([a-zA-Z0-9_]+)"`)
	userTokenRE = regexp.MustCompile(`g_ck = '([a-zA-Z0-9_]+)'`)
)

// Status is a read-only view of a session.
type Status struct {
	Instance      string    `json:"instance"`
	State         State     `json:"state"`
	Elevated      bool      `json:"elevated"`
	Role          string    `json:"role,omitempty"`
	EstablishedAt time.Time `json:"established_at,omitempty"`
	Cookies       int       `json:"cookies"`
}

// Session is the per-instance authenticated HTTP conversation. All
// read-modify-write sequences on a Session run under its mutex; Manager.Lock
// hands out that exclusive section.
type Session struct {
	Host    string
	baseURL string
	file    string

	mu            sync.Mutex
	jar           *persistentJar
	client        *http.Client
	state         State
	role          string
	establishedAt time.Time
}

type sessionFile struct {
	State         State          `json:"state"`
	Elevated      bool           `json:"elevated"`
	Role          string         `json:"role,omitempty"`
	EstablishedAt time.Time      `json:"established_at,omitempty"`
	Cookies       []storedCookie `json:"cookies"`
}

// State returns the current state. Callers hold the session lock.
func (s *Session) State() State { return s.state }

// Elevated reports whether the session holds an elevated role.
func (s *Session) Elevated() bool { return s.state == StateElevated }

// Authenticated reports whether the session is Authenticated or Elevated.
func (s *Session) Authenticated() bool {
	return s.state == StateAuthenticated || s.state == StateElevated
}

func (s *Session) status() Status {
	return Status{
		Instance:      s.Host,
		State:         s.state,
		Elevated:      s.state == StateElevated,
		Role:          s.role,
		EstablishedAt: s.establishedAt,
		Cookies:       s.jar.Len(),
	}
}

// RequireAuthenticated returns NotAuthenticated unless the session is
// Authenticated or Elevated.
func (s *Session) RequireAuthenticated(op string) error {
	if !s.Authenticated() {
		return snowerrors.NotAuthenticated(op, s.Host)
	}
	return nil
}

// NewRequest builds a request against the instance.
func (s *Session) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	FinalPath  string
	Body       []byte
}

// Do sends req and reads the body. Any sign that the platform no longer
// considers the session logged in (401, landing on the login page, or
// X-Is-Logged-In: false) moves an Authenticated/Elevated session back to
// Anonymous, persists that, and returns SessionExpired. Callers hold the
// session lock.
func (s *Session) Do(req *http.Request, op string) (*Response, error) {
	resp, err := s.send(req, op)
	if err != nil {
		return nil, err
	}
	if s.Authenticated() && loggedOut(resp, true) {
		s.expire(op)
		return resp, snowerrors.SessionExpired(op, s.Host).WithStatusCode(resp.StatusCode)
	}
	return resp, nil
}

// send performs the exchange without expiry detection.
func (s *Session) send(req *http.Request, op string) (*Response, error) {
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(op, 0, time.Since(start))
		return nil, snowerrors.Network(op, s.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.RecordRemoteRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, snowerrors.Network(op, s.Host, fmt.Errorf("read response: %w", err))
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if resp.Request != nil && resp.Request.URL != nil {
		out.FinalPath = resp.Request.URL.Path
	}
	log.Debug().
		Str("instance", s.Host).
		Str("op", op).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Instance request")
	return out, nil
}

// FetchFormToken loads path and extracts the sysparm_ck anti-forgery token.
func (s *Session) FetchFormToken(ctx context.Context, path, op string) (string, error) {
	req, err := s.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.Do(req, op)
	if err != nil {
		return "", err
	}
	token := extractToken(formTokenRE, resp.Body)
	if token == "" {
		return "", fmt.Errorf("could not obtain security token from %s (HTTP %d)", path, resp.StatusCode)
	}
	return token, nil
}

func (s *Session) expire(op string) {
	log.Warn().Str("instance", s.Host).Str("op", op).Msg("Session expired; login required")
	metrics.RecordSessionExpired()
	s.state = StateAnonymous
	s.role = ""
	s.establishedAt = time.Time{}
	s.jar.Reset()
	s.persist()
}

func (s *Session) persist() {
	doc := sessionFile{
		State:         s.state,
		Elevated:      s.state == StateElevated,
		Role:          s.role,
		EstablishedAt: s.establishedAt,
		Cookies:       s.jar.snapshot(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err == nil {
		err = fsutil.WritePrivateFile(s.file, data)
	}
	if err != nil {
		log.Warn().Err(err).Str("instance", s.Host).Msg("Failed to persist session")
	}
}

// load restores state from disk. A missing or corrupt file yields an
// anonymous session.
func (s *Session) load() {
	data, err := os.ReadFile(s.file)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("instance", s.Host).Msg("Failed to read session file")
		}
		return
	}
	var doc sessionFile
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn().Err(err).Str("instance", s.Host).Msg("Ignoring corrupt session file")
		return
	}
	s.jar.restore(doc.Cookies)
	switch doc.State {
	case StateAuthenticated, StateElevated:
		if s.jar.Len() == 0 {
			return
		}
		s.state = doc.State
		s.role = doc.Role
		s.establishedAt = doc.EstablishedAt
	}
}

func (s *Session) clear() {
	s.state = StateAnonymous
	s.role = ""
	s.establishedAt = time.Time{}
	s.jar.Reset()
	if err := os.Remove(s.file); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("instance", s.Host).Msg("Failed to remove session file")
	}
}

func extractToken(re *regexp.Regexp, body []byte) string {
	m := re.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// loggedOut reports whether resp shows an unauthenticated conversation.
func loggedOut(resp *Response, count401 bool) bool {
	if count401 && resp.StatusCode == http.StatusUnauthorized {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(resp.Header.Get("X-Is-Logged-In")), "false") {
		return true
	}
	switch strings.ToLower(resp.FinalPath) {
	case "/login.do", "/login_redirect.do":
		return true
	}
	return false
}
