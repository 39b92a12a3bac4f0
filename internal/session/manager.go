package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/snowctl/internal/config"
	"github.com/rcourtman/snowctl/internal/credentials"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/metrics"
	"github.com/rcourtman/snowctl/pkg/tlsutil"
)

const (
	userAgent = "snowctl"

	loginPath       = "/login.do"
	navPagePath     = "/navpage.do"
	impersonatePath = "/api/now/ui/impersonate/role"
)

// Manager is the registry of per-instance sessions, keyed by hostname.
// Sessions for different instances proceed independently.
type Manager struct {
	cfg   *config.Config
	creds credentials.Source

	mu       sync.Mutex
	sessions map[string]*Session
	logins   singleflight.Group

	newClient func(jar http.CookieJar) *http.Client
}

// NewManager creates a registry. Sessions are loaded from disk lazily.
func NewManager(cfg *config.Config, creds credentials.Source) *Manager {
	return &Manager{
		cfg:      cfg,
		creds:    creds,
		sessions: map[string]*Session{},
		newClient: func(jar http.CookieJar) *http.Client {
			return tlsutil.CreateHTTPClient(tlsutil.ClientOptions{
				VerifyTLS:   cfg.VerifyTLS,
				Fingerprint: cfg.TLSFingerprint,
				Timeout:     cfg.Timeout,
				Jar:         jar,
			})
		},
	}
}

func (m *Manager) session(host string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[host]; ok {
		return s
	}
	jar := newPersistentJar()
	s := &Session{
		Host:    host,
		baseURL: config.BaseURL(host),
		file:    m.cfg.SessionFile(host),
		jar:     jar,
		client:  m.newClient(jar),
		state:   StateAnonymous,
	}
	s.load()
	m.sessions[host] = s
	return s
}

// Lock enters the exclusive section for host. The returned function must be
// called to leave it.
func (m *Manager) Lock(host string) (*Session, func()) {
	s := m.session(host)
	s.mu.Lock()
	return s, s.mu.Unlock
}

// Status returns the current state of host's session.
func (m *Manager) Status(host string) Status {
	s, unlock := m.Lock(host)
	defer unlock()
	return s.status()
}

// Login establishes a fresh authenticated session. Concurrent callers for
// the same host share one in-flight login.
func (m *Manager) Login(ctx context.Context, host string) (Status, error) {
	v, err, shared := m.logins.Do(host, func() (any, error) {
		cred, err := m.creds.Get(host)
		if err != nil {
			return Status{}, err
		}
		s, unlock := m.Lock(host)
		defer unlock()
		err = s.login(ctx, cred)
		metrics.RecordLogin(err)
		return s.status(), err
	})
	if shared {
		log.Debug().Str("instance", host).Msg("Joined in-flight login")
	}
	st, _ := v.(Status)
	return st, err
}

func (s *Session) login(ctx context.Context, cred credentials.Credential) error {
	const op = "login"

	s.state = StateAuthenticating
	s.role = ""
	s.jar.Reset()

	fail := func(err error) error {
		s.state = StateAnonymous
		s.jar.Reset()
		s.persist()
		return err
	}

	req, err := s.NewRequest(ctx, http.MethodGet, loginPath, nil)
	if err != nil {
		return fail(err)
	}
	page, err := s.send(req, op)
	if err != nil {
		return fail(loginUnreachable(op, s.Host, err))
	}
	token := extractToken(formTokenRE, page.Body)
	if token == "" {
		return fail(snowerrors.Authentication(op, s.Host,
			fmt.Errorf("could not obtain login token (HTTP %d)", page.StatusCode)).WithStatusCode(page.StatusCode))
	}

	form := url.Values{
		"sysparm_ck":              {token},
		"user_name":               {cred.Username},
		"user_password":           {cred.Secret},
		"ni.nolog.user_password":  {"true"},
		"ni.noecho.user_name":     {"true"},
		"ni.noecho.user_password": {"true"},
		"screensize":              {"1920x1080"},
		"sys_action":              {"sysverb_login"},
	}
	req, err = s.NewRequest(ctx, http.MethodPost, loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.send(req, op)
	if err != nil {
		return fail(loginUnreachable(op, s.Host, err))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(snowerrors.Authentication(op, s.Host, nil).WithStatusCode(resp.StatusCode))
	}
	if rejectedLogin(resp) {
		return fail(snowerrors.Authentication(op, s.Host, fmt.Errorf("credentials rejected for %s", cred.Username)))
	}

	s.state = StateAuthenticated
	s.establishedAt = time.Now().UTC()
	s.persist()
	log.Info().Str("instance", s.Host).Str("user", cred.Username).Msg("Logged in")
	return nil
}

// loginUnreachable reports a failed login exchange as an authentication
// error that still matches ErrNetwork.
func loginUnreachable(op, host string, err error) error {
	cause := err
	var opErr *snowerrors.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		cause = opErr.Err
	}
	return snowerrors.Authentication(op, host, fmt.Errorf("%w: %w", snowerrors.ErrNetwork, cause))
}

// rejectedLogin reports whether the login POST landed back on the login form.
func rejectedLogin(resp *Response) bool {
	if strings.EqualFold(strings.TrimSpace(resp.Header.Get("X-Is-Logged-In")), "false") {
		return true
	}
	return bytes.Contains(resp.Body, []byte(`name="user_password"`))
}

// Elevate obtains role on an authenticated session. Elevating a session that
// already holds role is a no-op and performs no request.
func (m *Manager) Elevate(ctx context.Context, host, role string) (Status, error) {
	if role == "" {
		role = m.cfg.ElevateRole
	}
	if role == "" {
		role = config.DefaultElevateRole
	}

	s, unlock := m.Lock(host)
	defer unlock()

	if s.state == StateElevated && s.role == role {
		return s.status(), nil
	}
	err := s.elevate(ctx, role)
	metrics.RecordElevation(err)
	return s.status(), err
}

func (s *Session) elevate(ctx context.Context, role string) error {
	const op = "elevate"

	if err := s.RequireAuthenticated(op); err != nil {
		return err
	}

	req, err := s.NewRequest(ctx, http.MethodGet, navPagePath, nil)
	if err != nil {
		return err
	}
	page, err := s.Do(req, op)
	if err != nil {
		return err
	}
	token := extractToken(userTokenRE, page.Body)
	if token == "" {
		return snowerrors.Elevation(op, s.Host, fmt.Errorf("could not obtain user token from %s", navPagePath))
	}

	payload, err := json.Marshal(map[string]string{"roles": role})
	if err != nil {
		return err
	}
	req, err = s.NewRequest(ctx, http.MethodPost, impersonatePath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("X-UserToken", token)
	req.Header.Set("X-WantSessionNotificationMessages", "true")

	resp, err := s.send(req, op)
	if err != nil {
		return err
	}
	// A 401 here means the role was refused; only a redirect to the login
	// page or an explicit logged-out header means the session is gone.
	if loggedOut(resp, false) {
		s.expire(op)
		return snowerrors.SessionExpired(op, s.Host).WithStatusCode(resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return snowerrors.Elevation(op, s.Host, nil).
			WithStatusCode(resp.StatusCode).
			WithMessage(snowerrors.RemoteMessage(resp.Body))
	}

	s.state = StateElevated
	s.role = role
	s.persist()
	log.Info().Str("instance", s.Host).Str("role", role).Msg("Session elevated")
	return nil
}

// Logout drops the session and removes its file.
func (m *Manager) Logout(host string) error {
	s, unlock := m.Lock(host)
	defer unlock()
	s.clear()
	log.Info().Str("instance", host).Msg("Logged out")
	return nil
}

// Forget drops host from the registry, e.g. after the instance is removed.
func (m *Manager) Forget(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, host)
}
