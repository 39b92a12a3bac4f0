// Package script runs server-side background scripts through an
// authenticated session.
package script

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/snowctl/internal/config"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/fsutil"
	"github.com/rcourtman/snowctl/internal/safety"
	"github.com/rcourtman/snowctl/internal/session"
)

const (
	runnerPath = "/sys.scripts.do"
	op         = "run_script"
)

// Result is the outcome of one script run.
type Result struct {
	Instance       string           `json:"instance"`
	Stdout         []string         `json:"stdout"`
	Messages       []string         `json:"messages"`
	Succeeded      bool             `json:"succeeded"`
	DiagnosticPath string           `json:"diagnostic_path"`
	Findings       []safety.Finding `json:"findings,omitempty"`
	Duration       time.Duration    `json:"-"`
}

// Executor submits scripts to the background script runner.
type Executor struct {
	cfg      *config.Config
	sessions *session.Manager
}

// NewExecutor creates an executor using sessions from m.
func NewExecutor(cfg *config.Config, m *session.Manager) *Executor {
	return &Executor{cfg: cfg, sessions: m}
}

// Execute runs src on host. The session must be Authenticated or Elevated.
// The raw response is always written to the instance's diagnostic file,
// whether or not it parses.
func (e *Executor) Execute(ctx context.Context, host, src string) (*Result, error) {
	if strings.TrimSpace(src) == "" {
		return nil, snowerrors.InvalidInput(op, fmt.Errorf("script is empty"))
	}

	s, unlock := e.sessions.Lock(host)
	defer unlock()

	if err := s.RequireAuthenticated(op); err != nil {
		return nil, err
	}

	start := time.Now()
	token, err := s.FetchFormToken(ctx, runnerPath, op)
	if err != nil {
		if snowerrors.KindOf(err) == snowerrors.KindInternal {
			return nil, snowerrors.Parse(op, host, err)
		}
		return nil, err
	}

	form := url.Values{
		"sysparm_ck":                {token},
		"runscript":                 {"Run script"},
		"record_for_rollback":       {"on"},
		"quota_managed_transaction": {"on"},
		"script":                    {src},
	}
	req, err := s.NewRequest(ctx, http.MethodPost, runnerPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.Do(req, op)
	diag := e.cfg.DiagnosticFile(host)
	if resp != nil {
		if werr := fsutil.WritePrivateFile(diag, resp.Body); werr != nil {
			log.Warn().Err(werr).Str("instance", host).Msg("Failed to write script diagnostics")
		}
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, snowerrors.Query(op, host, resp.StatusCode, "script execution failed")
	}

	parsed, err := ParseOutput(string(resp.Body))
	if err != nil {
		return nil, snowerrors.Parse(op, host, fmt.Errorf("%w (raw response saved to %s)", err, diag))
	}

	res := &Result{
		Instance:       host,
		Stdout:         parsed.Stdout,
		Messages:       parsed.Messages,
		Succeeded:      parsed.Succeeded,
		DiagnosticPath: diag,
		Findings:       safety.ClassifyScript(src),
		Duration:       time.Since(start),
	}
	if len(res.Findings) > 0 {
		log.Warn().
			Str("instance", host).
			Int("findings", len(res.Findings)).
			Msg("Script contains destructive operations")
	}
	log.Info().
		Str("instance", host).
		Bool("succeeded", res.Succeeded).
		Int("stdout_lines", len(res.Stdout)).
		Dur("elapsed", res.Duration).
		Msg("Script executed")
	return res, nil
}
