package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/snowctl/internal/config"
	"github.com/rcourtman/snowctl/internal/credentials"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/metrics"
	"github.com/rcourtman/snowctl/pkg/tlsutil"
)

const (
	// DefaultPageSize is the sysparm_limit used for each page of a search.
	DefaultPageSize = 1000

	maxResponseBytes = 64 << 20
	userAgent        = "snowctl"
)

// Engine executes reads against the REST APIs using basic authentication.
// It shares no state with interactive sessions.
type Engine struct {
	creds    credentials.Source
	client   *http.Client
	pageSize int
}

// NewEngine creates an engine that authenticates with creds.
func NewEngine(cfg *config.Config, creds credentials.Source) *Engine {
	return &Engine{
		creds: creds,
		client: tlsutil.CreateHTTPClient(tlsutil.ClientOptions{
			VerifyTLS:   cfg.VerifyTLS,
			Fingerprint: cfg.TLSFingerprint,
			Timeout:     cfg.Timeout,
		}),
		pageSize: DefaultPageSize,
	}
}

// SetPageSize overrides the page size. Values <= 0 restore the default.
func (e *Engine) SetPageSize(n int) {
	if n <= 0 {
		n = DefaultPageSize
	}
	e.pageSize = n
}

// Search runs q, following pages until the limit is met or a short page is
// returned.
func (e *Engine) Search(ctx context.Context, host string, q Query) (*RecordSet, error) {
	const op = "search_records"

	rs := &RecordSet{Table: q.table, Display: q.display}
	path := "/api/now/table/" + url.PathEscape(q.table)

	for {
		want := e.pageSize
		if q.limit > 0 {
			if remaining := q.limit - len(rs.Records); remaining < want {
				want = remaining
			}
		}
		body, err := e.get(ctx, host, path, q.params(q.offset+len(rs.Records), want), op)
		if err != nil {
			return nil, err
		}
		page, err := decodeResult(body)
		if err != nil {
			return nil, snowerrors.Parse(op, host, fmt.Errorf("decode %s response: %w", q.table, err))
		}
		rs.Records = append(rs.Records, page...)

		if len(page) < want || (q.limit > 0 && len(rs.Records) >= q.limit) {
			break
		}
	}
	// The platform may ignore sysparm_limit.
	if q.limit > 0 && len(rs.Records) > q.limit {
		rs.Records = rs.Records[:q.limit]
	}

	rs.resolveColumns(q.fields)
	log.Debug().
		Str("instance", host).
		Str("table", q.table).
		Int("records", len(rs.Records)).
		Msg("Search complete")
	return rs, nil
}

// Count returns the number of records in table matching filter.
func (e *Engine) Count(ctx context.Context, host, table, filter string) (int, error) {
	const op = "count_records"

	q, err := New(Options{Table: table, Filter: filter, All: true})
	if err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("sysparm_count", "true")
	if q.filter != "" {
		params.Set("sysparm_query", q.filter)
	}
	body, err := e.get(ctx, host, "/api/now/stats/"+url.PathEscape(q.table), params, op)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Result struct {
			Stats struct {
				Count json.RawMessage `json:"count"`
			} `json:"stats"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, snowerrors.Parse(op, host, fmt.Errorf("decode stats response: %w", err))
	}
	raw := strings.Trim(string(payload.Result.Stats.Count), `"`)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, snowerrors.Parse(op, host, fmt.Errorf("invalid count %q", raw))
	}
	return n, nil
}

// get performs an authenticated GET and returns the body of a 200 response.
func (e *Engine) get(ctx context.Context, host, path string, params url.Values, op string) ([]byte, error) {
	cred, err := e.creds.Get(host)
	if err != nil {
		return nil, err
	}

	u := config.BaseURL(host) + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, snowerrors.InvalidInput(op, err)
	}
	req.SetBasicAuth(cred.Username, cred.Secret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(op, 0, time.Since(start))
		return nil, snowerrors.Network(op, host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	metrics.RecordRemoteRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, snowerrors.Network(op, host, fmt.Errorf("read response: %w", err))
	}

	log.Debug().
		Str("instance", host).
		Str("op", op).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Instance request")

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, snowerrors.Authentication(op, host, nil).
			WithStatusCode(resp.StatusCode).
			WithMessage(snowerrors.RemoteMessage(body))
	default:
		return nil, snowerrors.Query(op, host, resp.StatusCode, snowerrors.RemoteMessage(body))
	}
}
