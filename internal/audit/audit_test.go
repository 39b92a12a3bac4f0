package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/snowctl/internal/config"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/logging"
	"github.com/rcourtman/snowctl/internal/safety"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Log(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) all() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

func readLines(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestWrapRecordsSuccess(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink)

	called := false
	err := l.Wrap(context.Background(), "snow_count_records", "dev.example.com",
		map[string]any{"table": "incident", "password": "hunter2"},
		func(ctx context.Context) error {
			called = true
			return nil
		})
	require.NoError(t, err)
	assert.True(t, called)

	recs := sink.all()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "snow_count_records", rec.Tool)
	assert.Equal(t, "dev.example.com", rec.Instance)
	assert.Equal(t, OutcomeSuccess, rec.Outcome)
	assert.Empty(t, rec.Error)
	assert.Empty(t, rec.ErrorKind)
	assert.Equal(t, "incident", rec.Params["table"])
	assert.Equal(t, safety.RedactedValue, rec.Params["password"])
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
}

func TestWrapRecordsErrorKindAndRedactsMessage(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink)

	cause := snowerrors.Authentication("login", "dev.example.com", errors.New("password = hunter2 rejected"))
	err := l.Wrap(context.Background(), "snow_login", "dev.example.com", nil, func(context.Context) error {
		return cause
	})
	require.ErrorIs(t, err, snowerrors.ErrAuthentication)

	recs := sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeError, recs[0].Outcome)
	assert.Equal(t, string(snowerrors.KindAuthentication), recs[0].ErrorKind)
	assert.NotContains(t, recs[0].Error, "hunter2")
	assert.Contains(t, recs[0].Error, "[REDACTED]")
}

func TestWrapRedactsScriptBody(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink)

	require.NoError(t, l.Wrap(context.Background(), "snow_run_script", "", map[string]any{"script": "gs.print('x');"},
		func(context.Context) error { return nil }))
	assert.Equal(t, "<redacted: 14 chars>", sink.all()[0].Params["script"])
}

func TestWrapRecordsPanicThenRepanics(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink)

	assert.PanicsWithValue(t, "boom", func() {
		_ = l.Wrap(context.Background(), "snow_run_script", "", nil, func(context.Context) error {
			panic("boom")
		})
	})

	recs := sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeError, recs[0].Outcome)
	assert.Equal(t, "panic: boom", recs[0].Error)
}

func TestWrapPassesRequestIDToContext(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink)

	var seen string
	require.NoError(t, l.Wrap(context.Background(), "snow_list_instances", "", nil, func(ctx context.Context) error {
		seen = logging.RequestID(ctx)
		return nil
	}))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, sink.all()[0].ID)
}

func TestWrapMeasuresDuration(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	l.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(1500 * time.Millisecond)
	}

	require.NoError(t, l.Wrap(context.Background(), "snow_table_schema", "", nil, func(context.Context) error { return nil }))
	assert.Equal(t, int64(1500), sink.all()[0].DurationMS)
}

func TestSinkFailureDoesNotFailCall(t *testing.T) {
	broken := &memorySink{err: errors.New("disk full")}
	good := &memorySink{}
	l := NewLogger(broken, good)

	err := l.Wrap(context.Background(), "snow_count_records", "", nil, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Len(t, good.all(), 1)
}

func TestFileSinkAppendsNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	l := NewLogger(NewFileSink(path))

	for i := 0; i < 3; i++ {
		_ = l.Wrap(context.Background(), fmt.Sprintf("tool_%d", i), "dev.example.com", map[string]any{"n": i},
			func(context.Context) error {
				if i == 1 {
					return snowerrors.Query("search_records", "dev.example.com", 400, "Invalid table")
				}
				return nil
			})
	}

	recs := readLines(t, path)
	require.Len(t, recs, 3)
	assert.Equal(t, "tool_0", recs[0].Tool)
	assert.Equal(t, OutcomeError, recs[1].Outcome)
	assert.Equal(t, string(snowerrors.KindQuery), recs[1].ErrorKind)
	assert.Equal(t, OutcomeSuccess, recs[2].Outcome)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestFileSinkRawKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink := NewFileSink(path)
	require.NoError(t, sink.Log(Record{Tool: "snow_login", Outcome: OutcomeSuccess, Timestamp: time.Now().UTC()}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "ts", "tool", "params", "outcome", "duration_ms"} {
		assert.Contains(t, raw, key)
	}
}

func TestFileSinkConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(NewFileSink(path))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Wrap(context.Background(), "snow_count_records", "", map[string]any{"query": strings.Repeat("x", 2000)},
				func(context.Context) error { return nil })
		}()
	}
	wg.Wait()

	assert.Len(t, readLines(t, path), 50)
}

func TestReadFileFiltersAndOrders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink := NewFileSink(path)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Log(Record{Tool: "snow_login", Outcome: OutcomeSuccess, Timestamp: base}))
	require.NoError(t, sink.Log(Record{Tool: "snow_run_script", Outcome: OutcomeError, Timestamp: base.Add(time.Minute)}))
	require.NoError(t, sink.Log(Record{Tool: "snow_run_script", Outcome: OutcomeSuccess, Timestamp: base.Add(2 * time.Minute)}))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	all, err := ReadFile(path, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.Equal(base.Add(2*time.Minute)))

	scripts, err := ReadFile(path, Filter{Tool: "snow_run_script", Outcome: OutcomeError})
	require.NoError(t, err)
	require.Len(t, scripts, 1)

	limited, err := ReadFile(path, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	missing, err := ReadFile(filepath.Join(t.TempDir(), "none.log"), Filter{})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestConsoleSink(t *testing.T) {
	var buf strings.Builder
	sink := NewConsoleSinkWithLogger(zerolog.New(&buf))

	require.NoError(t, sink.Log(Record{ID: "a1", Tool: "snow_login", Outcome: OutcomeSuccess}))
	require.NoError(t, sink.Log(Record{ID: "a2", Tool: "snow_elevate", Outcome: OutcomeError, ErrorKind: "elevation"}))

	out := buf.String()
	assert.Contains(t, out, `"audit_id":"a1"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"error_kind":"elevation"`)
	assert.NoError(t, sink.Close())
}

func TestOpenFromConfig(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir(), AuditDB: true}
	l := Open(context.Background(), cfg, false)
	defer l.Close()

	require.NoError(t, l.Wrap(context.Background(), "snow_list_instances", "", nil, func(context.Context) error { return nil }))

	assert.Len(t, readLines(t, cfg.AuditLogFile()), 1)
	db, err := OpenSQLite(context.Background(), cfg.AuditDBFile())
	require.NoError(t, err)
	defer db.Close()
	n, err := db.Count(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
