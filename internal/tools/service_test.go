package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/snowctl/internal/audit"
	"github.com/rcourtman/snowctl/internal/config"
	"github.com/rcourtman/snowctl/internal/credentials"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/instances"
	"github.com/rcourtman/snowctl/internal/sandbox"
	"github.com/rcourtman/snowctl/internal/session"
	"github.com/rcourtman/snowctl/internal/snowtest"
)

type fixture struct {
	svc  *Service
	inst *snowtest.Instance
	cfg  *config.Config
	host string
	root string
}

func newFixture(t *testing.T, register bool) *fixture {
	t.Helper()
	inst := snowtest.New(t, "admin", "s3cret")
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:              dir,
		Timeout:              5 * time.Second,
		ElevateRole:          config.DefaultElevateRole,
		LargeResultThreshold: 100,
	}
	store := config.NewStore(cfg.ConfigFile())
	creds := credentials.NewStore(store, credentials.Options{DataDir: dir, DisableKeyring: true})
	mgr := instances.NewManager(cfg, store, creds)
	if register {
		_, err := mgr.Add(inst.Host(), "admin", "s3cret", true)
		require.NoError(t, err)
	}

	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	svc, err := New(Options{Config: cfg, Instances: mgr, Sandbox: sb})
	require.NoError(t, err)

	return &fixture{svc: svc, inst: inst, cfg: cfg, host: config.NormalizeHost(inst.Host()), root: sb.Root()}
}

func (f *fixture) auditRecords(t *testing.T) []audit.Record {
	t.Helper()
	recs, err := audit.ReadFile(f.cfg.AuditLogFile(), audit.Filter{})
	require.NoError(t, err)
	return recs
}

func incidents(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf(`{"number":"INC%04d","priority":{"value":"1","display_value":"1 - Critical"}}`, i+1)
	}
	return out
}

func TestNewRequiresConfigAndInstances(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestListInstances(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.svc.ListInstances(context.Background(), ListInstancesArgs{})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.Equal(t, f.host, res.Default)
	assert.Equal(t, "admin", res.Instances[0].Username)

	recs := f.auditRecords(t)
	require.Len(t, recs, 1)
	assert.Equal(t, ToolListInstances, recs[0].Tool)
	assert.Equal(t, audit.OutcomeSuccess, recs[0].Outcome)
}

func TestLoginPersistsSession(t *testing.T) {
	f := newFixture(t, true)

	st, err := f.svc.Login(context.Background(), InstanceArgs{})
	require.NoError(t, err)
	assert.Equal(t, session.StateAuthenticated, st.State)
	assert.Equal(t, f.host, st.Instance)

	_, err = os.Stat(f.cfg.SessionFile(f.host))
	assert.NoError(t, err)
}

// login establishes a session through the audited tool.
func (f *fixture) login(t *testing.T) {
	t.Helper()
	_, err := f.svc.Login(context.Background(), InstanceArgs{})
	require.NoError(t, err)
}

func TestRunScriptRequiresLogin(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.svc.RunScript(context.Background(), RunScriptArgs{Script: "gs.print('hello');"})
	require.ErrorIs(t, err, snowerrors.ErrNotAuthenticated)
	assert.Nil(t, res)
	assert.Zero(t, f.inst.Hits("/login.do"))
	assert.Empty(t, f.inst.LastScript())
	assert.Equal(t, session.StateAnonymous, f.svc.Sessions().Status(f.host).State)

	recs := f.auditRecords(t)
	require.Len(t, recs, 1)
	assert.Equal(t, ToolRunScript, recs[0].Tool)
	assert.Equal(t, audit.OutcomeError, recs[0].Outcome)
	assert.Equal(t, string(snowerrors.KindNotAuthenticated), recs[0].ErrorKind)
}

func TestRunScriptAfterLogin(t *testing.T) {
	f := newFixture(t, true)
	f.login(t)

	res, err := f.svc.RunScript(context.Background(), RunScriptArgs{Script: "gs.print('hello');"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, res.Stdout)
	assert.True(t, res.Succeeded)

	recs := f.auditRecords(t)
	require.Len(t, recs, 2)
	assert.Equal(t, ToolLogin, recs[0].Tool)
	assert.Equal(t, ToolRunScript, recs[1].Tool)
	assert.Equal(t, f.host, recs[1].Instance)
	assert.Equal(t, "<redacted: 18 chars>", recs[1].Params["script"])
}

func TestRunScriptExpiredSessionIsReported(t *testing.T) {
	f := newFixture(t, true)
	f.login(t)
	f.inst.ExpireSessions()

	_, err := f.svc.RunScript(context.Background(), RunScriptArgs{Script: "gs.print('hello');"})
	require.ErrorIs(t, err, snowerrors.ErrSessionExpired)
	assert.Equal(t, session.StateAnonymous, f.svc.Sessions().Status(f.host).State)

	logins := f.inst.Hits("/login.do")
	_, err = f.svc.RunScript(context.Background(), RunScriptArgs{Script: "gs.print('hello');"})
	require.ErrorIs(t, err, snowerrors.ErrNotAuthenticated)
	assert.Equal(t, logins, f.inst.Hits("/login.do"))
}

func TestRunScriptEmptyIsInvalid(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.svc.RunScript(context.Background(), RunScriptArgs{Script: "  "})
	require.ErrorIs(t, err, snowerrors.ErrInvalidInput)
	assert.Zero(t, f.inst.Hits("/login.do"))
}

func TestRunScriptReportsFindings(t *testing.T) {
	f := newFixture(t, true)
	f.login(t)

	res, err := f.svc.RunScript(context.Background(), RunScriptArgs{
		Script: "var gr = new GlideRecord('incident');\ngr.deleteMultiple();",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Findings)
	assert.Equal(t, 2, res.Findings[0].Line)
}

func TestElevateRequiresLogin(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.svc.Elevate(context.Background(), ElevateArgs{})
	require.ErrorIs(t, err, snowerrors.ErrNotAuthenticated)
	assert.Zero(t, f.inst.Hits("/login.do"))
	assert.Zero(t, f.inst.Hits("/api/now/ui/impersonate/role"))
}

func TestElevateTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	f.login(t)
	ctx := context.Background()

	st, err := f.svc.Elevate(ctx, ElevateArgs{})
	require.NoError(t, err)
	assert.True(t, st.Elevated)
	assert.Equal(t, config.DefaultElevateRole, f.inst.LastRole())

	st, err = f.svc.Elevate(ctx, ElevateArgs{})
	require.NoError(t, err)
	assert.True(t, st.Elevated)
	assert.Equal(t, 1, f.inst.Hits("/api/now/ui/impersonate/role"))
	assert.Len(t, f.auditRecords(t), 3)
}

func TestElevateCustomRole(t *testing.T) {
	f := newFixture(t, true)
	f.login(t)

	_, err := f.svc.Elevate(context.Background(), ElevateArgs{Role: "admin"})
	require.NoError(t, err)
	assert.Equal(t, "admin", f.inst.LastRole())
}

func TestCountRecords(t *testing.T) {
	f := newFixture(t, true)
	f.inst.SetTable("incident", incidents(7)...)

	res, err := f.svc.CountRecords(context.Background(), CountArgs{Table: "incident", Query: "active=true"})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Count)
	assert.Equal(t, "incident", res.Table)
	assert.Equal(t, f.host, res.Instance)
}

func TestSearchRecordsInline(t *testing.T) {
	f := newFixture(t, true)
	f.inst.SetTable("incident", incidents(3)...)

	res, err := f.svc.SearchRecords(context.Background(), SearchArgs{Table: "incident"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, "json", res.Format)
	assert.Empty(t, res.SavedTo)
	assert.Empty(t, res.Warning)

	var rows []map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.Content), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "1", rows[0]["priority"]["value"])
	assert.Equal(t, "1 - Critical", rows[0]["priority"]["display_value"])
}

func TestSearchRecordsLimit(t *testing.T) {
	f := newFixture(t, true)
	f.inst.SetTable("incident", incidents(5)...)

	res, err := f.svc.SearchRecords(context.Background(), SearchArgs{Table: "incident", Limit: 2, Format: "csv", Fields: []string{"number"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "number\nINC0001\nINC0002\n", res.Content)

	res, err = f.svc.SearchRecords(context.Background(), SearchArgs{Table: "incident"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Count)
}

func TestSearchRecordsValuesMode(t *testing.T) {
	f := newFixture(t, true)
	f.inst.SetTable("incident", incidents(1)...)

	res, err := f.svc.SearchRecords(context.Background(), SearchArgs{Table: "incident", DisplayValues: "values"})
	require.NoError(t, err)
	var rows []map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.Content), &rows))
	assert.Equal(t, "1", rows[0]["priority"])
}

func TestSearchRecordsLargeResultWarning(t *testing.T) {
	f := newFixture(t, true)
	f.cfg.LargeResultThreshold = 3
	f.inst.SetTable("incident", incidents(5)...)

	res, err := f.svc.SearchRecords(context.Background(), SearchArgs{Table: "incident", Format: "csv"})
	require.NoError(t, err)
	assert.Contains(t, res.Warning, "5 records")
}

func TestSearchRecordsToFile(t *testing.T) {
	f := newFixture(t, true)
	f.inst.SetTable("incident", incidents(4)...)

	res, err := f.svc.SearchRecords(context.Background(), SearchArgs{
		Table:      "incident",
		Format:     "csv",
		Fields:     []string{"number"},
		OutputFile: "exports/incidents.csv",
	})
	require.NoError(t, err)
	want := filepath.Join(f.root, "exports", "incidents.csv")
	assert.Equal(t, want, res.SavedTo)

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"count":4,"saved_to":%q}`, want), string(b))

	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "number\nINC0001\nINC0002\nINC0003\nINC0004\n", string(data))
}

func TestSearchRecordsExcelNeedsFile(t *testing.T) {
	f := newFixture(t, true)
	f.inst.SetTable("incident", incidents(1)...)

	_, err := f.svc.SearchRecords(context.Background(), SearchArgs{Table: "incident", Format: "excel"})
	require.ErrorIs(t, err, snowerrors.ErrFormat)

	res, err := f.svc.SearchRecords(context.Background(), SearchArgs{Table: "incident", Format: "excel", OutputFile: "out.xlsx"})
	require.NoError(t, err)
	assert.FileExists(t, res.SavedTo)
}

func TestSearchRecordsRejectsEscapingPath(t *testing.T) {
	f := newFixture(t, true)
	f.inst.SetTable("incident", incidents(1)...)

	for _, dest := range []string{"../x.json", "/etc/passwd"} {
		_, err := f.svc.SearchRecords(context.Background(), SearchArgs{Table: "incident", OutputFile: dest})
		require.ErrorIs(t, err, snowerrors.ErrSandbox, dest)
	}

	recs := f.auditRecords(t)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, audit.OutcomeError, rec.Outcome)
		assert.Equal(t, string(snowerrors.KindSandbox), rec.ErrorKind)
	}
}

func TestSearchRecordsInvalidArguments(t *testing.T) {
	f := newFixture(t, true)

	tests := []struct {
		name string
		args SearchArgs
		want error
	}{
		{"bad format", SearchArgs{Table: "incident", Format: "yaml"}, snowerrors.ErrFormat},
		{"bad display", SearchArgs{Table: "incident", DisplayValues: "raw"}, snowerrors.ErrInvalidInput},
		{"negative limit", SearchArgs{Table: "incident", Limit: -1}, snowerrors.ErrInvalidInput},
		{"negative offset", SearchArgs{Table: "incident", Offset: -1}, snowerrors.ErrInvalidInput},
		{"empty table", SearchArgs{}, snowerrors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SearchRecords(context.Background(), tt.args)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, f.inst.Hits("/api/now/table/incident"))
}

func TestTableSchema(t *testing.T) {
	f := newFixture(t, true)
	f.inst.SetTable("sys_db_object", `{"super_class.name":""}`)
	f.inst.SetTable("sys_dictionary",
		`{"element":"number","column_label":"Number","internal_type":"string","reference":"","name":"incident"}`,
		`{"element":"caller_id","column_label":"Caller","internal_type":"reference","reference":"sys_user","name":"incident"}`,
	)

	res, err := f.svc.TableSchema(context.Background(), SchemaArgs{Table: "incident", Format: "tsv"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "field\tlabel\ttype\treferences\ncaller_id\tCaller\treference\tsys_user\nnumber\tNumber\tstring\t\n", res.Content)
}

func TestNoInstanceConfigured(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.CountRecords(context.Background(), CountArgs{Table: "incident"})
	require.ErrorIs(t, err, snowerrors.ErrInvalidInput)

	recs := f.auditRecords(t)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.OutcomeError, recs[0].Outcome)
	assert.Equal(t, string(snowerrors.KindInvalidInput), recs[0].ErrorKind)
}

func TestEveryCallIsAuditedOnce(t *testing.T) {
	f := newFixture(t, true)
	f.inst.SetTable("incident", incidents(2)...)
	ctx := context.Background()

	_, _ = f.svc.ListInstances(ctx, ListInstancesArgs{})
	_, _ = f.svc.Login(ctx, InstanceArgs{})
	_, _ = f.svc.CountRecords(ctx, CountArgs{Table: "incident"})
	_, _ = f.svc.CountRecords(ctx, CountArgs{Table: "missing"})
	_, _ = f.svc.SearchRecords(ctx, SearchArgs{Table: "incident"})

	recs := f.auditRecords(t)
	require.Len(t, recs, 5)
	outcomes := map[string]int{}
	for _, rec := range recs {
		outcomes[rec.Outcome]++
	}
	assert.Equal(t, 4, outcomes[audit.OutcomeSuccess])
	assert.Equal(t, 1, outcomes[audit.OutcomeError])
}

func TestAuditParams(t *testing.T) {
	assert.Empty(t, auditParams(nil))
	assert.Equal(t, map[string]any{"table": "incident", "limit": float64(5)}, auditParams(SearchArgs{Table: "incident", Limit: 5}))

	// A scalar marshals but does not flatten into a map.
	assert.Equal(t, map[string]any{unencodableParam: true}, auditParams("incident"))
	assert.Equal(t, map[string]any{unencodableParam: true}, auditParams(map[string]any{"fn": func() {}}))
}
