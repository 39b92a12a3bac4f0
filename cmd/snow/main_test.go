package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/snowctl/internal/snowtest"
)

// setupEnv points the CLI at a private data directory and working directory.
func setupEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SNOW_HOME", home)
	t.Setenv("SNOW_DISABLE_KEYRING", "true")
	t.Setenv("SNOW_AUDIT_DB", "false")
	for _, key := range []string{"SNOW_INSTANCE", "SNOW_USER", "SNOW_PASSWORD", "snow_instance", "snow_user", "snow_pwd"} {
		t.Setenv(key, "")
	}
	t.Chdir(t.TempDir())
	return home
}

func runCLI(t *testing.T, stdin string, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

// addInstance registers a fake instance as the default.
func addInstance(t *testing.T) *snowtest.Instance {
	t.Helper()
	inst := snowtest.New(t, "admin", "s3cret")
	out, errOut, code := runCLI(t, "s3cret\n", "instance", "add", inst.Host(), "--username", "admin")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "is the default instance")
	return inst
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuild, oldCommit := Version, BuildTime, GitCommit
	defer func() { Version, BuildTime, GitCommit = oldVersion, oldBuild, oldCommit }()

	Version = "1.2.3"
	BuildTime = "2024-01-01"
	GitCommit = "abcdef"

	out, _, code := runCLI(t, "", "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "snow 1.2.3")
	assert.Contains(t, out, "Built: 2024-01-01")
	assert.Contains(t, out, "Commit: abcdef")
}

func TestInstanceLifecycle(t *testing.T) {
	setupEnv(t)

	out, errOut, code := runCLI(t, "admin\ns3cret\n", "instance", "add", "dev1.example.com")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Added dev1.example.com (credentials: encrypted-file)")
	assert.Contains(t, errOut, "Username: ")

	_, errOut, code = runCLI(t, "s3cret\n", "instance", "add", "DEV2.example.com/", "-u", "other")
	require.Equal(t, 0, code, errOut)

	out, _, code = runCLI(t, "", "instance", "list", "--format", "json")
	require.Equal(t, 0, code)
	var rows []map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	defaults := 0
	for _, r := range rows {
		if r["default"] == "true" {
			defaults++
			assert.Equal(t, "dev1.example.com", r["host"])
		}
	}
	assert.Equal(t, 1, defaults)

	out, _, code = runCLI(t, "", "instance", "use", "dev2.example.com")
	require.Equal(t, 0, code)
	assert.Equal(t, "dev2.example.com is now the default instance\n", out)

	out, _, code = runCLI(t, "", "instance", "info")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Host:     dev2.example.com")
	assert.Contains(t, out, "Username: other")
	assert.Contains(t, out, "Session:  anonymous")

	_, _, code = runCLI(t, "", "instance", "remove", "dev2.example.com")
	require.Equal(t, 0, code)

	out, _, code = runCLI(t, "", "instance", "list", "--format", "tsv", "--no-header")
	require.Equal(t, 0, code)
	assert.NotContains(t, out, "dev2.example.com")
}

func TestInstanceListEmpty(t *testing.T) {
	setupEnv(t)
	out, _, code := runCLI(t, "", "instance", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "No instances configured")
}

func TestNoInstanceFails(t *testing.T) {
	setupEnv(t)
	_, errOut, code := runCLI(t, "", "record", "count", "incident")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error: ")
	assert.Contains(t, errOut, "no instance selected")
}

func TestLoginElevateLogout(t *testing.T) {
	setupEnv(t)
	inst := addInstance(t)

	out, errOut, code := runCLI(t, "", "login")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Logged in to")

	out, _, code = runCLI(t, "", "instance", "info")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Session:  authenticated")

	out, errOut, code = runCLI(t, "", "elevate", "--role", "admin")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Elevated to admin")
	assert.Equal(t, "admin", inst.LastRole())

	out, _, code = runCLI(t, "", "logout")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Logged out of")

	out, _, code = runCLI(t, "", "instance", "info")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Session:  anonymous")
}

func TestLoginWrongPassword(t *testing.T) {
	setupEnv(t)
	addInstance(t)

	_, errOut, code := runCLI(t, "", "login", "--password", "wrong")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error: ")
}

func TestRunFromStdinAndFile(t *testing.T) {
	setupEnv(t)
	inst := addInstance(t)

	_, errOut, code := runCLI(t, "gs.print('hello');\n", "run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not authenticated")
	assert.Contains(t, errOut, "Run 'snow login'")
	assert.Empty(t, inst.LastScript())

	_, errOut, code = runCLI(t, "", "login")
	require.Equal(t, 0, code, errOut)

	out, errOut, code := runCLI(t, "gs.print('hello');\ngs.print('world');\n", "run")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "hello\nworld\n", out)

	require.NoError(t, os.WriteFile("job.js", []byte("var gr = new GlideRecord('incident');\ngr.deleteMultiple();\ngs.print('done');\n"), 0o644))
	out, errOut, code = runCLI(t, "", "run", "job.js")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "done\n", out)
	assert.Contains(t, errOut, "warning: line 2")
	assert.Contains(t, inst.LastScript(), "deleteMultiple")

	_, errOut, code = runCLI(t, "", "run", "missing.js")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "open script")
}

func TestRecordCommands(t *testing.T) {
	setupEnv(t)
	inst := addInstance(t)
	inst.SetTable("incident",
		`{"number":"INC0001","sys_id":"a1","priority":{"value":"1","display_value":"1 - Critical"}}`,
		`{"number":"INC0002","sys_id":"b2","priority":{"value":"3","display_value":"3 - Moderate"}}`,
	)

	out, errOut, code := runCLI(t, "", "record", "count", "incident", "--query", "active=true")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "2\n", out)

	out, errOut, code = runCLI(t, "", "record", "search", "incident", "--format", "csv", "--fields", "number,priority")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "number,priority\nINC0001,1 - Critical (1)\nINC0002,3 - Moderate (3)\n", out)

	out, errOut, code = runCLI(t, "", "record", "search", "incident", "--sys-id")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "a1\nb2\n", out)

	out, errOut, code = runCLI(t, "", "record", "search", "incident", "--format", "json", "--output", "out/incidents.json")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Saved 2 records to ")
	data, err := os.ReadFile(filepath.Join("out", "incidents.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"display_value": "1 - Critical"`)

	_, errOut, code = runCLI(t, "", "record", "search", "incident", "--output", "../escape.json")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error: ")

	_, errOut, code = runCLI(t, "", "record", "search", "incident", "--format", "pdf")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error: ")
}

func TestTableFields(t *testing.T) {
	setupEnv(t)
	inst := addInstance(t)
	inst.SetTable("sys_db_object", `{"super_class.name":""}`)
	inst.SetTable("sys_dictionary",
		`{"element":"number","column_label":"Number","internal_type":"string","reference":"","name":"incident"}`,
	)

	out, errOut, code := runCLI(t, "", "table", "fields", "incident", "--format", "tsv", "--no-header")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "number\tNumber\tstring\t\n", out)
}

func TestAuditHistory(t *testing.T) {
	for _, db := range []string{"false", "true"} {
		t.Run("db="+db, func(t *testing.T) {
			setupEnv(t)
			t.Setenv("SNOW_AUDIT_DB", db)
			inst := addInstance(t)
			inst.SetTable("incident", `{"number":"INC0001"}`)

			_, _, code := runCLI(t, "", "record", "count", "incident")
			require.Equal(t, 0, code)
			_, _, code = runCLI(t, "", "record", "count", "nope")
			require.Equal(t, 1, code)

			out, errOut, code := runCLI(t, "", "audit", "--format", "json")
			require.Equal(t, 0, code, errOut)
			var rows []map[string]string
			require.NoError(t, json.Unmarshal([]byte(out), &rows))
			require.Len(t, rows, 2)
			assert.Equal(t, "error", rows[0]["outcome"])
			assert.Equal(t, "query", rows[0]["error_kind"])
			assert.Equal(t, "success", rows[1]["outcome"])

			out, _, code = runCLI(t, "", "audit", "--outcome", "success", "--format", "tsv", "--no-header")
			require.Equal(t, 0, code)
			assert.Equal(t, 1, strings.Count(out, "\n"))
		})
	}
}

func TestMetricsServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := startMetricsServer(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestReadLine(t *testing.T) {
	r := strings.NewReader("first\r\nsecond")
	line, err := readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "first", line)
	line, err = readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "second", line)
	_, err = readLine(r)
	assert.ErrorIs(t, err, io.EOF)
}
