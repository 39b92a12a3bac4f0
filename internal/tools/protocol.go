package tools

import (
	"encoding/json"
	"errors"

	snowerrors "github.com/rcourtman/snowctl/internal/errors"
)

// Annotations describe how a tool behaves so automated callers can decide
// whether to ask before invoking it.
type Annotations struct {
	ReadOnly    bool `json:"read_only"`
	Destructive bool `json:"destructive"`
	Idempotent  bool `json:"idempotent"`
	// Stateful tools change the local session.
	Stateful bool `json:"stateful"`
	// OutputFile tools accept an output_file destination.
	OutputFile bool `json:"output_file"`
}

// Definition describes one tool.
type Definition struct {
	Name        string      `json:"name"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Annotations Annotations `json:"annotations"`
}

// Tool names
const (
	ToolListInstances = "snow_list_instances"
	ToolLogin         = "snow_login"
	ToolElevate       = "snow_elevate"
	ToolRunScript     = "snow_run_script"
	ToolCountRecords  = "snow_count_records"
	ToolTableSchema   = "snow_table_schema"
	ToolSearchRecords = "snow_search_records"
)

var definitions = []Definition{
	{
		Name:        ToolListInstances,
		Title:       "List instances",
		Description: "List configured ServiceNow instances, their usernames, where each secret is stored and which one is the default.",
		Annotations: Annotations{ReadOnly: true, Idempotent: true},
	},
	{
		Name:        ToolLogin,
		Title:       "Log in",
		Description: "Log in to a ServiceNow instance and persist the session cookies. Omit instance to use the default.",
		Annotations: Annotations{Destructive: true, Stateful: true},
	},
	{
		Name:        ToolElevate,
		Title:       "Elevate privileges",
		Description: "Elevate the session to a privileged role (security_admin unless configured otherwise). Requires a prior snow_login. Calling it again on an elevated session does nothing.",
		Annotations: Annotations{Destructive: true, Stateful: true, Idempotent: true},
	},
	{
		Name:  ToolRunScript,
		Title: "Run background script",
		Description: "Execute a server-side JavaScript background script on a ServiceNow instance and return its gs.print output. " +
			"Requires a prior snow_login. Scripts that delete, bulk update or bypass business rules are flagged in the findings field.",
		Annotations: Annotations{Destructive: true},
	},
	{
		Name:        ToolCountRecords,
		Title:       "Count records",
		Description: "Count records in a table that match an encoded query.",
		Annotations: Annotations{ReadOnly: true, Idempotent: true},
	},
	{
		Name:        ToolTableSchema,
		Title:       "Table schema",
		Description: "List the fields of a table, including inherited ones, with label, type and referenced table.",
		Annotations: Annotations{ReadOnly: true, Idempotent: true, OutputFile: true},
	},
	{
		Name:  ToolSearchRecords,
		Title: "Search records",
		Description: "Read records from a table with an encoded query, sort order, field projection and limit. " +
			"Results render as table, tsv, csv, json, xml, excel or pdf; excel and pdf require output_file. " +
			"With output_file only {saved_to, count} is returned.",
		Annotations: Annotations{ReadOnly: true, Idempotent: true, OutputFile: true},
	},
}

// Definitions returns every tool in registration order.
func Definitions() []Definition {
	return append([]Definition(nil), definitions...)
}

// Lookup returns the named definition.
func Lookup(name string) (Definition, bool) {
	for _, d := range definitions {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// ErrorPayload is how a failed call is reported to tool callers.
type ErrorPayload struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	Instance   string `json:"instance,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// DescribeError converts err into an ErrorPayload.
func DescribeError(err error) ErrorPayload {
	p := ErrorPayload{
		Error: err.Error(),
		Kind:  string(snowerrors.KindOf(err)),
	}
	var opErr *snowerrors.OpError
	if errors.As(err, &opErr) {
		p.Instance = opErr.Instance
		p.StatusCode = opErr.StatusCode
		p.Message = opErr.Message
	}
	return p
}

// EncodeJSON renders v as indented JSON text.
func EncodeJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
