// Package tools is the named-operation surface shared by the CLI and the MCP
// server. Every call is audited exactly once; instance selection and output
// placement happen here so callers stay thin.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/snowctl/internal/audit"
	"github.com/rcourtman/snowctl/internal/config"
	"github.com/rcourtman/snowctl/internal/credentials"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/fsutil"
	"github.com/rcourtman/snowctl/internal/instances"
	"github.com/rcourtman/snowctl/internal/logging"
	"github.com/rcourtman/snowctl/internal/output"
	"github.com/rcourtman/snowctl/internal/query"
	"github.com/rcourtman/snowctl/internal/sandbox"
	"github.com/rcourtman/snowctl/internal/script"
	"github.com/rcourtman/snowctl/internal/session"
)

// OutputFileMode is the permission of files written for output_file.
const OutputFileMode = 0o644

// Service dispatches tool calls.
type Service struct {
	cfg       *config.Config
	instances *instances.Manager
	sessions  *session.Manager
	executor  *script.Executor
	engine    *query.Engine
	audit     *audit.Logger
	sandbox   *sandbox.Sandbox
}

// Options wires a Service. Zero-valued components are built from Config.
type Options struct {
	Config    *config.Config
	Instances *instances.Manager
	Sessions  *session.Manager
	Executor  *script.Executor
	Engine    *query.Engine
	Audit     *audit.Logger
	// Sandbox defaults to the working directory.
	Sandbox *sandbox.Sandbox
}

// New returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Config == nil || opts.Instances == nil {
		return nil, fmt.Errorf("tools: config and instance manager are required")
	}
	s := &Service{
		cfg:       opts.Config,
		instances: opts.Instances,
		sessions:  opts.Sessions,
		executor:  opts.Executor,
		engine:    opts.Engine,
		audit:     opts.Audit,
		sandbox:   opts.Sandbox,
	}
	creds := opts.Instances.Credentials()
	if s.sessions == nil {
		s.sessions = session.NewManager(s.cfg, creds)
	}
	if s.executor == nil {
		s.executor = script.NewExecutor(s.cfg, s.sessions)
	}
	if s.engine == nil {
		s.engine = query.NewEngine(s.cfg, creds)
	}
	if s.audit == nil {
		s.audit = audit.NewLogger(audit.NewFileSink(s.cfg.AuditLogFile()))
	}
	if s.sandbox == nil {
		sb, err := sandbox.New(".")
		if err != nil {
			return nil, err
		}
		s.sandbox = sb
	}
	return s, nil
}

// Sessions exposes the session registry, e.g. for logout.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Audit exposes the audit logger so CLI-only operations can be recorded.
func (s *Service) Audit() *audit.Logger { return s.audit }

// invoke resolves the target instance and runs fn under the audit wrapper.
// A resolution failure is audited like any other error.
func (s *Service) invoke(ctx context.Context, tool, selector string, args any, fn func(ctx context.Context, host string) error) error {
	host, resolveErr := s.instances.Resolve(selector)
	target := host
	if resolveErr != nil {
		target = selector
	}
	return s.audit.Wrap(ctx, tool, target, auditParams(args), func(ctx context.Context) error {
		if resolveErr != nil {
			return resolveErr
		}
		logger := logging.FromContext(ctx)
		logger.Debug().Str("tool", tool).Str("instance", host).Msg("Executing tool")
		return fn(ctx, host)
	})
}

// unencodableParam marks an audit record whose arguments could not be
// flattened.
const unencodableParam = "_unencodable"

// auditParams flattens a typed argument struct to the map form the audit
// log stores.
func auditParams(args any) map[string]any {
	out := map[string]any{}
	if args == nil {
		return out
	}
	b, err := json.Marshal(args)
	if err == nil {
		err = json.Unmarshal(b, &out)
	}
	if err != nil {
		log.Debug().Err(err).Str("type", fmt.Sprintf("%T", args)).Msg("Tool arguments not recorded in audit log")
		return map[string]any{unencodableParam: true}
	}
	return out
}

// InstanceArgs selects a target instance. Empty means the default.
type InstanceArgs struct {
	Instance string `json:"instance,omitempty" jsonschema:"ServiceNow instance hostname, e.g. dev1234.service-now.com. Omit to use the default instance."`
}

// ListInstancesArgs takes no parameters.
type ListInstancesArgs struct{}

// InstancesResult lists the configured instances.
type InstancesResult struct {
	Default   string                `json:"default,omitempty"`
	Instances []credentials.Summary `json:"instances"`
}

// ListInstances returns every configured instance.
func (s *Service) ListInstances(ctx context.Context, _ ListInstancesArgs) (*InstancesResult, error) {
	var res *InstancesResult
	err := s.audit.Wrap(ctx, ToolListInstances, "", nil, func(ctx context.Context) error {
		list, err := s.instances.List()
		if err != nil {
			return err
		}
		res = &InstancesResult{Instances: list}
		for _, inst := range list {
			if inst.IsDefault {
				res.Default = inst.Host
			}
		}
		return nil
	})
	return res, err
}

// Login authenticates against the instance and persists the session.
func (s *Service) Login(ctx context.Context, args InstanceArgs) (*session.Status, error) {
	var res *session.Status
	err := s.invoke(ctx, ToolLogin, args.Instance, args, func(ctx context.Context, host string) error {
		st, err := s.sessions.Login(ctx, host)
		if err != nil {
			return err
		}
		res = &st
		return nil
	})
	return res, err
}

// ElevateArgs selects the instance and, optionally, the role.
type ElevateArgs struct {
	Instance string `json:"instance,omitempty" jsonschema:"ServiceNow instance hostname. Omit to use the default instance."`
	Role     string `json:"role,omitempty" jsonschema:"Role to elevate to. Defaults to the configured elevation role (security_admin)."`
}

// Elevate raises an authenticated session to a privileged role.
func (s *Service) Elevate(ctx context.Context, args ElevateArgs) (*session.Status, error) {
	var res *session.Status
	err := s.invoke(ctx, ToolElevate, args.Instance, args, func(ctx context.Context, host string) error {
		role := strings.TrimSpace(args.Role)
		if role == "" {
			role = s.cfg.ElevateRole
		}
		st, err := s.sessions.Elevate(ctx, host, role)
		if err != nil {
			return err
		}
		res = &st
		return nil
	})
	return res, err
}

// RunScriptArgs carries a background script.
type RunScriptArgs struct {
	Script   string `json:"script" jsonschema:"JavaScript source to run, e.g. gs.print('hello');"`
	Instance string `json:"instance,omitempty" jsonschema:"ServiceNow instance hostname. Omit to use the default instance."`
}

// RunScript executes a background script on a logged-in instance.
func (s *Service) RunScript(ctx context.Context, args RunScriptArgs) (*script.Result, error) {
	var res *script.Result
	err := s.invoke(ctx, ToolRunScript, args.Instance, args, func(ctx context.Context, host string) error {
		if strings.TrimSpace(args.Script) == "" {
			return snowerrors.InvalidInput("run_script", fmt.Errorf("script is empty"))
		}
		r, err := s.executor.Execute(ctx, host, args.Script)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// CountArgs selects records to count.
type CountArgs struct {
	Table    string `json:"table" jsonschema:"Table name, e.g. incident"`
	Query    string `json:"query,omitempty" jsonschema:"Encoded query filter, e.g. active=true^priority=1"`
	Instance string `json:"instance,omitempty" jsonschema:"ServiceNow instance hostname. Omit to use the default instance."`
}

// CountResult is the answer to a count.
type CountResult struct {
	Instance string `json:"instance"`
	Table    string `json:"table"`
	Query    string `json:"query,omitempty"`
	Count    int    `json:"count"`
}

// CountRecords counts matching records.
func (s *Service) CountRecords(ctx context.Context, args CountArgs) (*CountResult, error) {
	var res *CountResult
	err := s.invoke(ctx, ToolCountRecords, args.Instance, args, func(ctx context.Context, host string) error {
		n, err := s.engine.Count(ctx, host, args.Table, args.Query)
		if err != nil {
			return err
		}
		res = &CountResult{Instance: host, Table: args.Table, Query: args.Query, Count: n}
		return nil
	})
	return res, err
}

// SchemaArgs selects a table and how to render its fields.
type SchemaArgs struct {
	Table      string `json:"table" jsonschema:"Table name, e.g. incident"`
	Format     string `json:"format,omitempty" jsonschema:"Output format: table, tsv, csv, json (default), xml, excel or pdf"`
	NoHeader   bool   `json:"no_header,omitempty" jsonschema:"Omit the header row in tabular formats"`
	OutputFile string `json:"output_file,omitempty" jsonschema:"Relative path inside the working directory to save the result to"`
	Instance   string `json:"instance,omitempty" jsonschema:"ServiceNow instance hostname. Omit to use the default instance."`
}

// RecordsResult is a rendered record set. When the result was saved to a
// file only SavedTo and Count are set.
type RecordsResult struct {
	Count   int    `json:"count"`
	SavedTo string `json:"saved_to,omitempty"`
	Format  string `json:"format,omitempty"`
	Content string `json:"content,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// TableSchema describes a table's fields, inherited ones included.
func (s *Service) TableSchema(ctx context.Context, args SchemaArgs) (*RecordsResult, error) {
	var res *RecordsResult
	err := s.invoke(ctx, ToolTableSchema, args.Instance, args, func(ctx context.Context, host string) error {
		format, err := output.ParseFormat(defaultFormat(args.Format))
		if err != nil {
			return err
		}
		fields, err := s.engine.Schema(ctx, host, args.Table)
		if err != nil {
			return err
		}
		rs := query.SchemaRecordSet(fields)
		res, err = s.deliver(rs, format, args.NoHeader, args.OutputFile)
		return err
	})
	return res, err
}

// SearchArgs describes a table read.
type SearchArgs struct {
	Table         string   `json:"table" jsonschema:"Table name, e.g. incident"`
	Query         string   `json:"query,omitempty" jsonschema:"Encoded query filter, e.g. active=true^priority=1"`
	OrderBy       []string `json:"order_by,omitempty" jsonschema:"Fields to sort ascending, applied in order"`
	OrderByDesc   []string `json:"order_by_desc,omitempty" jsonschema:"Fields to sort descending, applied after order_by"`
	Fields        []string `json:"fields,omitempty" jsonschema:"Fields to return, in column order. Omit for all fields."`
	Limit         int      `json:"limit,omitempty" jsonschema:"Maximum records to return, at least 1. Omit to return every matching record."`
	Offset        int      `json:"offset,omitempty" jsonschema:"Number of matching records to skip"`
	Format        string   `json:"format,omitempty" jsonschema:"Output format: table, tsv, csv, json (default), xml, excel or pdf"`
	DisplayValues string   `json:"display_values,omitempty" jsonschema:"Field values to return: values (raw), display, or both (default)"`
	NoHeader      bool     `json:"no_header,omitempty" jsonschema:"Omit the header row in tabular formats"`
	OutputFile    string   `json:"output_file,omitempty" jsonschema:"Relative path inside the working directory to save the result to"`
	Instance      string   `json:"instance,omitempty" jsonschema:"ServiceNow instance hostname. Omit to use the default instance."`
}

// SearchRecords reads records and renders them.
func (s *Service) SearchRecords(ctx context.Context, args SearchArgs) (*RecordsResult, error) {
	var res *RecordsResult
	err := s.invoke(ctx, ToolSearchRecords, args.Instance, args, func(ctx context.Context, host string) error {
		format, err := output.ParseFormat(defaultFormat(args.Format))
		if err != nil {
			return err
		}
		mode, err := query.ParseDisplayMode(args.DisplayValues)
		if err != nil {
			return err
		}
		q, err := query.New(query.Options{
			Table:       args.Table,
			Filter:      args.Query,
			OrderBy:     args.OrderBy,
			OrderByDesc: args.OrderByDesc,
			Fields:      args.Fields,
			Limit:       args.Limit,
			All:         args.Limit == 0,
			Offset:      args.Offset,
			Display:     mode,
		})
		if err != nil {
			return err
		}
		rs, err := s.engine.Search(ctx, host, q)
		if err != nil {
			return err
		}
		res, err = s.deliver(rs, format, args.NoHeader, args.OutputFile)
		return err
	})
	return res, err
}

func defaultFormat(f string) string {
	if strings.TrimSpace(f) == "" {
		return string(output.FormatJSON)
	}
	return f
}

// deliver renders rs inline or, with dest, into a sandboxed file.
func (s *Service) deliver(rs *query.RecordSet, format output.Format, noHeader bool, dest string) (*RecordsResult, error) {
	opts := output.Options{Format: format, NoHeader: noHeader}

	if strings.TrimSpace(dest) == "" {
		var buf bytes.Buffer
		if err := output.Render(&buf, rs, opts); err != nil {
			return nil, err
		}
		res := &RecordsResult{Count: rs.Len(), Format: string(format), Content: buf.String()}
		if t := s.cfg.LargeResultThreshold; t > 0 && rs.Len() >= t {
			res.Warning = fmt.Sprintf("%d records returned; pass output_file or narrow the query to keep responses small", rs.Len())
		}
		return res, nil
	}

	path, err := s.sandbox.Validate(dest)
	if err != nil {
		return nil, err
	}
	opts.Destination = path
	var buf bytes.Buffer
	if err := output.Render(&buf, rs, opts); err != nil {
		return nil, err
	}
	if err := fsutil.AtomicWriteFile(path, buf.Bytes(), OutputFileMode); err != nil {
		return nil, fmt.Errorf("save %s: %w", dest, err)
	}
	log.Info().Str("path", path).Int("count", rs.Len()).Msg("Saved results")
	return &RecordsResult{Count: rs.Len(), SavedTo: path}, nil
}
