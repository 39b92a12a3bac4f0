package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/snowctl/internal/audit"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/output"
	"github.com/rcourtman/snowctl/internal/query"
)

var auditColumns = []string{"ts", "tool", "instance", "outcome", "error_kind", "duration_ms", "error"}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var (
		filter   audit.Filter
		since    time.Duration
		format   string
		noHeader bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent tool invocations from the audit history",
		Example: `  snow audit --limit 50
  snow audit --tool snow_run_script --outcome error --since 24h`,
		Args: cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			f, err := output.ParseFormat(format)
			if err != nil {
				return err
			}
			if f.NeedsDestination() {
				return snowerrors.InvalidInput("audit", fmt.Errorf("audit history cannot be rendered as %s", f))
			}
			if since > 0 {
				t := time.Now().Add(-since).UTC()
				filter.Since = &t
			}
			recs, err := loadAudit(cmd, a, filter)
			if err != nil {
				return err
			}
			return output.Render(cmd.OutOrStdout(), auditRecordSet(recs), output.Options{Format: f, NoHeader: noHeader})
		}),
	}
	fl := cmd.Flags()
	fl.StringVar(&filter.Tool, "tool", "", "only this tool")
	fl.StringVar(&filter.Outcome, "outcome", "", "only this outcome: success or error")
	fl.StringVar(&filter.Instance, "for-instance", "", "only this instance")
	fl.IntVarP(&filter.Limit, "limit", "l", 20, "maximum entries, newest first (0 = all)")
	fl.DurationVar(&since, "since", 0, "only entries newer than this, e.g. 24h")
	fl.BoolVar(&noHeader, "no-header", false, "omit the header row")
	fl.StringVarP(&format, "format", "f", string(output.FormatTable), "output format: table, tsv, csv, json, xml")
	return cmd
}

// loadAudit reads the SQLite history when enabled and present, falling back
// to the NDJSON log.
func loadAudit(cmd *cobra.Command, a *app, filter audit.Filter) ([]audit.Record, error) {
	if a.cfg.AuditDB {
		if _, err := os.Stat(a.cfg.AuditDBFile()); err == nil {
			db, err := audit.OpenSQLite(cmd.Context(), a.cfg.AuditDBFile())
			if err == nil {
				defer db.Close()
				recs, qerr := db.Query(cmd.Context(), filter)
				if qerr == nil {
					return recs, nil
				}
				err = qerr
			}
			log.Warn().Err(err).Msg("Audit database unavailable, reading the audit log")
		}
	}
	return audit.ReadFile(a.cfg.AuditLogFile(), filter)
}

func auditRecordSet(recs []audit.Record) *query.RecordSet {
	rs := &query.RecordSet{Table: "audit", Display: query.DisplayValues, Columns: auditColumns}
	for _, r := range recs {
		rec := query.NewRecord()
		for _, kv := range [][2]string{
			{"ts", r.Timestamp.UTC().Format(time.RFC3339)},
			{"tool", r.Tool},
			{"instance", r.Instance},
			{"outcome", r.Outcome},
			{"error_kind", r.ErrorKind},
			{"duration_ms", strconv.FormatInt(r.DurationMS, 10)},
			{"error", r.Error},
		} {
			rec.Set(kv[0], query.Value{Raw: kv[1], Display: kv[1]})
		}
		rs.Records = append(rs.Records, rec)
	}
	return rs
}
