package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcourtman/snowctl/internal/output"
	"github.com/rcourtman/snowctl/internal/tools"
)

func newRecordCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "record",
		Aliases: []string{"records"},
		Short:   "Read records from a table",
	}
	cmd.AddCommand(newRecordSearchCmd(opts), newRecordCountCmd(opts))
	return cmd
}

func newRecordSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		args  tools.SearchArgs
		sysID bool
	)
	cmd := &cobra.Command{
		Use:   "search <table>",
		Short: "Search records with an encoded query",
		Example: `  snow record search incident --query "active=true^priority=1" --fields number,short_description --limit 20
  snow record search sys_user --query "active=false" --sys-id
  snow record search incident --format excel --output incidents.xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, argv []string) error {
			args.Table = argv[0]
			if sysID {
				args.Fields = []string{"sys_id"}
				args.Format = string(output.FormatTSV)
				args.DisplayValues = "values"
				args.NoHeader = true
			}
			res, err := a.svc.SearchRecords(cmd.Context(), args)
			if err != nil {
				return err
			}
			printRecords(cmd, res)
			return nil
		}),
	}

	f := cmd.Flags()
	f.StringVarP(&args.Query, "query", "q", "", "encoded query, e.g. active=true^priority=1")
	f.StringSliceVar(&args.OrderBy, "order-by", nil, "fields to sort ascending")
	f.StringSliceVar(&args.OrderByDesc, "order-by-desc", nil, "fields to sort descending, applied after --order-by")
	f.StringSliceVar(&args.Fields, "fields", nil, "fields to return, in column order")
	f.IntVarP(&args.Limit, "limit", "l", 0, "maximum records to return (omit for all)")
	f.IntVar(&args.Offset, "offset", 0, "number of matching records to skip")
	f.StringVarP(&args.Format, "format", "f", string(output.FormatTable), "output format: table, tsv, csv, json, xml, excel, pdf")
	f.StringVar(&args.DisplayValues, "display", "", "field values: values, display or both (default both)")
	f.BoolVar(&args.NoHeader, "no-header", false, "omit the header row")
	f.BoolVar(&sysID, "sys-id", false, "print only sys_id values, one per line")
	f.StringVarP(&args.OutputFile, "output", "o", "", "save to a file inside the working directory")
	return cmd
}

func newRecordCountCmd(opts *rootOptions) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "count <table>",
		Short: "Count records matching an encoded query",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, argv []string) error {
			res, err := a.svc.CountRecords(cmd.Context(), tools.CountArgs{Table: argv[0], Query: query})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Count)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "encoded query")
	return cmd
}

func newTableCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Inspect table definitions",
	}

	var args tools.SchemaArgs
	fields := &cobra.Command{
		Use:   "fields <table>",
		Short: "List a table's fields, inherited ones included",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, argv []string) error {
			args.Table = argv[0]
			res, err := a.svc.TableSchema(cmd.Context(), args)
			if err != nil {
				return err
			}
			printRecords(cmd, res)
			return nil
		}),
	}
	f := fields.Flags()
	f.StringVarP(&args.Format, "format", "f", string(output.FormatTable), "output format: table, tsv, csv, json, xml, excel, pdf")
	f.BoolVar(&args.NoHeader, "no-header", false, "omit the header row")
	f.StringVarP(&args.OutputFile, "output", "o", "", "save to a file inside the working directory")

	cmd.AddCommand(fields)
	return cmd
}

// printRecords writes inline content to stdout, or a short confirmation
// when the result went to a file.
func printRecords(cmd *cobra.Command, res *tools.RecordsResult) {
	if res.SavedTo != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %d records to %s\n", res.Count, res.SavedTo)
		return
	}
	fmt.Fprint(cmd.OutOrStdout(), res.Content)
	if res.Content != "" && !strings.HasSuffix(res.Content, "\n") {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	if res.Warning != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", res.Warning)
	}
}
