package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rcourtman/snowctl/internal/query"
)

// flatten keeps a cell on one line for column-aligned formats.
var flatten = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ")

func writeNoRecords(w io.Writer) error {
	_, err := fmt.Fprintln(w, NoRecordsMessage)
	return err
}

func renderTable(w io.Writer, rs *query.RecordSet, opts Options) error {
	if rs.Len() == 0 {
		return writeNoRecords(w)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !opts.NoHeader {
		header := make([]string, len(rs.Columns))
		rule := make([]string, len(rs.Columns))
		for i, col := range rs.Columns {
			header[i] = flatten.Replace(col)
			rule[i] = strings.Repeat("-", len([]rune(header[i])))
		}
		fmt.Fprintln(tw, strings.Join(header, "\t"))
		fmt.Fprintln(tw, strings.Join(rule, "\t"))
	}
	for _, row := range rows(rs) {
		for i := range row {
			row[i] = flatten.Replace(row[i])
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func renderTSV(w io.Writer, rs *query.RecordSet, opts Options) error {
	if rs.Len() == 0 {
		return writeNoRecords(w)
	}

	var b strings.Builder
	if !opts.NoHeader {
		b.WriteString(strings.Join(rs.Columns, "\t"))
		b.WriteByte('\n')
	}
	for _, row := range rows(rs) {
		for i := range row {
			row[i] = flatten.Replace(row[i])
		}
		b.WriteString(strings.Join(row, "\t"))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderCSV(w io.Writer, rs *query.RecordSet, opts Options) error {
	if rs.Len() == 0 {
		return writeNoRecords(w)
	}

	cw := csv.NewWriter(w)
	if !opts.NoHeader {
		if err := cw.Write(rs.Columns); err != nil {
			return fmt.Errorf("write CSV header: %w", err)
		}
	}
	for i, row := range rows(rs) {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write CSV row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("CSV write error: %w", err)
	}
	return nil
}
