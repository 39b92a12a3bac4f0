// Package output renders record sets as text, structured documents and
// binary reports.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/query"
)

// Format is an output format name.
type Format string

const (
	FormatTable Format = "table"
	FormatTSV   Format = "tsv"
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatXML   Format = "xml"
	FormatExcel Format = "excel"
	FormatPDF   Format = "pdf"
)

// Formats lists every supported format in display order.
var Formats = []Format{FormatTable, FormatTSV, FormatCSV, FormatJSON, FormatXML, FormatExcel, FormatPDF}

// NoRecordsMessage is printed by text formats for an empty result.
const NoRecordsMessage = "No records found."

// ParseFormat validates s. An empty string selects FormatTable.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == "" {
		return FormatTable, nil
	}
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	names := make([]string, len(Formats))
	for i, known := range Formats {
		names[i] = string(known)
	}
	return "", snowerrors.Format("render", fmt.Errorf("unknown format %q: use one of %s", s, strings.Join(names, ", ")))
}

// NeedsDestination reports whether f is a binary format that must be
// written to a file.
func (f Format) NeedsDestination() bool {
	return f == FormatExcel || f == FormatPDF
}

// Extension returns the conventional file extension for f.
func (f Format) Extension() string {
	switch f {
	case FormatTable:
		return ".txt"
	case FormatExcel:
		return ".xlsx"
	default:
		return "." + string(f)
	}
}

// Options controls rendering.
type Options struct {
	Format   Format
	NoHeader bool
	// Destination is the file the caller will write to, if any. Binary
	// formats refuse to render without one.
	Destination string
	// Now stamps documents that carry a generation time. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// Render writes rs to w in the requested format.
func Render(w io.Writer, rs *query.RecordSet, opts Options) error {
	const op = "render"

	format := opts.Format
	if format == "" {
		format = FormatTable
	}
	if format.NeedsDestination() && strings.TrimSpace(opts.Destination) == "" {
		return snowerrors.Format(op, fmt.Errorf("format %s requires an output file", format))
	}
	if rs == nil {
		rs = &query.RecordSet{}
	}

	var err error
	switch format {
	case FormatTable:
		err = renderTable(w, rs, opts)
	case FormatTSV:
		err = renderTSV(w, rs, opts)
	case FormatCSV:
		err = renderCSV(w, rs, opts)
	case FormatJSON:
		err = renderJSON(w, rs)
	case FormatXML:
		err = renderXML(w, rs, opts.now())
	case FormatExcel:
		err = renderExcel(w, rs, opts)
	case FormatPDF:
		err = renderPDF(w, rs, opts)
	default:
		_, perr := ParseFormat(string(format))
		return perr
	}
	if err != nil {
		return snowerrors.Format(op, err)
	}
	return nil
}

// cellText renders one field for tabular output.
func cellText(rec *query.Record, column string, mode query.DisplayMode) string {
	v, ok := rec.Get(column)
	if !ok {
		return ""
	}
	return v.Text(mode)
}

// rows renders rs as a grid of cell strings in column order.
func rows(rs *query.RecordSet) [][]string {
	out := make([][]string, 0, len(rs.Records))
	for _, rec := range rs.Records {
		row := make([]string, len(rs.Columns))
		for i, col := range rs.Columns {
			row[i] = cellText(rec, col, rs.Display)
		}
		out = append(out, row)
	}
	return out
}
