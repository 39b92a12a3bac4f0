// Package query reads records, counts and table schemas through the
// platform's Table and Aggregate REST APIs.
package query

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	snowerrors "github.com/rcourtman/snowctl/internal/errors"
)

// DisplayMode selects raw values, display values, or both.
type DisplayMode string

const (
	DisplayValues DisplayMode = "values"
	DisplayText   DisplayMode = "display"
	DisplayBoth   DisplayMode = "both"
)

// DefaultDisplayMode is used when no mode is given.
const DefaultDisplayMode = DisplayBoth

// sysparm returns the sysparm_display_value parameter for m.
func (m DisplayMode) sysparm() string {
	switch m {
	case DisplayText:
		return "true"
	case DisplayBoth:
		return "all"
	default:
		return "false"
	}
}

// ParseDisplayMode validates s. An empty string selects DefaultDisplayMode.
func ParseDisplayMode(s string) (DisplayMode, error) {
	switch DisplayMode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultDisplayMode, nil
	case DisplayValues:
		return DisplayValues, nil
	case DisplayText:
		return DisplayText, nil
	case DisplayBoth:
		return DisplayBoth, nil
	}
	return "", snowerrors.InvalidInput("build_query",
		fmt.Errorf("invalid display mode %q: use one of values, display, both", s))
}

var tableNameRE = regexp.MustCompile(`^[A-Za-z0-9_$]+$`)

// Options describes a query before validation.
type Options struct {
	Table       string
	Filter      string
	OrderBy     []string
	OrderByDesc []string
	Fields      []string
	// Limit must be positive unless All is set.
	Limit int
	// All reads every matching record. It excludes Limit.
	All     bool
	Offset  int
	Display DisplayMode
}

// Query is a validated, immutable table read.
type Query struct {
	table       string
	filter      string
	orderBy     []string
	orderByDesc []string
	fields      []string
	limit       int
	offset      int
	display     DisplayMode
}

// New validates opts and builds a Query.
func New(opts Options) (Query, error) {
	const op = "build_query"

	table := strings.TrimSpace(opts.Table)
	if table == "" {
		return Query{}, snowerrors.InvalidInput(op, fmt.Errorf("table is required"))
	}
	if !tableNameRE.MatchString(table) {
		return Query{}, snowerrors.InvalidInput(op, fmt.Errorf("invalid table name %q", table))
	}
	switch {
	case opts.All && opts.Limit != 0:
		return Query{}, snowerrors.InvalidInput(op, fmt.Errorf("limit cannot be combined with all"))
	case !opts.All && opts.Limit <= 0:
		return Query{}, snowerrors.InvalidInput(op, fmt.Errorf("limit must be positive, got %d", opts.Limit))
	}
	if opts.Offset < 0 {
		return Query{}, snowerrors.InvalidInput(op, fmt.Errorf("offset must not be negative"))
	}
	display := opts.Display
	if display == "" {
		display = DefaultDisplayMode
	}
	if _, err := ParseDisplayMode(string(display)); err != nil {
		return Query{}, err
	}

	return Query{
		table:       table,
		filter:      strings.TrimSpace(opts.Filter),
		orderBy:     cleanList(opts.OrderBy),
		orderByDesc: cleanList(opts.OrderByDesc),
		fields:      cleanList(opts.Fields),
		limit:       opts.Limit,
		offset:      opts.Offset,
		display:     display,
	}, nil
}

func (q Query) Table() string        { return q.table }
func (q Query) Limit() int           { return q.limit }
func (q Query) Display() DisplayMode { return q.display }

// Fields returns the projection in caller order. Empty means all fields.
func (q Query) Fields() []string { return append([]string(nil), q.fields...) }

// Encoded returns sysparm_query: the filter, then ascending sort keys, then
// descending sort keys, joined with ^.
func (q Query) Encoded() string {
	parts := make([]string, 0, 1+len(q.orderBy)+len(q.orderByDesc))
	if q.filter != "" {
		parts = append(parts, q.filter)
	}
	for _, f := range q.orderBy {
		parts = append(parts, "ORDERBY"+f)
	}
	for _, f := range q.orderByDesc {
		parts = append(parts, "ORDERBYDESC"+f)
	}
	return strings.Join(parts, "^")
}

// params returns the Table API parameters for one page.
func (q Query) params(offset, pageSize int) url.Values {
	v := url.Values{}
	v.Set("sysparm_display_value", q.display.sysparm())
	v.Set("sysparm_query", q.Encoded())
	if len(q.fields) > 0 {
		v.Set("sysparm_fields", strings.Join(q.fields, ","))
	}
	v.Set("sysparm_limit", strconv.Itoa(pageSize))
	if offset > 0 {
		v.Set("sysparm_offset", strconv.Itoa(offset))
	}
	return v
}

// SplitList splits a comma-separated list, trimming blanks and dropping
// duplicates while keeping first-seen order.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return cleanList(strings.Split(s, ","))
}

func cleanList(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
