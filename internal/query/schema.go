package query

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	snowerrors "github.com/rcourtman/snowctl/internal/errors"
)

// FieldSchema describes one column of a table, including inherited ones.
type FieldSchema struct {
	Name      string `json:"field"`
	Label     string `json:"label"`
	Type      string `json:"type"`
	Reference string `json:"references"`
}

// SchemaColumns is the column order used when rendering a schema.
var SchemaColumns = []string{"field", "label", "type", "references"}

const maxDictionaryRows = 10000

// Schema returns every field of table, walking the extension hierarchy to
// the root. A field redefined by a child table takes the child's
// definition. Results are sorted by field name.
func (e *Engine) Schema(ctx context.Context, host, table string) ([]FieldSchema, error) {
	const op = "table_schema"

	if _, err := New(Options{Table: table, All: true}); err != nil {
		return nil, err
	}
	table = strings.TrimSpace(table)

	hierarchy, err := e.hierarchy(ctx, host, table)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("sysparm_query", "nameIN"+strings.Join(hierarchy, ",")+"^elementISNOTEMPTY")
	params.Set("sysparm_fields", "element,column_label,internal_type,reference,name")
	params.Set("sysparm_limit", fmt.Sprint(maxDictionaryRows))
	params.Set("sysparm_display_value", "all")
	params.Set("sysparm_no_count", "true")

	body, err := e.get(ctx, host, "/api/now/table/sys_dictionary", params, op)
	if err != nil {
		return nil, err
	}
	rows, err := decodeResult(body)
	if err != nil {
		return nil, snowerrors.Parse(op, host, fmt.Errorf("decode sys_dictionary response: %w", err))
	}

	priority := make(map[string]int, len(hierarchy))
	for i, t := range hierarchy {
		priority[t] = i
	}

	type ranked struct {
		rank  int
		field FieldSchema
	}
	best := map[string]ranked{}
	for _, row := range rows {
		name := rawField(row, "element")
		if name == "" {
			continue
		}
		rank, ok := priority[rawField(row, "name")]
		if !ok {
			rank = len(hierarchy)
		}
		if cur, seen := best[name]; seen && cur.rank <= rank {
			continue
		}
		best[name] = ranked{rank: rank, field: FieldSchema{
			Name:      name,
			Label:     rawField(row, "column_label"),
			Type:      rawField(row, "internal_type"),
			Reference: rawField(row, "reference"),
		}}
	}

	out := make([]FieldSchema, 0, len(best))
	for _, r := range best {
		out = append(out, r.field)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// hierarchy returns table followed by its ancestors, most specific first.
func (e *Engine) hierarchy(ctx context.Context, host, table string) ([]string, error) {
	const op = "table_schema"

	var chain []string
	visited := map[string]bool{}
	for current := table; current != "" && !visited[current]; {
		visited[current] = true

		params := url.Values{}
		params.Set("sysparm_query", "name="+current)
		params.Set("sysparm_fields", "super_class.name")
		params.Set("sysparm_limit", "1")
		params.Set("sysparm_display_value", "false")

		body, err := e.get(ctx, host, "/api/now/table/sys_db_object", params, op)
		if err != nil {
			return nil, err
		}
		rows, err := decodeResult(body)
		if err != nil {
			return nil, snowerrors.Parse(op, host, fmt.Errorf("decode sys_db_object response: %w", err))
		}
		if len(rows) == 0 {
			if len(chain) == 0 {
				return nil, snowerrors.NotFound(op, host, fmt.Errorf("table %q not found or not accessible", table))
			}
			// Named as a parent but unreadable: keep it and stop climbing.
			chain = append(chain, current)
			break
		}
		chain = append(chain, current)

		parent, _ := rows[0].Get("super_class.name")
		current = strings.TrimSpace(parent.Raw)
		if current == "" {
			current = strings.TrimSpace(parent.Display)
		}
	}
	return chain, nil
}

// rawField returns the raw value of name in rec, or "".
func rawField(rec *Record, name string) string {
	v, _ := rec.Get(name)
	return v.Raw
}

// SchemaRecordSet renders fields as a record set for output formatting.
func SchemaRecordSet(fields []FieldSchema) *RecordSet {
	rs := &RecordSet{Table: "sys_dictionary", Display: DisplayValues, Columns: append([]string(nil), SchemaColumns...)}
	for _, f := range fields {
		rec := NewRecord()
		for _, kv := range [][2]string{{"field", f.Name}, {"label", f.Label}, {"type", f.Type}, {"references", f.Reference}} {
			rec.Set(kv[0], Value{Raw: kv[1], Display: kv[1]})
		}
		rs.Records = append(rs.Records, rec)
	}
	return rs
}
