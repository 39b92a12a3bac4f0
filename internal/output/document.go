package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/rcourtman/snowctl/internal/query"
)

// renderJSON writes an array of objects with each record's fields in the
// order the platform returned them. Both mode keeps a
// {"value", "display_value"} pair per field.
func renderJSON(w io.Writer, rs *query.RecordSet) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rec := range rs.Records {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for j, key := range rec.Keys() {
			if j > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONValue(&buf, key); err != nil {
				return err
			}
			buf.WriteByte(':')
			v, _ := rec.Get(key)
			var err error
			switch rs.Display {
			case query.DisplayValues:
				err = writeJSONValue(&buf, v.Raw)
			case query.DisplayText:
				err = writeJSONValue(&buf, v.Display)
			default:
				err = writeJSONValue(&buf, v)
			}
			if err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return fmt.Errorf("indent JSON: %w", err)
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

var unsafeXMLName = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// xmlName makes s usable as an element name.
func xmlName(s string) string {
	name := unsafeXMLName.ReplaceAllString(s, "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "_" + name
	}
	return name
}

// renderXML writes the platform's XML unload format. Empty results still
// produce the envelope.
func renderXML(w io.Writer, rs *query.RecordSet, now time.Time) error {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(&b, `<unload unload_date="%s">`+"\n", now.Format("2006-01-02 15:04:05"))

	table := xmlName(rs.Table)
	for _, rec := range rs.Records {
		fmt.Fprintf(&b, `<%s action="INSERT_OR_UPDATE">`+"\n", table)
		for _, key := range rec.Keys() {
			name := xmlName(key)
			v, _ := rec.Get(key)
			switch rs.Display {
			case query.DisplayValues:
				fmt.Fprintf(&b, "  <%s>%s</%s>\n", name, html.EscapeString(v.Raw), name)
			case query.DisplayText:
				fmt.Fprintf(&b, "  <%s>%s</%s>\n", name, html.EscapeString(v.Display), name)
			default:
				if v.Display != "" && v.Display != v.Raw {
					fmt.Fprintf(&b, "  <%s display_value=\"%s\">%s</%s>\n",
						name, html.EscapeString(v.Display), html.EscapeString(v.Raw), name)
				} else {
					fmt.Fprintf(&b, "  <%s>%s</%s>\n", name, html.EscapeString(v.Raw), name)
				}
			}
		}
		fmt.Fprintf(&b, "</%s>\n", table)
	}
	b.WriteString("</unload>\n")

	_, err := io.WriteString(w, b.String())
	return err
}
