package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Value is one field of a record. In values mode Display mirrors Raw; in
// display mode Raw mirrors Display; in both mode each half is kept as the
// platform sent it, even when they are identical.
type Value struct {
	Raw     string `json:"value"`
	Display string `json:"display_value"`
}

// Text renders v for a text format in mode: both mode shows
// "display (raw)" when the halves differ.
func (v Value) Text(mode DisplayMode) string {
	switch mode {
	case DisplayValues:
		return v.Raw
	case DisplayText:
		return v.Display
	default:
		if v.Display == v.Raw {
			return v.Display
		}
		return v.Display + " (" + v.Raw + ")"
	}
}

// Record is an ordered set of fields.
type Record struct {
	keys   []string
	values map[string]Value
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{values: map[string]Value{}}
}

// Set adds or replaces a field, keeping first-insertion order.
func (r *Record) Set(name string, v Value) {
	if _, ok := r.values[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.values[name] = v
}

// Get returns the named field.
func (r *Record) Get(name string) (Value, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Keys returns field names in the order the platform sent them.
func (r *Record) Keys() []string { return append([]string(nil), r.keys...) }

// RecordSet is the uniform result of a read, ready for formatting.
type RecordSet struct {
	Table   string
	Display DisplayMode
	// Columns is the projection order, or the first record's field order.
	Columns []string
	Records []*Record
}

// Len returns the number of records.
func (rs *RecordSet) Len() int { return len(rs.Records) }

// resolveColumns fills Columns from fields or the first record.
func (rs *RecordSet) resolveColumns(fields []string) {
	switch {
	case len(fields) > 0:
		rs.Columns = append([]string(nil), fields...)
	case len(rs.Records) > 0:
		rs.Columns = rs.Records[0].Keys()
	default:
		rs.Columns = nil
	}
}

// decodeResult reads a {"result": ...} envelope. A single object result is
// normalised to a one-element list. Field order within each record is kept.
func decodeResult(body []byte) ([]*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var records []*Record
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		if key != "result" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}

		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch tok {
		case json.Delim('['):
			for dec.More() {
				if err := expectDelim(dec, '{'); err != nil {
					return nil, err
				}
				rec, err := readRecord(dec)
				if err != nil {
					return nil, err
				}
				records = append(records, rec)
			}
			if err := expectDelim(dec, ']'); err != nil {
				return nil, err
			}
		case json.Delim('{'):
			rec, err := readRecord(dec)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		case nil:
		default:
			return nil, fmt.Errorf("unexpected result token %v", tok)
		}
	}
	return records, nil
}

// readRecord reads the members of an object whose opening brace has been
// consumed, through the closing brace.
func readRecord(dec *json.Decoder) (*Record, error) {
	rec := NewRecord()
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		rec.Set(key, normalize(raw))
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return rec, nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// normalize maps one raw JSON field to a Value. Reference fields arrive as
// objects: {link, value} in values mode, {link, display_value} in display
// mode and {display_value, value, link} in both mode.
func normalize(raw json.RawMessage) Value {
	var obj map[string]json.RawMessage
	if len(raw) > 0 && raw[0] == '{' && json.Unmarshal(raw, &obj) == nil {
		rawVal, hasRaw := obj["value"]
		dispVal, hasDisp := obj["display_value"]
		v := Value{Raw: scalar(rawVal), Display: scalar(dispVal)}
		switch {
		case hasRaw && !hasDisp:
			v.Display = v.Raw
		case hasDisp && !hasRaw:
			v.Raw = v.Display
		case !hasRaw && !hasDisp:
			s := string(raw)
			v = Value{Raw: s, Display: s}
		}
		return v
	}
	s := scalar(raw)
	return Value{Raw: s, Display: s}
}

// scalar renders a JSON scalar as text. Numbers and booleans keep their
// literal form; null becomes "".
func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	return string(raw)
}
