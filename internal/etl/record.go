package etl

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"amt/internal/frame"
)

// ── Output schema ──────────────────────────────────────────
// Every view declares the exact columns of its output file.

// Column types a view may declare.
const (
	TypeString  = "string"
	TypeInt64   = "int64"
	TypeFloat64 = "float64"
	TypeBool    = "bool"
)

// Field describes a single output column.
type Field struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"` // "string" | "int64" | "float64" | "bool"
}

// Schema is the ordered column list of a view.
type Schema struct {
	Fields []Field `yaml:"fields" json:"fields"`
}

// FieldNames returns an ordered list of field names.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

func (s *Schema) validate() error {
	if len(s.Fields) == 0 {
		return errors.New("schema has no fields")
	}
	seen := map[string]bool{}
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Type == "" {
			f.Type = TypeString
		}
		switch f.Type {
		case TypeString, TypeInt64, TypeFloat64, TypeBool:
		default:
			return errors.Errorf("field %q has unknown type %q", f.Name, f.Type)
		}
		if f.Name == "" || seen[f.Name] {
			return errors.Errorf("field name %q is empty or repeated", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// coerce converts a table cell to the declared type. Text columns never hold
// null; the other types map null and "" to null.
func coerce(typ string, v any) (any, error) {
	if typ == TypeString {
		return frame.StringValue(v), nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if v == nil {
		return nil, nil
	}

	switch typ {
	case TypeInt64:
		switch n := v.(type) {
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		case bool:
			if n {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
				return i, nil
			}
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil && f == math.Trunc(f) {
				return int64(f), nil
			}
		}
	case TypeFloat64:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, nil
			}
		}
	case TypeBool:
		switch n := v.(type) {
		case bool:
			return n, nil
		case int64:
			return n != 0, nil
		case float64:
			return n != 0, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(n)) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no":
				return false, nil
			}
		}
	}
	return nil, errors.Errorf("cannot store %v (%T) as %s", v, v, typ)
}

// coerceTable converts every cell of t to its declared type. t must already
// hold exactly the schema columns.
func coerceTable(t *frame.Table, schema *Schema) (*frame.Table, error) {
	rows := t.Rows()
	for r, row := range rows {
		for i, f := range schema.Fields {
			v, err := coerce(f.Type, row[i])
			if err != nil {
				return nil, errors.Wrapf(err, "column %q row %d", f.Name, r)
			}
			row[i] = v
		}
	}
	return frame.FromRows(schema.FieldNames(), rows...)
}
