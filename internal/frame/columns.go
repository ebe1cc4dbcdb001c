package frame

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"amt/internal/descriptor"
)

// DescriptorResolver maps a descriptor URI to its mapping row.
type DescriptorResolver interface {
	Resolve(uri string) (descriptor.Entry, bool)
	HasPrefix(uri, prefix string) bool
}

// DescriptorCodeFromURI replaces "…#code" cells of col with "code". Cells
// without '#' and non-string cells are left alone.
func DescriptorCodeFromURI(t *Table, col string) (*Table, error) {
	return mapColumn(t, "descriptorCodeFromUri", col, col, func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		if i := strings.LastIndexByte(s, '#'); i >= 0 {
			return s[i+1:], nil
		}
		return s, nil
	})
}

// DescriptorConstant adds <col>_constantName, <col>_codeValue and
// <col>_descriptor from the mapping. Unmatched rows get "" in all three.
func DescriptorConstant(t *Table, col string, m DescriptorResolver) (*Table, error) {
	t, err := t.require("descriptorConstant", col)
	if err != nil {
		return nil, err
	}
	src := t.data[col]
	names := make([]any, t.n)
	codes := make([]any, t.n)
	descs := make([]any, t.n)
	for i, v := range src {
		names[i], codes[i], descs[i] = "", "", ""
		s, ok := v.(string)
		if !ok {
			continue
		}
		if e, ok := m.Resolve(s); ok {
			names[i], codes[i], descs[i] = e.ConstantName, e.CodeValue, e.Descriptor
		}
	}
	return t.with(col+"_constantName", names).
		with(col+"_codeValue", codes).
		with(col+"_descriptor", descs), nil
}

// KeepDescriptorPrefix keeps the rows whose col maps to a constant name
// starting with prefix. Unmapped and non-string cells are dropped.
func KeepDescriptorPrefix(t *Table, col, prefix string, m DescriptorResolver) (*Table, error) {
	t, err := t.require("descriptorPrefix", col)
	if err != nil {
		return nil, err
	}
	var idx []int
	for i, v := range t.data[col] {
		if s, ok := v.(string); ok && m.HasPrefix(s, prefix) {
			idx = append(idx, i)
		}
	}
	return t.take(idx), nil
}

// ReferenceIDFromHref writes the last path segment of col into dest.
func ReferenceIDFromHref(t *Table, col, dest string) (*Table, error) {
	return mapColumn(t, "referenceIdFromHref", col, dest, func(v any) (any, error) {
		s := strings.TrimRight(StringValue(v), "/")
		if i := strings.LastIndexByte(s, '/'); i >= 0 {
			return s[i+1:], nil
		}
		return s, nil
	})
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"20060102",
}

// DateKey formats tm as YYYYMMDD.
func DateKey(tm time.Time) string { return tm.Format("20060102") }

// ToDateTimeKey rewrites col as YYYYMMDD digits. Blank cells stay blank.
func ToDateTimeKey(t *Table, col string) (*Table, error) {
	return mapColumn(t, "toDateTimeKey", col, col, func(v any) (any, error) {
		s := strings.TrimSpace(StringValue(v))
		if s == "" {
			return "", nil
		}
		for _, layout := range dateLayouts {
			if tm, err := time.Parse(layout, s); err == nil {
				return DateKey(tm), nil
			}
		}
		return nil, errors.Errorf("toDateTimeKey: %q in column %q is not a date", s, col)
	})
}

// JoinColumns writes the stringified cols joined by sep into dest.
func JoinColumns(t *Table, dest string, cols []string, sep string) (*Table, error) {
	if len(cols) == 0 {
		return nil, errors.New("joinColumns: no columns")
	}
	t, err := t.require("joinColumns", cols...)
	if err != nil {
		return nil, err
	}
	vals := make([]any, t.n)
	parts := make([]string, len(cols))
	for r := 0; r < t.n; r++ {
		for i, c := range cols {
			parts[i] = StringValue(t.data[c][r])
		}
		vals[r] = strings.Join(parts, sep)
	}
	return t.with(dest, vals), nil
}

// CompositeKey joins the stringified cols with "-" into dest. A key made of
// separators only, such as "--", becomes "".
func CompositeKey(t *Table, dest string, cols []string) (*Table, error) {
	out, err := JoinColumns(t, dest, cols, "-")
	if err != nil {
		return nil, errors.Wrap(err, "compositeKey")
	}
	keys := out.data[dest]
	for i, k := range keys {
		keys[i] = normalizeKey(k.(string))
	}
	return out, nil
}

func normalizeKey(k string) string {
	if strings.Trim(k, "-") == "" {
		return ""
	}
	return k
}

// BoolToInt maps true→1 and false→0 in each col. Nulls stay null.
func BoolToInt(t *Table, cols ...string) (*Table, error) {
	var err error
	for _, c := range cols {
		t, err = mapColumn(t, "boolToInt", c, c, func(v any) (any, error) {
			if v == nil {
				return nil, nil
			}
			b, ok := toBool(v)
			if !ok {
				return v, nil
			}
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		})
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Stringify turns each cell of cols into its key string; nulls become "".
func Stringify(t *Table, cols ...string) (*Table, error) {
	var err error
	for _, c := range cols {
		t, err = mapColumn(t, "stringify", c, c, func(v any) (any, error) {
			return StringValue(v), nil
		})
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func mapColumn(t *Table, op, col, dest string, fn func(any) (any, error)) (*Table, error) {
	t, err := t.require(op, col)
	if err != nil {
		return nil, err
	}
	src := t.data[col]
	vals := make([]any, len(src))
	for i, v := range src {
		if vals[i], err = fn(v); err != nil {
			return nil, err
		}
	}
	return t.with(dest, vals), nil
}
