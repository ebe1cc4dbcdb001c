package frame

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// NormalizeOptions selects what Normalize turns into rows.
type NormalizeOptions struct {
	// RecordPath descends into nested arrays; one row per leaf. Empty means
	// one row per top-level object.
	RecordPath []string
	// Meta fields are copied from the top-level object onto every leaf row.
	// Array-valued meta fields explode into one row per element.
	Meta         [][]string
	MetaPrefix   string
	RecordPrefix string
}

// Normalize flattens a JSON document into a table. Nested objects become
// dotted column names. Blank input, null and empty arrays give a table with
// no rows and no columns.
func Normalize(data []byte, opts NormalizeOptions) (*Table, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return New(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	doc, err := decodeValue(dec)
	if err != nil {
		return nil, errors.Wrap(err, "normalize: decode json")
	}
	return normalizeDoc(doc, opts)
}

func normalizeDoc(doc any, opts NormalizeOptions) (*Table, error) {
	var objs []*object
	switch v := doc.(type) {
	case []any:
		for _, e := range v {
			if o, ok := e.(*object); ok {
				objs = append(objs, o)
			}
		}
	case *object:
		objs = []*object{v}
	}

	b := &rowBuilder{seen: map[string]bool{}}
	for _, o := range objs {
		if len(opts.RecordPath) == 0 {
			r := newFlatRow()
			flatten(o, opts.RecordPrefix, r)
			b.add(r)
			continue
		}
		metas := metaRows(o, opts)
		var leafErr error
		walk(o, opts.RecordPath, func(leaf any) {
			if leafErr != nil {
				return
			}
			rec := newFlatRow()
			if lo, ok := leaf.(*object); ok {
				flatten(lo, opts.RecordPrefix, rec)
			} else {
				rec.set(opts.RecordPrefix+opts.RecordPath[len(opts.RecordPath)-1], cell(leaf))
			}
			for _, m := range metas {
				r := rec.clone()
				for _, k := range m.keys {
					if _, clash := r.vals[k]; clash {
						leafErr = errors.Errorf("normalize: meta column %q conflicts with a record column, set a prefix", k)
						return
					}
					r.set(k, m.vals[k])
				}
				b.add(r)
			}
		})
		if leafErr != nil {
			return nil, leafErr
		}
	}
	return b.build(), nil
}

// walk yields the leaves found by following path, fanning out over arrays.
func walk(v any, path []string, emit func(any)) {
	if arr, ok := v.([]any); ok {
		for _, e := range arr {
			walk(e, path, emit)
		}
		return
	}
	if len(path) == 0 {
		if v != nil {
			emit(v)
		}
		return
	}
	o, ok := v.(*object)
	if !ok {
		return
	}
	child, ok := o.vals[path[0]]
	if !ok {
		return
	}
	walk(child, path[1:], emit)
}

func metaRows(o *object, opts NormalizeOptions) []*flatRow {
	rows := []*flatRow{newFlatRow()}
	for _, p := range opts.Meta {
		name := opts.MetaPrefix + strings.Join(p, ".")
		v := lookupPath(o, p)
		vals := []any{v}
		if arr, ok := v.([]any); ok {
			vals = arr
			if len(arr) == 0 {
				vals = []any{nil}
			}
		}
		next := make([]*flatRow, 0, len(rows)*len(vals))
		for _, r := range rows {
			for _, e := range vals {
				c := r.clone()
				if eo, ok := e.(*object); ok {
					flatten(eo, name+".", c)
				} else {
					c.set(name, cell(e))
				}
				next = append(next, c)
			}
		}
		rows = next
	}
	return rows
}

func lookupPath(o *object, path []string) any {
	var cur any = o
	for _, k := range path {
		co, ok := cur.(*object)
		if !ok {
			return nil
		}
		cur = co.vals[k]
	}
	return cur
}

func flatten(o *object, prefix string, r *flatRow) {
	for _, k := range o.keys {
		name := prefix + k
		if child, ok := o.vals[k].(*object); ok {
			flatten(child, name+".", r)
			continue
		}
		r.set(name, cell(o.vals[k]))
	}
}

// cell turns a decoded JSON value into a table cell. Arrays that are not
// exploded are kept as compact JSON text.
func cell(v any) any {
	switch x := v.(type) {
	case []any, *object:
		b, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		return x
	}
}

// ── Ordered JSON ───────────────────────────────────────────

// object keeps JSON keys in document order so column order is stable.
type object struct {
	keys []string
	vals map[string]any
}

func (o *object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch d := tok.(type) {
	case json.Delim:
		switch d {
		case '{':
			o := &object{vals: map[string]any{}}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				k, _ := kt.(string)
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				if _, dup := o.vals[k]; !dup {
					o.keys = append(o.keys, k)
				}
				o.vals[k] = v
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return o, nil
		case '[':
			arr := []any{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, errors.Errorf("unexpected delimiter %v", d)
	case json.Number:
		return normalizeCell(d), nil
	default:
		return d, nil
	}
}

// ── Row assembly ───────────────────────────────────────────

type flatRow struct {
	keys []string
	vals map[string]any
}

func newFlatRow() *flatRow { return &flatRow{vals: map[string]any{}} }

func (r *flatRow) set(k string, v any) {
	if _, ok := r.vals[k]; !ok {
		r.keys = append(r.keys, k)
	}
	r.vals[k] = v
}

func (r *flatRow) clone() *flatRow {
	c := &flatRow{keys: make([]string, len(r.keys)), vals: make(map[string]any, len(r.vals))}
	copy(c.keys, r.keys)
	for k, v := range r.vals {
		c.vals[k] = v
	}
	return c
}

type rowBuilder struct {
	cols []string
	seen map[string]bool
	rows []*flatRow
}

func (b *rowBuilder) add(r *flatRow) {
	for _, k := range r.keys {
		if !b.seen[k] {
			b.seen[k] = true
			b.cols = append(b.cols, k)
		}
	}
	b.rows = append(b.rows, r)
}

func (b *rowBuilder) build() *Table {
	t := &Table{cols: b.cols, data: make(map[string][]any, len(b.cols)), n: len(b.rows), open: len(b.rows) == 0}
	for _, c := range b.cols {
		vals := make([]any, len(b.rows))
		for i, r := range b.rows {
			vals[i] = r.vals[c]
		}
		t.data[c] = vals
	}
	return t
}
