package frame

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ── Projection ─────────────────────────────────────────────

// Subset projects t onto cols, in that order.
func Subset(t *Table, cols []string) (*Table, error) {
	t, err := t.require("subset", cols...)
	if err != nil {
		return nil, err
	}
	out := &Table{data: make(map[string][]any, len(cols)), n: t.n, open: t.open}
	for _, c := range cols {
		if _, dup := out.data[c]; dup {
			return nil, errors.Errorf("subset: column %q listed twice", c)
		}
		out.cols = append(out.cols, c)
		out.data[c] = t.data[c]
	}
	return out, nil
}

// Rename applies old→new renames. Unknown old names are ignored.
func Rename(t *Table, mapping map[string]string) (*Table, error) {
	out := &Table{data: make(map[string][]any, len(t.cols)), n: t.n, open: t.open}
	for _, c := range t.cols {
		name := c
		if to, ok := mapping[c]; ok {
			name = to
		}
		if _, dup := out.data[name]; dup {
			return nil, errors.Errorf("rename: column %q would appear twice", name)
		}
		out.cols = append(out.cols, name)
		out.data[name] = t.data[c]
	}
	return out, nil
}

// Drop removes columns; unknown names are ignored.
func Drop(t *Table, cols ...string) *Table {
	drop := make(map[string]bool, len(cols))
	for _, c := range cols {
		drop[c] = true
	}
	out := &Table{data: make(map[string][]any, len(t.cols)), n: t.n, open: t.open}
	for _, c := range t.cols {
		if drop[c] {
			continue
		}
		out.cols = append(out.cols, c)
		out.data[c] = t.data[c]
	}
	return out
}

// AddColumnIfNotExists appends col filled with def unless it already exists.
func AddColumnIfNotExists(t *Table, col string, def any) *Table {
	if t.Has(col) {
		return t
	}
	return t.with(col, filled(t.n, normalizeCell(def)))
}

// Copy duplicates src into dest, replacing dest when present.
func Copy(t *Table, src, dest string) (*Table, error) {
	t, err := t.require("copy", src)
	if err != nil {
		return nil, err
	}
	vals := make([]any, t.n)
	copy(vals, t.data[src])
	return t.with(dest, vals), nil
}

// Fill replaces null cells of col with v.
func Fill(t *Table, col string, v any) (*Table, error) {
	t, err := t.require("fill", col)
	if err != nil {
		return nil, err
	}
	v = normalizeCell(v)
	src := t.data[col]
	vals := make([]any, len(src))
	for i, x := range src {
		if x == nil {
			x = v
		}
		vals[i] = x
	}
	return t.with(col, vals), nil
}

// FillBlank replaces null and empty-string cells of col with v.
func FillBlank(t *Table, col string, v any) (*Table, error) {
	t, err := t.require("fill", col)
	if err != nil {
		return nil, err
	}
	v = normalizeCell(v)
	src := t.data[col]
	vals := make([]any, len(src))
	for i, x := range src {
		if x == nil || x == "" {
			x = v
		}
		vals[i] = x
	}
	return t.with(col, vals), nil
}

// ── Stacking ───────────────────────────────────────────────

// Concat stacks tables vertically over the union of their columns. Cells a
// table lacks are null. The result is open when any part is.
func Concat(tables ...*Table) *Table {
	out := &Table{data: map[string][]any{}, open: len(tables) == 0}
	for _, t := range tables {
		out.open = out.open || t.open
		for _, c := range t.cols {
			if _, ok := out.data[c]; !ok {
				out.cols = append(out.cols, c)
				out.data[c] = nils(out.n)
			}
		}
		for _, c := range out.cols {
			if src, ok := t.data[c]; ok {
				out.data[c] = append(out.data[c], src...)
			} else {
				out.data[c] = append(out.data[c], nils(t.n)...)
			}
		}
		out.n += t.n
	}
	return out
}

// ── Row selection ──────────────────────────────────────────

// Distinct keeps the first row of every distinct tuple over cols, or over all
// columns when cols is empty.
func Distinct(t *Table, cols ...string) (*Table, error) {
	if len(cols) == 0 {
		cols = t.cols
	}
	t, err := t.require("distinct", cols...)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, t.n)
	var idx []int
	for r := 0; r < t.n; r++ {
		parts := make([]string, len(cols))
		for i, c := range cols {
			v := t.data[c][r]
			if v == nil {
				parts[i] = "\x00"
			} else {
				parts[i] = StringValue(v)
			}
		}
		k := strings.Join(parts, "\x1f")
		if seen[k] {
			continue
		}
		seen[k] = true
		idx = append(idx, r)
	}
	return t.take(idx), nil
}

// Sort orders rows by cols, stably. Nulls sort first.
func Sort(t *Table, cols []string, descending bool) (*Table, error) {
	t, err := t.require("sort", cols...)
	if err != nil {
		return nil, err
	}
	idx := make([]int, t.n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		for _, c := range cols {
			d := compareValues(t.data[c][idx[a]], t.data[c][idx[b]])
			if d == 0 {
				continue
			}
			if descending {
				return d > 0
			}
			return d < 0
		}
		return false
	})
	return t.take(idx), nil
}

// Conform projects t onto the declared output columns. Extra columns are
// dropped; a missing column fails unless t has no rows.
func Conform(t *Table, cols []string) (*Table, error) {
	var missing []string
	for _, c := range cols {
		if !t.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 && t.n > 0 {
		return nil, errors.Errorf("output is missing columns %v", missing)
	}
	for _, c := range missing {
		t = t.with(c, []any{})
	}
	return Subset(t, cols)
}
