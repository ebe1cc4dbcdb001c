// Package frame is a small column-store table and the operators views are
// built from. Cells hold string, int64, float64, bool or nil.
package frame

import (
	"fmt"

	"github.com/pkg/errors"
)

// Table is an ordered set of equal-length columns. Operators never mutate
// their inputs; they return a new Table that may share column slices.
type Table struct {
	cols []string
	data map[string][]any
	n    int
	// open marks a table whose schema is not known yet because it derives
	// from an input without records. Operators add the columns they need
	// to an open table with no rows instead of failing.
	open bool
}

// New returns a zero-row table with the given columns. Without columns the
// table is open: its schema is unknown until rows arrive.
func New(cols ...string) *Table {
	t := &Table{data: make(map[string][]any, len(cols)), open: len(cols) == 0}
	for _, c := range cols {
		if _, ok := t.data[c]; ok {
			continue
		}
		t.cols = append(t.cols, c)
		t.data[c] = []any{}
	}
	return t
}

// FromRows builds a table from positional rows.
func FromRows(cols []string, rows ...[]any) (*Table, error) {
	t := New(cols...)
	if len(t.cols) != len(cols) {
		return nil, errors.New("duplicate column name")
	}
	for i, r := range rows {
		if len(r) != len(cols) {
			return nil, errors.Errorf("row %d has %d cells, want %d", i, len(r), len(cols))
		}
		for j, c := range cols {
			t.data[c] = append(t.data[c], normalizeCell(r[j]))
		}
	}
	t.n = len(rows)
	return t, nil
}

// MustFromRows is FromRows for literals in tests and fixtures.
func MustFromRows(cols []string, rows ...[]any) *Table {
	t, err := FromRows(cols, rows...)
	if err != nil {
		panic(err)
	}
	return t
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.cols))
	copy(out, t.cols)
	return out
}

// Len returns the row count.
func (t *Table) Len() int { return t.n }

// Has reports whether col exists.
func (t *Table) Has(col string) bool {
	_, ok := t.data[col]
	return ok
}

// Column returns the cells of col. The slice must not be modified.
func (t *Table) Column(col string) ([]any, bool) {
	v, ok := t.data[col]
	return v, ok
}

// Value returns the cell at (row, col), or nil when col is absent.
func (t *Table) Value(row int, col string) any {
	v, ok := t.data[col]
	if !ok {
		return nil
	}
	return v[row]
}

// Row returns row i as a map.
func (t *Table) Row(i int) map[string]any {
	out := make(map[string]any, len(t.cols))
	for _, c := range t.cols {
		out[c] = t.data[c][i]
	}
	return out
}

// Rows returns every row as positional cells, in column order.
func (t *Table) Rows() [][]any {
	out := make([][]any, t.n)
	for i := range out {
		r := make([]any, len(t.cols))
		for j, c := range t.cols {
			r[j] = t.data[c][i]
		}
		out[i] = r
	}
	return out
}

func (t *Table) String() string {
	return fmt.Sprintf("frame.Table(%d rows × %v)", t.n, t.cols)
}

// shallow copies the column index; column slices are shared.
func (t *Table) shallow() *Table {
	out := &Table{cols: make([]string, len(t.cols)), data: make(map[string][]any, len(t.cols)), n: t.n, open: t.open}
	copy(out.cols, t.cols)
	for k, v := range t.data {
		out.data[k] = v
	}
	return out
}

// with sets col to vals, appending it when new.
func (t *Table) with(col string, vals []any) *Table {
	out := t.shallow()
	if _, ok := out.data[col]; !ok {
		out.cols = append(out.cols, col)
	}
	out.data[col] = vals
	return out
}

// take builds a table from the given row indexes; -1 yields a nil row.
func (t *Table) take(idx []int) *Table {
	out := &Table{cols: t.Columns(), data: make(map[string][]any, len(t.cols)), n: len(idx), open: t.open}
	for _, c := range t.cols {
		src := t.data[c]
		dst := make([]any, len(idx))
		for i, r := range idx {
			if r >= 0 {
				dst[i] = src[r]
			}
		}
		out.data[c] = dst
	}
	return out
}

// require checks that cols exist. An open table without rows gets the
// missing columns instead, so empty feeds flow through. A table with a known
// schema rejects unknown names even when filtering left it with no rows.
func (t *Table) require(op string, cols ...string) (*Table, error) {
	out := t
	for _, c := range cols {
		if out.Has(c) {
			continue
		}
		if out.n > 0 || !out.open {
			return nil, errors.Errorf("%s: unknown column %q", op, c)
		}
		out = out.with(c, []any{})
	}
	return out, nil
}

func nils(n int) []any { return make([]any, n) }

func filled(n int, v any) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = v
	}
	return out
}
