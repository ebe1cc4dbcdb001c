package frame

import (
	"strings"

	"github.com/pkg/errors"
)

// JoinKind is the relational join flavour of Merge.
type JoinKind string

const (
	InnerJoin JoinKind = "inner"
	LeftJoin  JoinKind = "left"
	RightJoin JoinKind = "right"
	OuterJoin JoinKind = "outer"
)

// MergeOptions configures Merge. A nil suffix keeps the column name as-is;
// when that still collides, the right side's copy is dropped.
type MergeOptions struct {
	How         JoinKind
	LeftOn      []string
	RightOn     []string
	SuffixLeft  *string
	SuffixRight *string
}

// Suffix returns a pointer for MergeOptions.
func Suffix(s string) *string { return &s }

// DefaultSuffixes are the suffixes applied when a view does not set any.
var DefaultSuffixes = [2]string{"_x", "_y"}

// Merge joins left and right on equal key tuples. Keys compare by their
// string form and a null key component never matches. Rows follow left order;
// a right join follows right order and an outer join appends unmatched right
// rows after the left ones.
func Merge(left, right *Table, opts MergeOptions) (*Table, error) {
	if len(opts.LeftOn) == 0 || len(opts.LeftOn) != len(opts.RightOn) {
		return nil, errors.Errorf("merge: join columns %v and %v must be non-empty and of equal length", opts.LeftOn, opts.RightOn)
	}
	how := opts.How
	if how == "" {
		how = InnerJoin
	}
	switch how {
	case InnerJoin, LeftJoin, RightJoin, OuterJoin:
	default:
		return nil, errors.Errorf("merge: unknown join %q", how)
	}
	var err error
	if left, err = left.require("merge", opts.LeftOn...); err != nil {
		return nil, err
	}
	if right, err = right.require("merge", opts.RightOn...); err != nil {
		return nil, err
	}

	// Key columns with the same name on both sides collapse into one.
	shared := map[string]int{}
	for i := range opts.LeftOn {
		if opts.LeftOn[i] == opts.RightOn[i] {
			shared[opts.LeftOn[i]] = i
		}
	}

	pairs := joinPairs(left, right, opts.LeftOn, opts.RightOn, how)

	out := &Table{data: map[string][]any{}, n: len(pairs), open: left.open || right.open}
	add := func(name string, vals []any) {
		if _, dup := out.data[name]; dup {
			return
		}
		out.cols = append(out.cols, name)
		out.data[name] = vals
	}
	pick := func(src []any, side func(p [2]int) int) []any {
		vals := make([]any, len(pairs))
		for i, p := range pairs {
			if r := side(p); r >= 0 {
				vals[i] = src[r]
			}
		}
		return vals
	}
	leftRow := func(p [2]int) int { return p[0] }
	rightRow := func(p [2]int) int { return p[1] }

	for _, c := range left.cols {
		if ki, ok := shared[c]; ok {
			lv, rv := left.data[c], right.data[opts.RightOn[ki]]
			vals := make([]any, len(pairs))
			for i, p := range pairs {
				if p[0] >= 0 {
					vals[i] = lv[p[0]]
				} else {
					vals[i] = rv[p[1]]
				}
			}
			add(c, vals)
			continue
		}
		name := c
		if right.Has(c) && opts.SuffixLeft != nil {
			name = c + *opts.SuffixLeft
		}
		add(name, pick(left.data[c], leftRow))
	}
	for _, c := range right.cols {
		if _, ok := shared[c]; ok {
			continue
		}
		name := c
		if left.Has(c) && opts.SuffixRight != nil {
			name = c + *opts.SuffixRight
		}
		add(name, pick(right.data[c], rightRow))
	}
	return out, nil
}

// joinPairs returns (leftRow, rightRow) pairs; -1 marks the missing side.
func joinPairs(left, right *Table, leftOn, rightOn []string, how JoinKind) [][2]int {
	index := map[string][]int{}
	for r := 0; r < right.n; r++ {
		if k, ok := rowKey(right, rightOn, r); ok {
			index[k] = append(index[k], r)
		}
	}

	if how == RightJoin {
		lindex := map[string][]int{}
		for l := 0; l < left.n; l++ {
			if k, ok := rowKey(left, leftOn, l); ok {
				lindex[k] = append(lindex[k], l)
			}
		}
		var pairs [][2]int
		for r := 0; r < right.n; r++ {
			k, ok := rowKey(right, rightOn, r)
			matches := lindex[k]
			if !ok || len(matches) == 0 {
				pairs = append(pairs, [2]int{-1, r})
				continue
			}
			for _, l := range matches {
				pairs = append(pairs, [2]int{l, r})
			}
		}
		return pairs
	}

	var pairs [][2]int
	matched := make([]bool, right.n)
	for l := 0; l < left.n; l++ {
		k, ok := rowKey(left, leftOn, l)
		matches := index[k]
		if !ok || len(matches) == 0 {
			if how == LeftJoin || how == OuterJoin {
				pairs = append(pairs, [2]int{l, -1})
			}
			continue
		}
		for _, r := range matches {
			matched[r] = true
			pairs = append(pairs, [2]int{l, r})
		}
	}
	if how == OuterJoin {
		for r, m := range matched {
			if !m {
				pairs = append(pairs, [2]int{-1, r})
			}
		}
	}
	return pairs
}

func rowKey(t *Table, cols []string, row int) (string, bool) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		v := t.data[c][row]
		if v == nil {
			return "", false
		}
		parts[i] = StringValue(v)
	}
	return strings.Join(parts, "\x1f"), true
}
