package frame

import (
	"strings"

	"github.com/pkg/errors"
)

// FilterOp names a row predicate.
type FilterOp string

const (
	OpEq        FilterOp = "eq"
	OpNe        FilterOp = "ne"
	OpIn        FilterOp = "in"
	OpNotIn     FilterOp = "notIn"
	OpPrefix    FilterOp = "prefix"
	OpNotPrefix FilterOp = "notPrefix"
	OpEmpty     FilterOp = "empty"
	OpNotEmpty  FilterOp = "notEmpty"
	OpLt        FilterOp = "lt"
	OpLe        FilterOp = "le"
	OpGt        FilterOp = "gt"
	OpGe        FilterOp = "ge"
)

// Predicate keeps rows whose Column satisfies Op against Value, Values or,
// when set, the same row's Other column.
type Predicate struct {
	Column string
	Op     FilterOp
	Value  string
	Values []string
	Other  string
}

// Filter keeps the rows matching every predicate.
func Filter(t *Table, preds ...Predicate) (*Table, error) {
	for _, p := range preds {
		cols := []string{p.Column}
		if p.Other != "" {
			cols = append(cols, p.Other)
		}
		var err error
		if t, err = t.require("filter", cols...); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
	}
	var idx []int
	for r := 0; r < t.n; r++ {
		keep := true
		for _, p := range preds {
			if !p.match(t, r) {
				keep = false
				break
			}
		}
		if keep {
			idx = append(idx, r)
		}
	}
	return t.take(idx), nil
}

func (p Predicate) validate() error {
	switch p.Op {
	case OpEq, OpNe, OpIn, OpNotIn, OpPrefix, OpNotPrefix, OpEmpty, OpNotEmpty, OpLt, OpLe, OpGt, OpGe:
		return nil
	}
	return errors.Errorf("filter: unknown operator %q", p.Op)
}

func (p Predicate) match(t *Table, r int) bool {
	cell := t.data[p.Column][r]
	s := StringValue(cell)
	var ref any = p.Value
	if p.Other != "" {
		ref = t.data[p.Other][r]
	}
	refStr := StringValue(ref)

	switch p.Op {
	case OpEq:
		return s == refStr
	case OpNe:
		return s != refStr
	case OpIn, OpNotIn:
		found := false
		for _, v := range p.Values {
			if v == s {
				found = true
				break
			}
		}
		return found == (p.Op == OpIn)
	case OpPrefix:
		return strings.HasPrefix(s, refStr)
	case OpNotPrefix:
		return !strings.HasPrefix(s, refStr)
	case OpEmpty:
		return s == ""
	case OpNotEmpty:
		return s != ""
	}

	// Ordered comparisons never match a blank cell.
	if s == "" || refStr == "" {
		return false
	}
	d := compareValues(cell, ref)
	switch p.Op {
	case OpLt:
		return d < 0
	case OpLe:
		return d <= 0
	case OpGt:
		return d > 0
	case OpGe:
		return d >= 0
	}
	return false
}
