package frame

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// CrossTab pivots t: one row per distinct index tuple, in order of first
// appearance, and one column per distinct value of column, sorted. Cells are
// booleans when asBool is set, else occurrence counts. Rows with a null index
// component or a null pivot value are not counted.
func CrossTab(t *Table, index []string, column string, asBool bool) (*Table, error) {
	if len(index) == 0 {
		return nil, errors.New("crossTab: no index columns")
	}
	t, err := t.require("crossTab", append(append([]string{}, index...), column)...)
	if err != nil {
		return nil, err
	}

	rowOf := map[string]int{}
	var firsts []int
	counts := map[string]map[int]int64{}
	valueSet := map[string]bool{}

	for r := 0; r < t.n; r++ {
		parts := make([]string, len(index))
		skip := false
		for i, c := range index {
			v := t.data[c][r]
			if v == nil {
				skip = true
				break
			}
			parts[i] = StringValue(v)
		}
		if skip {
			continue
		}
		k := strings.Join(parts, "\x1f")
		row, ok := rowOf[k]
		if !ok {
			row = len(firsts)
			rowOf[k] = row
			firsts = append(firsts, r)
		}
		pv := t.data[column][r]
		if pv == nil {
			continue
		}
		name := StringValue(pv)
		valueSet[name] = true
		if counts[name] == nil {
			counts[name] = map[int]int64{}
		}
		counts[name][row]++
	}

	values := make([]string, 0, len(valueSet))
	for v := range valueSet {
		values = append(values, v)
	}
	sort.Strings(values)

	out, err := Subset(t.take(firsts), index)
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		if out.Has(v) {
			return nil, errors.Errorf("crossTab: value %q collides with an index column", v)
		}
		cells := make([]any, len(firsts))
		for row := range cells {
			n := counts[v][row]
			if asBool {
				cells[row] = n > 0
			} else {
				cells[row] = n
			}
		}
		out = out.with(v, cells)
	}
	return out, nil
}
