package frame

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ── Cell coercion ──────────────────────────────────────────

// normalizeCell folds Go scalar types into the cell domain.
func normalizeCell(v any) any {
	switch n := v.(type) {
	case nil, string, int64, float64, bool:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	default:
		b, err := json.Marshal(n)
		if err != nil {
			return nil
		}
		return string(b)
	}
}

// StringValue renders a cell the way keys are built: nil is "", integral
// floats carry no decimal and booleans become "1" or "0".
func StringValue(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) && math.Abs(n) < 1e18 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case bool:
		if n {
			return "1"
		}
		return "0"
	default:
		return StringValue(normalizeCell(n))
	}
}

func toFloatSafe(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(b) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0":
			return false, true
		}
	case int64:
		return b != 0, true
	case float64:
		return b != 0, true
	}
	return false, false
}

// compareValues orders nil first, then numerically when both sides are
// numbers, else by string form.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	fa, aOk := toFloatSafe(a)
	fb, bOk := toFloatSafe(b)
	if aOk && bOk {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(StringValue(a), StringValue(b))
}
