package signals

import (
	"encoding/json"

	"github.com/google/go-cmp/cmp"
)

// Node values are JSON-like: nil, bool, string, numbers, []any and map[string]any.
// Numbers of different Go types are equal when they have the same float64 value,
// so values decoded from JSON compare equal to values written by Go code.

var valueOpts = cmp.Options{
	cmp.FilterValues(func(a, b any) bool {
		_, okA := numeric(a)
		_, okB := numeric(b)
		return okA && okB
	}, cmp.Comparer(func(a, b any) bool {
		fa, _ := numeric(a)
		fb, _ := numeric(b)
		return fa == fb
	})),
}

// ValuesEqual compares two node values.
func ValuesEqual(a, b any) bool {
	return cmp.Equal(a, b, valueOpts)
}

// numeric converts a value to float64 if it's a number.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
