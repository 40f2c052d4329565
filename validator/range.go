package validator

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Range 表示闭区间 [Min, Max]
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies inside the closed interval.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Check returns an out_of_range error for field when v is outside r.
func (r Range) Check(field string, v float64) error {
	if !r.Contains(v) {
		return newError(field, ReasonOutOfRange, "value %g not in [%g, %g]", v, r.Min, r.Max)
	}
	return nil
}

// toFloat converts a decoded JSON value to float64. Strings are accepted only
// when allowString is set and they hold a plain decimal number.
func toFloat(v interface{}, allowString bool) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		if !allowString {
			return 0, false
		}
		s := strings.TrimSpace(n)
		if s == "" || s != n {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
