package validator

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

// thresholdBound describes one optional threshold field.
type thresholdBound struct {
	Key   string
	Range Range
}

var (
	phRange          = Range{Min: 0, Max: 14}
	tdsRange         = Range{Min: 0, Max: 2000}
	doRange          = Range{Min: 0, Max: 20}
	temperatureRange = Range{Min: -10, Max: 50}
)

// thresholdBounds lists all eight bounds in wire order.
var thresholdBounds = []thresholdBound{
	{Key: "ph_min", Range: phRange},
	{Key: "ph_max", Range: phRange},
	{Key: "tds_min", Range: tdsRange},
	{Key: "tds_max", Range: tdsRange},
	{Key: "do_min", Range: doRange},
	{Key: "do_max", Range: doRange},
	{Key: "temp_min", Range: temperatureRange},
	{Key: "temp_max", Range: temperatureRange},
}

// ThresholdKeys returns the eight bound names in wire order.
func ThresholdKeys() []string {
	keys := make([]string, len(thresholdBounds))
	for i, b := range thresholdBounds {
		keys[i] = b.Key
	}
	return keys
}

// ThresholdRange returns the legal interval for a bound.
func ThresholdRange(key string) (Range, bool) {
	for _, b := range thresholdBounds {
		if b.Key == key {
			return b.Range, true
		}
	}
	return Range{}, false
}

// Bound is a validated threshold value.
type Bound struct {
	Key   string
	Value float64
}

// Thresholds holds the bounds present in a (possibly partial) threshold update.
type Thresholds struct {
	Bounds []Bound
}

// Get returns the bound named key if present.
func (t Thresholds) Get(key string) (float64, bool) {
	for _, b := range t.Bounds {
		if b.Key == key {
			return b.Value, true
		}
	}
	return 0, false
}

// Len returns the number of bounds present.
func (t Thresholds) Len() int { return len(t.Bounds) }

// MarshalJSON renders the present bounds as string-encoded numbers in wire order.
func (t Thresholds) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, b := range t.Bounds {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(b.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(strconv.FormatFloat(b.Value, 'f', -1, 64))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ValidateThreshold checks every present bound against its own range. Bounds
// are independent: a min above its max is accepted. Absent bounds are left
// absent. Numbers and numeric strings are accepted.
func ValidateThreshold(bounds map[string]interface{}) (Thresholds, error) {
	known := make(map[string]struct{}, len(thresholdBounds))
	for _, b := range thresholdBounds {
		known[b.Key] = struct{}{}
	}
	var extra []string
	for key := range bounds {
		if _, ok := known[key]; !ok {
			extra = append(extra, key)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return Thresholds{}, newError(extra[0], ReasonUnexpected, "not a threshold bound")
	}

	out := Thresholds{}
	for _, b := range thresholdBounds {
		raw, ok := bounds[b.Key]
		if !ok || raw == nil {
			continue
		}
		v, ok := toFloat(raw, true)
		if !ok {
			return Thresholds{}, newError(b.Key, ReasonNotNumeric, "got %v", raw)
		}
		if err := b.Range.Check(b.Key, v); err != nil {
			return Thresholds{}, err
		}
		out.Bounds = append(out.Bounds, Bound{Key: b.Key, Value: v})
	}
	return out, nil
}
