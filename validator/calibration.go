package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SensorType names a calibratable sensor.
type SensorType string

const (
	SensorPH          SensorType = "ph"
	SensorTDS         SensorType = "tds"
	SensorDO          SensorType = "do"
	SensorTemperature SensorType = "temperature"
)

// calibrationKeys lists, in wire order, the coefficients each sensor needs.
// Temperature calibration is reserved and takes no coefficients yet.
var calibrationKeys = map[SensorType][]string{
	SensorPH:          {"m", "c"},
	SensorTDS:         {"v", "std", "t"},
	SensorDO:          {"ref", "v", "t"},
	SensorTemperature: {},
}

// CalibrationKeys returns the required coefficient names for sensor, or nil
// when the sensor type is not supported.
func CalibrationKeys(sensor SensorType) []string {
	keys, ok := calibrationKeys[sensor]
	if !ok {
		return nil
	}
	return append([]string{}, keys...)
}

// Param is one named calibration coefficient.
type Param struct {
	Key   string
	Value float64
}

// Calibration is a validated calibration payload with coefficients in wire order.
type Calibration struct {
	Sensor SensorType
	Params []Param
}

// Value returns the coefficient named key.
func (c Calibration) Value(key string) (float64, bool) {
	for _, p := range c.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return 0, false
}

// MarshalJSON renders {"<sensor>":{"<key>":<value>,...}} keeping the table's key order.
func (c Calibration) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	sensor, err := json.Marshal(string(c.Sensor))
	if err != nil {
		return nil, err
	}
	buf.WriteByte('{')
	buf.Write(sensor)
	buf.WriteString(":{")
	for i, p := range c.Params {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// ValidateCalibration checks that params holds exactly the coefficients the
// sensor type requires, each a JSON number.
func ValidateCalibration(sensor SensorType, params map[string]interface{}) (Calibration, error) {
	required, ok := calibrationKeys[sensor]
	if !ok {
		return Calibration{}, newError("sensor_type", ReasonUnsupported, "sensor type %q is not one of ph, tds, do, temperature", sensor)
	}

	allowed := make(map[string]struct{}, len(required))
	for _, key := range required {
		allowed[key] = struct{}{}
	}

	var extra []string
	for key := range params {
		if _, ok := allowed[key]; !ok {
			extra = append(extra, key)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return Calibration{}, newError(fmt.Sprintf("%s.%s", sensor, extra[0]), ReasonUnexpected,
			"unexpected keys %s for %s calibration", strings.Join(extra, ", "), sensor)
	}

	out := Calibration{Sensor: sensor, Params: make([]Param, 0, len(required))}
	for _, key := range required {
		field := fmt.Sprintf("%s.%s", sensor, key)
		raw, ok := params[key]
		if !ok {
			return Calibration{}, newError(field, ReasonMissing, "required for %s calibration", sensor)
		}
		v, ok := toFloat(raw, false)
		if !ok {
			return Calibration{}, newError(field, ReasonNotNumeric, "got %T", raw)
		}
		out.Params = append(out.Params, Param{Key: key, Value: v})
	}
	return out, nil
}
