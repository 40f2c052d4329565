package validator

// Telemetry field names as they appear in device payloads.
const (
	FieldTemperature = "temperature"
	FieldPH          = "ph"
	FieldTDS         = "tds"
	FieldDOLevel     = "do_level"
)

// SensorFields lists the telemetry fields in canonical order.
var SensorFields = []string{FieldTemperature, FieldPH, FieldTDS, FieldDOLevel}

// sensorRanges holds the plausible physical range per telemetry field.
var sensorRanges = map[string]Range{
	FieldTemperature: temperatureRange,
	FieldPH:          phRange,
	FieldTDS:         tdsRange,
	FieldDOLevel:     doRange,
}

// SensorRange returns the plausible range for a telemetry field.
func SensorRange(field string) (Range, bool) {
	r, ok := sensorRanges[field]
	return r, ok
}

// ValidateSensorValue checks a single decoded reading value: it must be a
// JSON number and, where a range is defined, inside it.
func ValidateSensorValue(field string, raw interface{}) (float64, error) {
	v, ok := toFloat(raw, false)
	if !ok {
		return 0, newError(field, ReasonNotNumeric, "got %v", raw)
	}
	if r, ok := sensorRanges[field]; ok {
		if err := r.Check(field, v); err != nil {
			return 0, err
		}
	}
	return v, nil
}
