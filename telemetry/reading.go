package telemetry

import (
	"encoding/json"
	"time"

	"github.com/eddielth/simonair-bridge/validator"
)

// Measurement is one sensor value as reported, plus the device-calibrated
// value when the device supplies one.
type Measurement struct {
	Value      float64  `json:"value"`
	Calibrated *float64 `json:"calibrated,omitempty"`
}

// SensorReading is a validated telemetry sample. Absent sensors are nil, never zero.
type SensorReading struct {
	DeviceID    string       `json:"device_id"`
	Timestamp   time.Time    `json:"timestamp"`
	Temperature *Measurement `json:"temperature,omitempty"`
	PH          *Measurement `json:"ph,omitempty"`
	TDS         *Measurement `json:"tds,omitempty"`
	DOLevel     *Measurement `json:"do_level,omitempty"`
}

// Field returns the measurement stored under a telemetry field name.
func (r *SensorReading) Field(name string) *Measurement {
	switch name {
	case validator.FieldTemperature:
		return r.Temperature
	case validator.FieldPH:
		return r.PH
	case validator.FieldTDS:
		return r.TDS
	case validator.FieldDOLevel:
		return r.DOLevel
	}
	return nil
}

func (r *SensorReading) setField(name string, m *Measurement) {
	switch name {
	case validator.FieldTemperature:
		r.Temperature = m
	case validator.FieldPH:
		r.PH = m
	case validator.FieldTDS:
		r.TDS = m
	case validator.FieldDOLevel:
		r.DOLevel = m
	}
}

// Populated counts the sensors present in the reading.
func (r *SensorReading) Populated() int {
	n := 0
	for _, f := range validator.SensorFields {
		if r.Field(f) != nil {
			n++
		}
	}
	return n
}

// MarshalJSON writes the timestamp in the canonical wire form.
func (r SensorReading) MarshalJSON() ([]byte, error) {
	type plain SensorReading
	return json.Marshal(struct {
		plain
		Timestamp string `json:"timestamp"`
	}{plain: plain(r), Timestamp: validator.FormatTimestamp(r.Timestamp)})
}
