package validator

import "fmt"

// Reason classifies why a value failed validation.
type Reason string

const (
	ReasonMissing         Reason = "missing"
	ReasonUnexpected      Reason = "unexpected"
	ReasonNotNumeric      Reason = "not_numeric"
	ReasonOutOfRange      Reason = "out_of_range"
	ReasonInvalidFormat   Reason = "invalid_format"
	ReasonTooFarInFuture  Reason = "too_far_in_future"
	ReasonInconsistent    Reason = "inconsistent"
	ReasonUnsupported     Reason = "unsupported"
	ReasonNoSensorReading Reason = "no_sensor_reading"
)

// ValidationError 表示校验失败，包含字段与原因
type ValidationError struct {
	Field  string
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Reason, e.Detail)
}

func newError(field string, reason Reason, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
