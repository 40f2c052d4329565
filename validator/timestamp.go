package validator

import (
	"time"
)

// TimestampLayout is the only accepted wire form: UTC, millisecond precision, "Z" designator.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// DefaultFutureDrift is how far ahead of now a timestamp may be.
const DefaultFutureDrift = time.Hour

// FormatTimestamp renders t in the canonical wire form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ValidateTimestamp parses raw and requires it to be canonical: formatting
// the parsed instant must give back raw unchanged. Instants later than
// now+drift fail with too_far_in_future; everything else with invalid_format.
func ValidateTimestamp(raw string, now time.Time, drift time.Duration) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, newError("timestamp", ReasonInvalidFormat, "%q is not ISO-8601 with a timezone", raw)
	}
	if FormatTimestamp(t) != raw {
		return time.Time{}, newError("timestamp", ReasonInvalidFormat, "%q is not canonical, expected %s", raw, FormatTimestamp(t))
	}
	if t.After(now.Add(drift)) {
		return time.Time{}, newError("timestamp", ReasonTooFarInFuture, "%s is more than %s ahead of %s", raw, drift, FormatTimestamp(now))
	}
	return t.UTC(), nil
}
