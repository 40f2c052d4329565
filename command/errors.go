package command

import (
	"errors"
	"fmt"
	"time"
)

// ErrShutdown resolves every pending command when the coordinator stops,
// and rejects commands issued afterwards.
var ErrShutdown = errors.New("command coordinator is shutting down")

// NotConnectedError is returned without retrying when the transport is down.
type NotConnectedError struct {
	DeviceID string
	Kind     Kind
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("cannot send %s to %s: transport not connected", e.Kind, e.DeviceID)
}

// InFlightError is returned when a command of the same kind is still
// awaiting acknowledgment from the same device.
type InFlightError struct {
	DeviceID string
	Kind     Kind
	Since    time.Time
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("%s command for %s already in flight since %s", e.Kind, e.DeviceID, e.Since.Format(time.RFC3339))
}

// AckTimeoutError is returned once every attempt went unacknowledged.
type AckTimeoutError struct {
	DeviceID string
	Kind     Kind
	Attempts int
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("%s command for %s: max retries exceeded after %d attempts", e.Kind, e.DeviceID, e.Attempts)
}

// RejectedError is returned when the device acknowledged with status "error".
type RejectedError struct {
	DeviceID string
	Kind     Kind
	Message  string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("device %s rejected %s command", e.DeviceID, e.Kind)
	}
	return fmt.Sprintf("device %s rejected %s command: %s", e.DeviceID, e.Kind, e.Message)
}
