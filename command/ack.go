package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eddielth/simonair-bridge/logger"
	"github.com/eddielth/simonair-bridge/metrics"
	"github.com/eddielth/simonair-bridge/mqtt"
)

// Ack statuses a device may report.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Ack is an acknowledgment received from a device.
type Ack struct {
	DeviceID  string
	Kind      Kind
	Status    string
	Message   string
	Timestamp time.Time
}

type ackPayload struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`
}

// ParseAck decodes an ack message received on topic.
func ParseAck(topics mqtt.Topics, topic string, payload []byte) (Ack, error) {
	deviceID, ch, ok := topics.Parse(topic)
	if !ok {
		return Ack{}, fmt.Errorf("unrecognised ack topic %q", topic)
	}

	var kind Kind
	switch ch {
	case mqtt.ChannelCalibrationAck:
		kind = KindCalibration
	case mqtt.ChannelThresholdsAck:
		kind = KindThresholds
	default:
		return Ack{}, fmt.Errorf("topic %q is not an ack channel", topic)
	}

	var body ackPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return Ack{}, fmt.Errorf("decode ack from %s: %w", deviceID, err)
	}
	if body.Status != StatusOK && body.Status != StatusError {
		return Ack{}, fmt.Errorf("ack from %s has invalid status %q", deviceID, body.Status)
	}

	ack := Ack{DeviceID: deviceID, Kind: kind, Status: body.Status, Message: body.Message}
	if body.Timestamp != "" {
		// device clocks are not trusted enough to drop an ack over its timestamp
		ts, err := time.Parse(time.RFC3339Nano, body.Timestamp)
		if err != nil {
			logger.Warn("ack from %s carries unparseable timestamp %q", deviceID, body.Timestamp)
		} else {
			ack.Timestamp = ts.UTC()
		}
	}
	return ack, nil
}

// HandleAck is the subscription handler for <prefix>+/+/ack. It resolves the
// matching pending command; acks with no pending command are discarded.
func (c *Coordinator) HandleAck(topic string, payload []byte) {
	ack, err := ParseAck(c.opts.Topics, topic, payload)
	if err != nil {
		metrics.ObserveDiscardedAck("malformed")
		logger.Warn("discarding ack: %v", err)
		return
	}

	if !c.resolve(key{deviceID: ack.DeviceID, kind: ack.Kind}, outcome{ack: ack}) {
		metrics.ObserveDiscardedAck("unmatched")
		logger.Debug("discarding late or duplicate %s ack from %s", ack.Kind, ack.DeviceID)
		return
	}
	logger.Debug("%s ack from %s: %s", ack.Kind, ack.DeviceID, ack.Status)
}
