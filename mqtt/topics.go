package mqtt

import (
	"fmt"
	"strings"
)

// Channel is the last topic segment(s) after the device id.
type Channel string

const (
	ChannelData           Channel = "data"
	ChannelCalibration    Channel = "calibration"
	ChannelThresholds     Channel = "thresholds"
	ChannelCalibrationAck Channel = "calibration/ack"
	ChannelThresholdsAck  Channel = "thresholds/ack"
)

// DefaultTopicPrefix is used when no prefix is configured
const DefaultTopicPrefix = "simonair/"

// Topics builds and parses topics of the form <prefix><device_id>/<channel>.
type Topics struct {
	Prefix string
}

// NewTopics normalises prefix so that it ends with exactly one "/".
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: strings.TrimRight(prefix, "/") + "/"}
}

// Device returns the topic of a channel for one device.
func (t Topics) Device(deviceID string, ch Channel) string {
	return fmt.Sprintf("%s%s/%s", t.Prefix, deviceID, ch)
}

// DataPattern matches telemetry from every device.
func (t Topics) DataPattern() string {
	return t.Prefix + "+/" + string(ChannelData)
}

// AckPattern matches calibration and threshold acks from every device.
func (t Topics) AckPattern() string {
	return t.Prefix + "+/+/ack"
}

// Parse splits a topic into device id and channel. ok is false for topics
// outside the prefix or with an unknown channel.
func (t Topics) Parse(topic string) (deviceID string, ch Channel, ok bool) {
	if !strings.HasPrefix(topic, t.Prefix) {
		return "", "", false
	}
	rest := topic[len(t.Prefix):]
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 {
		return "", "", false
	}
	deviceID, ch = rest[:idx], Channel(rest[idx+1:])

	switch ch {
	case ChannelData, ChannelCalibration, ChannelThresholds, ChannelCalibrationAck, ChannelThresholdsAck:
		return deviceID, ch, true
	default:
		return "", "", false
	}
}
