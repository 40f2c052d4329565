// Package telemetry validates device readings and forwards accepted ones to
// storage and live subscribers.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/simonair-bridge/config"
	"github.com/eddielth/simonair-bridge/logger"
	"github.com/eddielth/simonair-bridge/metrics"
	"github.com/eddielth/simonair-bridge/mqtt"
	"github.com/eddielth/simonair-bridge/validator"
)

// DeviceChecker confirms a device is known and active.
type DeviceChecker interface {
	Check(ctx context.Context, deviceID string) error
}

// Store persists accepted readings. Storing a (device, timestamp) pair that
// already exists must succeed without creating a duplicate.
type Store interface {
	Store(ctx context.Context, reading SensorReading) error
}

// Broadcaster pushes accepted readings to live consumers.
type Broadcaster interface {
	Broadcast(reading SensorReading) error
}

// Transformer rewrites a raw device payload into the canonical JSON shape.
type Transformer interface {
	Transform(deviceID string, payload []byte) ([]byte, error)
}

// Options configure the ingestion policy.
type Options struct {
	Topics      mqtt.Topics
	FutureDrift time.Duration
	// Strict rejects the whole message if any sensor field is invalid.
	Strict      bool
	Transformer Transformer

	// StoreTimeout bounds the persistence call made from HandleMessage.
	StoreTimeout time.Duration
}

// OptionsFromConfig maps the configuration onto ingestion options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Topics:      mqtt.NewTopics(cfg.MQTT.TopicPrefix),
		FutureDrift: cfg.Telemetry.FutureDrift,
		Strict:      cfg.Telemetry.Strict,
	}
}

// FieldIssue names a sensor field that was dropped and why.
type FieldIssue struct {
	Field  string
	Reason validator.Reason
	Detail string
}

// Result is the outcome of an accepted message.
type Result struct {
	Reading SensorReading
	Dropped []FieldIssue
}

// Ingestor validates telemetry payloads and hands accepted readings on.
type Ingestor struct {
	devices     DeviceChecker
	store       Store
	broadcaster Broadcaster
	opts        Options
	now         func() time.Time
}

// NewIngestor wires an ingestor. devices and broadcaster may be nil.
func NewIngestor(devices DeviceChecker, store Store, broadcaster Broadcaster, opts Options) *Ingestor {
	if opts.Topics.Prefix == "" {
		opts.Topics = mqtt.NewTopics("")
	}
	if opts.FutureDrift <= 0 {
		opts.FutureDrift = validator.DefaultFutureDrift
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	return &Ingestor{
		devices:     devices,
		store:       store,
		broadcaster: broadcaster,
		opts:        opts,
		now:         time.Now,
	}
}

// HandleMessage is the subscription handler for <prefix>+/data.
func (i *Ingestor) HandleMessage(topic string, payload []byte) {
	deviceID, ch, ok := i.opts.Topics.Parse(topic)
	if !ok || ch != mqtt.ChannelData {
		logger.Warn("ignoring telemetry on unexpected topic %s", topic)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.opts.StoreTimeout)
	defer cancel()

	res, err := i.Ingest(ctx, deviceID, payload)
	if err != nil {
		logger.Warn("rejected telemetry from %s: %v", deviceID, err)
		return
	}
	for _, d := range res.Dropped {
		logger.Warn("dropped %s from %s reading at %s: %s %s", d.Field, deviceID, validator.FormatTimestamp(res.Reading.Timestamp), d.Reason, d.Detail)
	}
}

// Ingest validates one payload from deviceID. Invalid sensor fields are
// dropped and reported unless the ingestor is strict. The returned error is a
// *device.UnknownDeviceError, a *validator.ValidationError or a storage error.
func (i *Ingestor) Ingest(ctx context.Context, deviceID string, payload []byte) (Result, error) {
	start := time.Now()

	if i.devices != nil {
		if err := i.devices.Check(ctx, deviceID); err != nil {
			metrics.ObserveIngest(metrics.IngestUnknown, time.Since(start))
			return Result{}, err
		}
	}

	res, err := i.validate(deviceID, payload)
	if err != nil {
		metrics.ObserveIngest(metrics.IngestRejected, time.Since(start))
		return Result{}, err
	}

	if err := i.store.Store(ctx, res.Reading); err != nil {
		metrics.ObserveIngest(metrics.IngestFailed, time.Since(start))
		return Result{}, fmt.Errorf("store reading from %s: %w", deviceID, err)
	}

	if i.broadcaster != nil {
		if err := i.broadcaster.Broadcast(res.Reading); err != nil {
			logger.Warn("broadcast of %s reading failed: %v", deviceID, err)
		}
	}

	outcome := metrics.IngestAccepted
	if len(res.Dropped) > 0 {
		outcome = metrics.IngestPartial
	}
	metrics.ObserveIngest(outcome, time.Since(start))
	return res, nil
}

type rawReading struct {
	DeviceID  *string                    `json:"device_id"`
	Timestamp *string                    `json:"timestamp"`
	Sensors   map[string]json.RawMessage `json:"-"`
}

func (i *Ingestor) validate(deviceID string, payload []byte) (Result, error) {
	if i.opts.Transformer != nil {
		transformed, err := i.opts.Transformer.Transform(deviceID, payload)
		if err != nil {
			return Result{}, &validator.ValidationError{Field: "payload", Reason: validator.ReasonInvalidFormat, Detail: err.Error()}
		}
		payload = transformed
	}

	raw, err := decodeRaw(payload)
	if err != nil {
		return Result{}, &validator.ValidationError{Field: "payload", Reason: validator.ReasonInvalidFormat, Detail: err.Error()}
	}

	if raw.DeviceID != nil && *raw.DeviceID != deviceID {
		return Result{}, &validator.ValidationError{
			Field:  "device_id",
			Reason: validator.ReasonInconsistent,
			Detail: fmt.Sprintf("payload names %q but arrived for %q", *raw.DeviceID, deviceID),
		}
	}

	if raw.Timestamp == nil {
		return Result{}, &validator.ValidationError{Field: "timestamp", Reason: validator.ReasonMissing}
	}
	ts, err := validator.ValidateTimestamp(*raw.Timestamp, i.now(), i.opts.FutureDrift)
	if err != nil {
		return Result{}, err
	}

	res := Result{Reading: SensorReading{DeviceID: deviceID, Timestamp: ts}}
	for _, field := range validator.SensorFields {
		body, ok := raw.Sensors[field]
		if !ok || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
			continue
		}

		m, err := parseMeasurement(field, body)
		if err != nil {
			issue := issueFrom(field, err)
			if i.opts.Strict {
				return Result{}, &validator.ValidationError{Field: issue.Field, Reason: issue.Reason, Detail: issue.Detail}
			}
			metrics.ObserveDroppedField(field, string(issue.Reason))
			res.Dropped = append(res.Dropped, issue)
			continue
		}
		res.Reading.setField(field, m)
	}

	if res.Reading.Populated() == 0 {
		detail := "payload carries no sensor fields"
		if len(res.Dropped) > 0 {
			detail = fmt.Sprintf("all %d sensor fields were invalid", len(res.Dropped))
		}
		return Result{}, &validator.ValidationError{Field: "readings", Reason: validator.ReasonNoSensorReading, Detail: detail}
	}
	return res, nil
}

func decodeRaw(payload []byte) (rawReading, error) {
	var out rawReading
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return out, err
	}
	if fields == nil {
		return out, errors.New("payload is not a JSON object")
	}

	if v, ok := fields["timestamp"]; ok {
		var ts string
		if err := json.Unmarshal(v, &ts); err != nil {
			return out, fmt.Errorf("timestamp must be a string: %w", err)
		}
		out.Timestamp = &ts
	}
	if v, ok := fields["device_id"]; ok {
		var id string
		if err := json.Unmarshal(v, &id); err != nil {
			return out, fmt.Errorf("device_id must be a string: %w", err)
		}
		out.DeviceID = &id
	}
	out.Sensors = fields
	return out, nil
}

func parseMeasurement(field string, body json.RawMessage) (*Measurement, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, &validator.ValidationError{Field: field, Reason: validator.ReasonInvalidFormat, Detail: "expected an object with a value"}
	}

	rawValue, ok := obj["value"]
	if !ok || rawValue == nil {
		return nil, &validator.ValidationError{Field: field + ".value", Reason: validator.ReasonMissing}
	}
	v, err := validator.ValidateSensorValue(field, rawValue)
	if err != nil {
		return nil, err
	}
	m := &Measurement{Value: v}

	if rawCal, ok := obj["calibrated"]; ok && rawCal != nil {
		cal, err := validator.ValidateSensorValue(field, rawCal)
		if err != nil {
			var ve *validator.ValidationError
			if errors.As(err, &ve) {
				ve.Field = field + ".calibrated"
			}
			return nil, err
		}
		m.Calibrated = &cal
	}
	return m, nil
}

func issueFrom(field string, err error) FieldIssue {
	var ve *validator.ValidationError
	if errors.As(err, &ve) {
		return FieldIssue{Field: ve.Field, Reason: ve.Reason, Detail: ve.Detail}
	}
	return FieldIssue{Field: field, Reason: validator.ReasonInvalidFormat, Detail: err.Error()}
}
