// Package command delivers calibration and threshold commands to devices and
// correlates the acknowledgments they send back.
//
// At most one command per (device, kind) is in flight. A command is published,
// then the caller blocks until the device acknowledges it, the attempts run
// out, the caller's context ends or the coordinator shuts down. Attempts that
// go unacknowledged for PublishTimeout are re-published up to MaxRetries times.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddielth/simonair-bridge/config"
	"github.com/eddielth/simonair-bridge/logger"
	"github.com/eddielth/simonair-bridge/metrics"
	"github.com/eddielth/simonair-bridge/mqtt"
	"github.com/eddielth/simonair-bridge/validator"
)

// Kind names a command type; it is also the topic channel it is sent on.
type Kind string

const (
	KindCalibration Kind = "calibration"
	KindThresholds  Kind = "thresholds"
)

// Publisher is the part of the transport the coordinator needs.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
	IsConnected() bool
}

// DeviceChecker confirms a device is known and active.
type DeviceChecker interface {
	Check(ctx context.Context, deviceID string) error
}

// CalibrationCommand asks a device to apply new sensor coefficients.
type CalibrationCommand struct {
	SensorType validator.SensorType
	Parameters map[string]interface{}
}

// ThresholdCommand updates some or all of a device's alarm bounds.
type ThresholdCommand struct {
	Bounds map[string]interface{}
}

// Options tune the command protocol.
type Options struct {
	Topics         mqtt.Topics
	QoS            byte
	PublishTimeout time.Duration
	RetryInterval  time.Duration
	MaxRetries     int
}

// OptionsFromConfig maps the MQTT section of the configuration.
func OptionsFromConfig(cfg config.MQTTConfig) Options {
	return Options{
		Topics:         mqtt.NewTopics(cfg.TopicPrefix),
		QoS:            cfg.QoS,
		PublishTimeout: cfg.PublishTimeout,
		RetryInterval:  cfg.RetryInterval,
		MaxRetries:     cfg.MaxRetries,
	}
}

type key struct {
	deviceID string
	kind     Kind
}

type outcome struct {
	ack Ack
	err error
}

// pendingAck is owned by the goroutine that registered it. Whoever removes
// it from the table writes its single outcome.
type pendingAck struct {
	id       string
	key      key
	sentAt   time.Time
	retries  int
	deadline time.Time
	result   chan outcome
}

// PendingInfo is a snapshot of one in-flight command.
type PendingInfo struct {
	ID       string
	DeviceID string
	Kind     Kind
	SentAt   time.Time
	Retries  int
	// Deadline is when the current wait ends: the ack timeout of the last
	// attempt or, between attempts, the next publish.
	Deadline time.Time
}

// Coordinator sends commands and matches acknowledgments to them.
type Coordinator struct {
	publisher Publisher
	devices   DeviceChecker
	opts      Options
	now       func() time.Time

	mu      sync.Mutex
	pending map[key]*pendingAck
	closed  bool
	callers sync.WaitGroup
}

// NewCoordinator creates a coordinator. devices may be nil to skip the registry check.
func NewCoordinator(publisher Publisher, devices DeviceChecker, opts Options) *Coordinator {
	if opts.Topics.Prefix == "" {
		opts.Topics = mqtt.NewTopics("")
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Coordinator{
		publisher: publisher,
		devices:   devices,
		opts:      opts,
		now:       time.Now,
		pending:   make(map[key]*pendingAck),
	}
}

// PublishCalibration validates and sends a calibration command, blocking
// until it is acknowledged or fails.
func (c *Coordinator) PublishCalibration(ctx context.Context, deviceID string, cmd CalibrationCommand) error {
	if err := c.precheck(ctx, deviceID, KindCalibration); err != nil {
		return err
	}

	cal, err := validator.ValidateCalibration(cmd.SensorType, cmd.Parameters)
	if err != nil {
		metrics.ObserveCommandResult(string(KindCalibration), metrics.CommandInvalid)
		return err
	}

	payload, err := json.Marshal(cal)
	if err != nil {
		return fmt.Errorf("encode calibration for %s: %w", deviceID, err)
	}
	return c.send(ctx, deviceID, KindCalibration, payload)
}

// PublishThreshold validates and sends a threshold update, blocking until
// it is acknowledged or fails.
func (c *Coordinator) PublishThreshold(ctx context.Context, deviceID string, cmd ThresholdCommand) error {
	if err := c.precheck(ctx, deviceID, KindThresholds); err != nil {
		return err
	}

	th, err := validator.ValidateThreshold(cmd.Bounds)
	if err != nil {
		metrics.ObserveCommandResult(string(KindThresholds), metrics.CommandInvalid)
		return err
	}

	payload, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("encode thresholds for %s: %w", deviceID, err)
	}
	return c.send(ctx, deviceID, KindThresholds, payload)
}

func (c *Coordinator) precheck(ctx context.Context, deviceID string, kind Kind) error {
	if !c.publisher.IsConnected() {
		metrics.ObserveCommandResult(string(kind), metrics.CommandNotConnected)
		return &NotConnectedError{DeviceID: deviceID, Kind: kind}
	}
	if c.devices != nil {
		if err := c.devices.Check(ctx, deviceID); err != nil {
			metrics.ObserveCommandResult(string(kind), metrics.CommandUnknown)
			return err
		}
	}
	return nil
}

// register atomically checks the correlation key is free and claims it.
func (c *Coordinator) register(deviceID string, kind Kind) (*pendingAck, error) {
	k := key{deviceID: deviceID, kind: kind}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrShutdown
	}
	if existing, ok := c.pending[k]; ok {
		return nil, &InFlightError{DeviceID: deviceID, Kind: kind, Since: existing.sentAt}
	}

	now := c.now()
	entry := &pendingAck{
		id:       uuid.NewString(),
		key:      k,
		sentAt:   now,
		deadline: now.Add(c.opts.PublishTimeout),
		result:   make(chan outcome, 1),
	}
	c.pending[k] = entry
	c.callers.Add(1)
	metrics.SetPendingCommands(len(c.pending))
	return entry, nil
}

// resolve removes the entry for k and hands it o. It reports false when no
// command is pending for k.
func (c *Coordinator) resolve(k key, o outcome) bool {
	c.mu.Lock()
	entry, ok := c.pending[k]
	if ok {
		delete(c.pending, k)
		metrics.SetPendingCommands(len(c.pending))
	}
	c.mu.Unlock()

	if ok {
		entry.result <- o
	}
	return ok
}

// release is called by the owner to give up its entry. It reports false if
// someone else already resolved it, in which case the outcome is waiting.
func (c *Coordinator) release(entry *pendingAck) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[entry.key] != entry {
		return false
	}
	delete(c.pending, entry.key)
	metrics.SetPendingCommands(len(c.pending))
	return true
}

func (c *Coordinator) send(ctx context.Context, deviceID string, kind Kind, payload []byte) error {
	entry, err := c.register(deviceID, kind)
	if err != nil {
		status := metrics.CommandInFlight
		if errors.Is(err, ErrShutdown) {
			status = metrics.CommandShutdown
		}
		metrics.ObserveCommandResult(string(kind), status)
		return err
	}
	defer c.callers.Done()

	topic := c.opts.Topics.Device(deviceID, mqtt.Channel(kind))
	attempts := c.opts.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		wait, published := c.opts.PublishTimeout, true
		if err := c.publisher.Publish(topic, c.opts.QoS, payload); err != nil {
			metrics.ObserveCommandAttempt(string(kind), false)
			logger.Warn("publish %s to %s failed (attempt %d/%d, id=%s): %v", kind, deviceID, attempt, attempts, entry.id, err)
			wait, published = c.opts.RetryInterval, false
		} else {
			metrics.ObserveCommandAttempt(string(kind), true)
			logger.Info("published %s to %s (attempt %d/%d, id=%s)", kind, deviceID, attempt, attempts, entry.id)
		}

		c.setDeadline(entry, wait)
		o, resolved, err := c.await(ctx, entry, wait)
		if err != nil {
			metrics.ObserveCommandResult(string(kind), metrics.CommandCanceled)
			return err
		}
		if resolved {
			return c.finish(entry, o)
		}

		if attempt >= attempts {
			break
		}

		pause := published && c.opts.RetryInterval > 0
		next := c.opts.PublishTimeout
		if pause {
			next = c.opts.RetryInterval
		}
		c.mu.Lock()
		entry.retries++
		entry.deadline = c.now().Add(next)
		c.mu.Unlock()

		if published {
			logger.Warn("no %s ack from %s within %s (id=%s), retrying", kind, deviceID, wait, entry.id)
		}
		if pause {
			o, resolved, err = c.await(ctx, entry, c.opts.RetryInterval)
			if err != nil {
				metrics.ObserveCommandResult(string(kind), metrics.CommandCanceled)
				return err
			}
			if resolved {
				return c.finish(entry, o)
			}
		}
	}

	if !c.release(entry) {
		// an ack or shutdown won the race against the last timeout
		return c.finish(entry, <-entry.result)
	}

	metrics.ObserveCommandResult(string(kind), metrics.CommandTimeout)
	logger.Error("%s command for %s failed: no ack after %d attempts (id=%s)", kind, deviceID, attempts, entry.id)
	return &AckTimeoutError{DeviceID: deviceID, Kind: kind, Attempts: attempts}
}

// setDeadline records when the wait that starts now ends.
func (c *Coordinator) setDeadline(entry *pendingAck, d time.Duration) {
	c.mu.Lock()
	entry.deadline = c.now().Add(d)
	c.mu.Unlock()
}

// await blocks for up to d. It returns the outcome if the entry was resolved,
// or the context error after giving up the entry.
func (c *Coordinator) await(ctx context.Context, entry *pendingAck, d time.Duration) (outcome, bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case o := <-entry.result:
		return o, true, nil
	case <-timer.C:
		return outcome{}, false, nil
	case <-ctx.Done():
		if c.release(entry) {
			return outcome{}, false, ctx.Err()
		}
		return <-entry.result, true, nil
	}
}

func (c *Coordinator) finish(entry *pendingAck, o outcome) error {
	kind := entry.key.kind
	deviceID := entry.key.deviceID

	if o.err != nil {
		if errors.Is(o.err, ErrShutdown) {
			metrics.ObserveCommandResult(string(kind), metrics.CommandShutdown)
		}
		return o.err
	}

	if o.ack.Status == StatusError {
		metrics.ObserveCommandResult(string(kind), metrics.CommandRejected)
		logger.Warn("device %s rejected %s command (id=%s): %s", deviceID, kind, entry.id, o.ack.Message)
		return &RejectedError{DeviceID: deviceID, Kind: kind, Message: o.ack.Message}
	}

	metrics.ObserveCommandResult(string(kind), metrics.CommandAcked)
	metrics.ObserveCommandLatency(string(kind), c.now().Sub(entry.sentAt))
	logger.Info("device %s acknowledged %s command (id=%s)", deviceID, kind, entry.id)
	return nil
}

// Pending returns the commands currently awaiting acknowledgment.
func (c *Coordinator) Pending() []PendingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingInfo, 0, len(c.pending))
	for _, e := range c.pending {
		out = append(out, PendingInfo{
			ID:       e.id,
			DeviceID: e.key.deviceID,
			Kind:     e.key.kind,
			SentAt:   e.sentAt,
			Retries:  e.retries,
			Deadline: e.deadline,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Shutdown fails every pending command with ErrShutdown, refuses new ones and
// waits until all blocked callers have returned or ctx ends.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	entries := make([]*pendingAck, 0, len(c.pending))
	for k, e := range c.pending {
		entries = append(entries, e)
		delete(c.pending, k)
	}
	metrics.SetPendingCommands(0)
	c.mu.Unlock()

	for _, e := range entries {
		e.result <- outcome{err: ErrShutdown}
	}
	if len(entries) > 0 {
		logger.Info("released %d pending commands on shutdown", len(entries))
	}

	done := make(chan struct{})
	go func() {
		c.callers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
