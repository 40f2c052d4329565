package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/simonair-bridge/device"
	"github.com/eddielth/simonair-bridge/mqtt"
	"github.com/eddielth/simonair-bridge/validator"
)

type publishCall struct {
	topic   string
	qos     byte
	payload string
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	calls     []publishCall
	failFirst int
	onPublish func(topic string, payload []byte)
}

func (f *fakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) Publish(topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	f.calls = append(f.calls, publishCall{topic: topic, qos: qos, payload: string(payload)})
	fail := f.failFirst > 0
	if fail {
		f.failFirst--
	}
	hook := f.onPublish
	f.mu.Unlock()

	if fail {
		return errors.New("broker unavailable")
	}
	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (f *fakePublisher) published() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishCall(nil), f.calls...)
}

func testOptions() Options {
	return Options{
		Topics:         mqtt.NewTopics("simonair/"),
		QoS:            1,
		PublishTimeout: 30 * time.Millisecond,
		RetryInterval:  time.Millisecond,
		MaxRetries:     3,
	}
}

func phCommand() CalibrationCommand {
	return CalibrationCommand{
		SensorType: validator.SensorPH,
		Parameters: map[string]interface{}{"m": -7.153, "c": 22.456},
	}
}

const ackTimestamp = `"timestamp":"2025-06-01T12:00:00.000Z"`

func waitForPending(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Pending()) == n }, time.Second, time.Millisecond)
}

func TestPublishCalibrationAcked(t *testing.T) {
	pub := &fakePublisher{connected: true}
	c := NewCoordinator(pub, nil, testOptions())
	pub.onPublish = func(topic string, _ []byte) {
		c.HandleAck(topic+"/ack", []byte(`{"status":"ok",`+ackTimestamp+`}`))
	}

	err := c.PublishCalibration(context.Background(), "SMNR-1234", phCommand())
	require.NoError(t, err)

	calls := pub.published()
	require.Len(t, calls, 1)
	assert.Equal(t, "simonair/SMNR-1234/calibration", calls[0].topic)
	assert.Equal(t, `{"ph":{"m":-7.153,"c":22.456}}`, calls[0].payload)
	assert.Equal(t, byte(1), calls[0].qos)
	assert.Empty(t, c.Pending())
}

func TestPublishThresholdAcked(t *testing.T) {
	pub := &fakePublisher{connected: true}
	c := NewCoordinator(pub, nil, testOptions())
	pub.onPublish = func(topic string, _ []byte) {
		go c.HandleAck(topic+"/ack", []byte(`{"status":"ok"}`))
	}

	err := c.PublishThreshold(context.Background(), "SMNR-1234", ThresholdCommand{
		Bounds: map[string]interface{}{"ph_min": 6.5, "ph_max": 8.5},
	})
	require.NoError(t, err)

	calls := pub.published()
	require.Len(t, calls, 1)
	assert.Equal(t, "simonair/SMNR-1234/thresholds", calls[0].topic)
	assert.Equal(t, `{"ph_min":"6.5","ph_max":"8.5"}`, calls[0].payload)
}

func TestPublishRetriesThenTimesOut(t *testing.T) {
	pub := &fakePublisher{connected: true}
	c := NewCoordinator(pub, nil, testOptions())

	err := c.PublishCalibration(context.Background(), "SMNR-1234", phCommand())

	var timeout *AckTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 4, timeout.Attempts)

	calls := pub.published()
	require.Len(t, calls, 4)
	for _, call := range calls {
		assert.Equal(t, calls[0], call, "every retry re-publishes the identical message")
	}
	assert.Empty(t, c.Pending())
}

func TestAckDuringRetriesResolves(t *testing.T) {
	pub := &fakePublisher{connected: true}
	c := NewCoordinator(pub, nil, testOptions())
	pub.onPublish = func(topic string, _ []byte) {
		if len(pub.published()) == 3 {
			go c.HandleAck(topic+"/ack", []byte(`{"status":"ok"}`))
		}
	}

	require.NoError(t, c.PublishCalibration(context.Background(), "SMNR-1234", phCommand()))
	assert.Len(t, pub.published(), 3)
}

func TestPublishFailureCountsAsAttempt(t *testing.T) {
	pub := &fakePublisher{connected: true, failFirst: 2}
	c := NewCoordinator(pub, nil, testOptions())
	pub.onPublish = func(topic string, _ []byte) {
		go c.HandleAck(topic+"/ack", []byte(`{"status":"ok"}`))
	}

	require.NoError(t, c.PublishCalibration(context.Background(), "SMNR-1234", phCommand()))
	assert.Len(t, pub.published(), 3)

	pub2 := &fakePublisher{connected: true, failFirst: 10}
	c2 := NewCoordinator(pub2, nil, testOptions())
	var timeout *AckTimeoutError
	require.ErrorAs(t, c2.PublishCalibration(context.Background(), "SMNR-1234", phCommand()), &timeout)
	assert.Len(t, pub2.published(), 4)
}

func TestDeviceRejectedIsNotRetried(t *testing.T) {
	pub := &fakePublisher{connected: true}
	c := NewCoordinator(pub, nil, testOptions())
	pub.onPublish = func(topic string, _ []byte) {
		go c.HandleAck(topic+"/ack", []byte(`{"status":"error","message":"sensor missing"}`))
	}

	err := c.PublishCalibration(context.Background(), "SMNR-1234", phCommand())

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "sensor missing", rejected.Message)
	assert.Len(t, pub.published(), 1)
}

func TestDisconnectedFailsFast(t *testing.T) {
	pub := &fakePublisher{connected: false}
	c := NewCoordinator(pub, nil, testOptions())

	err := c.PublishCalibration(context.Background(), "SMNR-1234", phCommand())

	var notConnected *NotConnectedError
	require.ErrorAs(t, err, &notConnected)
	assert.Equal(t, KindCalibration, notConnected.Kind)
	assert.Empty(t, pub.published())
	assert.Empty(t, c.Pending())
}

func TestValidationErrorNeverPublishes(t *testing.T) {
	pub := &fakePublisher{connected: true}
	c := NewCoordinator(pub, nil, testOptions())

	err := c.PublishCalibration(context.Background(), "SMNR-1234", CalibrationCommand{
		SensorType: validator.SensorPH,
		Parameters: map[string]interface{}{"m": 1.0},
	})
	var ve *validator.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, validator.ReasonMissing, ve.Reason)

	err = c.PublishThreshold(context.Background(), "SMNR-1234", ThresholdCommand{
		Bounds: map[string]interface{}{"do_max": 25},
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, validator.ReasonOutOfRange, ve.Reason)

	assert.Empty(t, pub.published())
	assert.Empty(t, c.Pending())
}

func TestUnknownDeviceFailsFast(t *testing.T) {
	pub := &fakePublisher{connected: true}
	checker := device.NewChecker(device.DefaultIDPrefix, device.NewStatic("SMNR-1234"))
	c := NewCoordinator(pub, checker, testOptions())

	err := c.PublishCalibration(context.Background(), "SMNR-9999", phCommand())
	var unknown *device.UnknownDeviceError
	require.ErrorAs(t, err, &unknown)
	assert.Empty(t, pub.published())
}

func TestSecondCommandForSameKeyIsInFlight(t *testing.T) {
	pub := &fakePublisher{connected: true}
	opts := testOptions()
	opts.PublishTimeout = time.Minute
	c := NewCoordinator(pub, nil, opts)

	first := make(chan error, 1)
	go func() {
		first <- c.PublishCalibration(context.Background(), "SMNR-1234", phCommand())
	}()
	waitForPending(t, c, 1)

	err := c.PublishCalibration(context.Background(), "SMNR-1234", phCommand())
	var inFlight *InFlightError
	require.ErrorAs(t, err, &inFlight)
	assert.Equal(t, "SMNR-1234", inFlight.DeviceID)

	// a different kind for the same device, and the same kind for another device, proceed
	other := make(chan error, 1)
	go func() {
		other <- c.PublishThreshold(context.Background(), "SMNR-1234", ThresholdCommand{Bounds: map[string]interface{}{"ph_min": 6}})
	}()
	go func() {
		other <- c.PublishCalibration(context.Background(), "SMNR-5678", phCommand())
	}()
	waitForPending(t, c, 3)

	c.HandleAck("simonair/SMNR-1234/calibration/ack", []byte(`{"status":"ok"}`))
	c.HandleAck("simonair/SMNR-1234/thresholds/ack", []byte(`{"status":"ok"}`))
	c.HandleAck("simonair/SMNR-5678/calibration/ack", []byte(`{"status":"ok"}`))

	require.NoError(t, <-first)
	require.NoError(t, <-other)
	require.NoError(t, <-other)
	assert.Empty(t, c.Pending())
}

func TestUnmatchedAcksAreDiscarded(t *testing.T) {
	c := NewCoordinator(&fakePublisher{connected: true}, nil, testOptions())

	c.HandleAck("simonair/SMNR-1234/calibration/ack", []byte(`{"status":"ok"}`))
	c.HandleAck("simonair/SMNR-1234/calibration/ack", []byte(`not json`))
	c.HandleAck("simonair/SMNR-1234/calibration/ack", []byte(`{"status":"maybe"}`))
	c.HandleAck("simonair/SMNR-1234/data", []byte(`{"status":"ok"}`))

	assert.Empty(t, c.Pending())
}

func TestPendingSnapshotTracksRetries(t *testing.T) {
	pub := &fakePublisher{connected: true}
	opts := testOptions()
	opts.PublishTimeout = 20 * time.Millisecond
	opts.MaxRetries = 50
	c := NewCoordinator(pub, nil, opts)

	done := make(chan error, 1)
	go func() {
		done <- c.PublishThreshold(context.Background(), "SMNR-1234", ThresholdCommand{Bounds: map[string]interface{}{"temp_max": 30}})
	}()

	require.Eventually(t, func() bool {
		p := c.Pending()
		return len(p) == 1 && p[0].Retries >= 2
	}, time.Second, time.Millisecond)

	p := c.Pending()[0]
	assert.Equal(t, KindThresholds, p.Kind)
	assert.NotEmpty(t, p.ID)
	assert.True(t, p.Deadline.After(p.SentAt))

	c.HandleAck("simonair/SMNR-1234/thresholds/ack", []byte(`{"status":"ok"}`))
	require.NoError(t, <-done)
}

func TestPendingDeadlineCoversRetryWait(t *testing.T) {
	pub := &fakePublisher{connected: true}
	opts := testOptions()
	opts.PublishTimeout = 10 * time.Millisecond
	opts.RetryInterval = 300 * time.Millisecond
	opts.MaxRetries = 1
	c := NewCoordinator(pub, nil, opts)

	done := make(chan error, 1)
	go func() {
		done <- c.PublishCalibration(context.Background(), "SMNR-1234", phCommand())
	}()

	require.Eventually(t, func() bool {
		p := c.Pending()
		return len(p) == 1 && p[0].Retries == 1
	}, time.Second, time.Millisecond)

	p := c.Pending()[0]
	assert.True(t, p.Deadline.After(time.Now()), "deadline must not lag behind the retry wait")
	assert.Len(t, pub.published(), 1, "still waiting before the second publish")

	c.HandleAck("simonair/SMNR-1234/calibration/ack", []byte(`{"status":"ok"}`))
	require.NoError(t, <-done)
}

func TestContextCancelReleasesKey(t *testing.T) {
	pub := &fakePublisher{connected: true}
	opts := testOptions()
	opts.PublishTimeout = time.Minute
	c := NewCoordinator(pub, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.PublishCalibration(ctx, "SMNR-1234", phCommand())
	}()
	waitForPending(t, c, 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, c.Pending())
}

func TestShutdownReleasesWaitingCallers(t *testing.T) {
	pub := &fakePublisher{connected: true}
	opts := testOptions()
	opts.PublishTimeout = time.Minute
	c := NewCoordinator(pub, nil, opts)

	done := make(chan error, 2)
	go func() {
		done <- c.PublishCalibration(context.Background(), "SMNR-1234", phCommand())
	}()
	go func() {
		done <- c.PublishCalibration(context.Background(), "SMNR-5678", phCommand())
	}()
	waitForPending(t, c, 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	assert.ErrorIs(t, <-done, ErrShutdown)
	assert.ErrorIs(t, <-done, ErrShutdown)
	assert.Empty(t, c.Pending())

	err := c.PublishCalibration(context.Background(), "SMNR-1234", phCommand())
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestParseAck(t *testing.T) {
	topics := mqtt.NewTopics("simonair/")

	ack, err := ParseAck(topics, "simonair/SMNR-1234/thresholds/ack", []byte(`{"status":"error",`+ackTimestamp+`,"message":"eeprom"}`))
	require.NoError(t, err)
	assert.Equal(t, "SMNR-1234", ack.DeviceID)
	assert.Equal(t, KindThresholds, ack.Kind)
	assert.Equal(t, StatusError, ack.Status)
	assert.Equal(t, "eeprom", ack.Message)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), ack.Timestamp)

	_, err = ParseAck(topics, "simonair/SMNR-1234/calibration", []byte(`{"status":"ok"}`))
	assert.Error(t, err)
}
