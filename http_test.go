package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/simonair-bridge/command"
	"github.com/eddielth/simonair-bridge/device"
	"github.com/eddielth/simonair-bridge/mqtt"
	"github.com/eddielth/simonair-bridge/telemetry"
)

type stubState struct {
	connected bool
	pending   []command.PendingInfo
}

func (s stubState) IsConnected() bool { return s.connected }
func (s stubState) Pending() []command.PendingInfo { return s.pending }
func (s stubState) PublishCalibration(context.Context, string, command.CalibrationCommand) error {
	return nil
}
func (s stubState) PublishThreshold(context.Context, string, command.ThresholdCommand) error {
	return nil
}

// devicePublisher stands in for the broker and the device behind it: reply,
// when set, is sent back on the ack topic of every published command.
type devicePublisher struct {
	mu        sync.Mutex
	connected bool
	reply     string
	published int
	acks      func(topic string, payload []byte)
}

func (p *devicePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *devicePublisher) Publish(topic string, _ byte, _ []byte) error {
	p.mu.Lock()
	p.published++
	reply, acks := p.reply, p.acks
	p.mu.Unlock()

	if reply != "" && acks != nil {
		go acks(topic+"/ack", []byte(reply))
	}
	return nil
}

func newCommandMux(pub *devicePublisher, timeout time.Duration) (*http.ServeMux, *command.Coordinator) {
	coordinator := command.NewCoordinator(pub,
		device.NewChecker(device.DefaultIDPrefix, device.NewStatic("SMNR-1234")),
		command.Options{
			Topics:         mqtt.NewTopics("simonair/"),
			QoS:            1,
			PublishTimeout: timeout,
			RetryInterval:  time.Millisecond,
			MaxRetries:     1,
		})
	pub.acks = coordinator.HandleAck
	return newMux(prometheus.NewRegistry(), pub, coordinator, telemetry.NewLatest()), coordinator
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

const phCalibration = `{"sensor_type":"ph","parameters":{"m":-7.153,"c":22.456}}`

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthzFollowsTransport(t *testing.T) {
	latest := telemetry.NewLatest()
	up := newMux(prometheus.NewRegistry(), stubState{connected: true}, stubState{}, latest)
	down := newMux(prometheus.NewRegistry(), stubState{}, stubState{}, latest)

	assert.Equal(t, http.StatusOK, get(t, up, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, down, "/healthz").Code)
}

func TestPendingCommandsEndpoint(t *testing.T) {
	sent := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	state := stubState{pending: []command.PendingInfo{{
		ID: "a1", DeviceID: "SMNR-1234", Kind: command.KindCalibration,
		SentAt: sent, Retries: 2, Deadline: sent.Add(5 * time.Second),
	}}}
	mux := newMux(prometheus.NewRegistry(), state, state, telemetry.NewLatest())

	rec := get(t, mux, "/commands/pending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"a1","device_id":"SMNR-1234","kind":"calibration","sent_at":"2025-06-01T12:00:00.000Z","retries":2,"deadline":"2025-06-01T12:00:05.000Z"}]`, rec.Body.String())
}

func TestLatestReadingEndpoints(t *testing.T) {
	latest := telemetry.NewLatest()
	latest.Observe(telemetry.SensorReading{
		DeviceID:  "SMNR-1234",
		Timestamp: time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC),
		PH:        &telemetry.Measurement{Value: 7.1},
	})
	mux := newMux(prometheus.NewRegistry(), stubState{}, stubState{}, latest)

	rec := get(t, mux, "/readings/latest/SMNR-1234")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"device_id":"SMNR-1234","timestamp":"2025-06-01T11:59:00.000Z","ph":{"value":7.1}}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, mux, "/readings/latest/SMNR-0000").Code)

	var all []json.RawMessage
	require.NoError(t, json.Unmarshal(get(t, mux, "/readings/latest").Body.Bytes(), &all))
	assert.Len(t, all, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"})
	reg.MustRegister(c)
	c.Inc()

	rec := get(t, newMux(reg, stubState{}, stubState{}, telemetry.NewLatest()), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_total 1")
}

func TestCommandEndpointsMapOutcomes(t *testing.T) {
	cases := []struct {
		name      string
		connected bool
		reply     string
		path      string
		body      string
		status    int
	}{
		{"acked calibration", true, `{"status":"ok"}`, "/devices/SMNR-1234/calibration", phCalibration, http.StatusOK},
		{"acked thresholds", true, `{"status":"ok"}`, "/devices/SMNR-1234/thresholds", `{"ph_min":6.5,"ph_max":8}`, http.StatusOK},
		{"malformed body", true, `{"status":"ok"}`, "/devices/SMNR-1234/thresholds", `{"ph_min":`, http.StatusBadRequest},
		{"invalid calibration", true, `{"status":"ok"}`, "/devices/SMNR-1234/calibration", `{"sensor_type":"ph","parameters":{"m":1}}`, http.StatusBadRequest},
		{"invalid thresholds", true, `{"status":"ok"}`, "/devices/SMNR-1234/thresholds", `{"ph_min":20}`, http.StatusBadRequest},
		{"unknown device", true, `{"status":"ok"}`, "/devices/SMNR-9999/calibration", phCalibration, http.StatusNotFound},
		{"device rejects", true, `{"status":"error","message":"eeprom"}`, "/devices/SMNR-1234/calibration", phCalibration, http.StatusUnprocessableEntity},
		{"no ack", true, "", "/devices/SMNR-1234/thresholds", `{"tds_max":900}`, http.StatusGatewayTimeout},
		{"broker down", false, `{"status":"ok"}`, "/devices/SMNR-1234/calibration", phCalibration, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &devicePublisher{connected: tc.connected, reply: tc.reply}
			mux, _ := newCommandMux(pub, 20*time.Millisecond)

			rec := post(t, mux, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestCommandEndpointConflictsWhileInFlight(t *testing.T) {
	pub := &devicePublisher{connected: true}
	mux, coordinator := newCommandMux(pub, time.Second)

	first := make(chan int, 1)
	go func() {
		first <- post(t, mux, "/devices/SMNR-1234/calibration", phCalibration).Code
	}()
	require.Eventually(t, func() bool { return len(coordinator.Pending()) == 1 }, time.Second, time.Millisecond)

	rec := post(t, mux, "/devices/SMNR-1234/calibration", phCalibration)
	assert.Equal(t, http.StatusConflict, rec.Code)

	coordinator.HandleAck("simonair/SMNR-1234/calibration/ack", []byte(`{"status":"ok"}`))
	assert.Equal(t, http.StatusOK, <-first)
}

func TestCommandEndpointAfterShutdown(t *testing.T) {
	pub := &devicePublisher{connected: true, reply: `{"status":"ok"}`}
	mux, coordinator := newCommandMux(pub, 20*time.Millisecond)
	require.NoError(t, coordinator.Shutdown(context.Background()))

	rec := post(t, mux, "/devices/SMNR-1234/thresholds", `{"ph_min":6.5}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCommandStatusForContextErrors(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, commandStatus(context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, commandStatus(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, commandStatus(assert.AnError))
}
