package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/simonair-bridge/config"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool { return false }
func (m fakeMessage) Qos() byte { return 1 }
func (m fakeMessage) Retained() bool { return false }
func (m fakeMessage) Topic() string { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte { return m.payload }
func (m fakeMessage) Ack() {}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePaho struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	published  []published
	subscribed map[string]paho.MessageHandler
}

func newFakePaho() *fakePaho {
	return &fakePaho{subscribed: make(map[string]paho.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool { return f.IsConnectionOpen() }
func (f *fakePaho) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
func (f *fakePaho) Connect() paho.Token {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return &fakeToken{}
}
func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}
func (f *fakePaho) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{err: f.publishErr}
}
func (f *fakePaho) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = cb
	return &fakeToken{}
}
func (f *fakePaho) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &fakeToken{}
}
func (f *fakePaho) Unsubscribe(...string) paho.Token { return &fakeToken{} }
func (f *fakePaho) AddRoute(string, paho.MessageHandler) {}
func (f *fakePaho) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (f *fakePaho) deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	cb, ok := f.subscribed[topic]
	f.mu.Unlock()
	if ok {
		cb(f, fakeMessage{topic: topic, payload: payload})
	}
	return ok
}

func newTestClient(fake *fakePaho) *Client {
	return &Client{
		client: fake,
		config: config.MQTTConfig{Broker: "tcp://test:1883", PublishTimeout: time.Second},
		subs:   make(map[string]subscription),
	}
}

func TestNewClientRequiresBroker(t *testing.T) {
	_, err := NewClient(config.MQTTConfig{})
	assert.Error(t, err)

	c, err := NewClient(config.MQTTConfig{Broker: "tcp://localhost:1883"})
	require.NoError(t, err)
	assert.False(t, c.IsConnected())
}

func TestPublishFailsFastWhileDisconnected(t *testing.T) {
	fake := newFakePaho()
	c := newTestClient(fake)

	err := c.Publish("simonair/SMNR-1234/calibration", 1, []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, fake.published)
}

func TestPublishWhileConnected(t *testing.T) {
	fake := newFakePaho()
	fake.connected = true
	c := newTestClient(fake)

	require.NoError(t, c.Publish("simonair/SMNR-1234/thresholds", 1, []byte(`{"ph_min":"6"}`)))
	require.Len(t, fake.published, 1)
	assert.Equal(t, "simonair/SMNR-1234/thresholds", fake.published[0].topic)
	assert.Equal(t, byte(1), fake.published[0].qos)

	fake.publishErr = errors.New("broker refused")
	assert.Error(t, c.Publish("simonair/SMNR-1234/thresholds", 1, []byte(`{}`)))
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	fake := newFakePaho()
	c := newTestClient(fake)

	var got []string
	require.NoError(t, c.Subscribe("simonair/+/data", 1, func(topic string, _ []byte) {
		got = append(got, topic)
	}))
	assert.Empty(t, fake.subscribed, "subscription must wait for a session")

	fake.Connect()
	c.resubscribe()
	require.Contains(t, fake.subscribed, "simonair/+/data")

	// a fresh session after a drop starts with no broker-side subscriptions
	fake.Disconnect(0)
	fake.subscribed = make(map[string]paho.MessageHandler)
	fake.Connect()
	c.resubscribe()

	require.True(t, fake.deliver("simonair/+/data", []byte(`{}`)))
	assert.Equal(t, []string{"simonair/+/data"}, got)
}

func TestSubscribeWhileConnectedIsImmediate(t *testing.T) {
	fake := newFakePaho()
	fake.connected = true
	c := newTestClient(fake)

	require.NoError(t, c.Subscribe("simonair/+/+/ack", 1, func(string, []byte) {}))
	assert.Contains(t, fake.subscribed, "simonair/+/+/ack")
}
