package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/simonair-bridge/config"
	"github.com/eddielth/simonair-bridge/logger"
	"github.com/eddielth/simonair-bridge/metrics"
)

// ErrNotConnected is returned by Publish while the session is down.
var ErrNotConnected = errors.New("mqtt: not connected")

// MessageHandler is the callback function type for handling MQTT messages
type MessageHandler func(topic string, payload []byte)

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client owns the single broker session. Subscriptions are remembered and
// restored after every reconnect.
type Client struct {
	client paho.Client
	config config.MQTTConfig

	mu   sync.RWMutex
	subs map[string]subscription
}

// NewClient creates a new MQTT client
func NewClient(cfg config.MQTTConfig) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("simonair-core-%d", time.Now().Unix())
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	c := &Client{
		config: cfg,
		subs:   make(map[string]subscription),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	if cfg.ReconnectMaxInterval > 0 {
		opts.SetMaxReconnectInterval(cfg.ReconnectMaxInterval)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		metrics.SetTransportConnected(false)
		logger.Error("MQTT connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	c.client = paho.NewClient(opts)
	return c, nil
}

// Connect connects to the MQTT broker, retrying the first attempt with
// exponential backoff. Later drops are handled by paho's auto-reconnect.
func (c *Client) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	if c.config.ReconnectMaxInterval > 0 {
		bo.MaxInterval = c.config.ReconnectMaxInterval
	}

	tries := c.config.ConnectRetries
	if tries <= 0 {
		tries = 1
	}

	operation := func() (struct{}, error) {
		token := c.client.Connect()
		if !token.WaitTimeout(c.config.ConnectTimeout) {
			return struct{}{}, fmt.Errorf("connection to MQTT broker %s timed out", c.config.Broker)
		}
		if err := token.Error(); err != nil {
			logger.Warn("connect to MQTT broker %s failed: %v", c.config.Broker, err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	if _, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(tries))); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	logger.Info("successfully connected to MQTT broker: %s", c.config.Broker)
	return nil
}

// onConnect runs after the first connect and after every reconnect.
func (c *Client) onConnect(_ paho.Client) {
	metrics.SetTransportConnected(true)
	go c.resubscribe()
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	patterns := make([]string, 0, len(c.subs))
	for pattern := range c.subs {
		patterns = append(patterns, pattern)
	}
	c.mu.RUnlock()
	sort.Strings(patterns)

	for _, pattern := range patterns {
		c.mu.RLock()
		sub, ok := c.subs[pattern]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		if err := c.subscribe(pattern, sub); err != nil {
			logger.Error("failed to restore subscription %s: %v", pattern, err)
		}
	}
}

// Subscribe records the subscription and, when connected, subscribes now.
// While disconnected the subscription is made on the next connect.
func (c *Client) Subscribe(pattern string, qos byte, handler MessageHandler) error {
	sub := subscription{qos: qos, handler: handler}

	c.mu.Lock()
	c.subs[pattern] = sub
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		logger.Debug("deferring subscription to %s until connected", pattern)
		return nil
	}
	return c.subscribe(pattern, sub)
}

func (c *Client) subscribe(pattern string, sub subscription) error {
	token := c.client.Subscribe(pattern, sub.qos, func(_ paho.Client, msg paho.Message) {
		logger.Debug("received message from topic %s", msg.Topic())
		sub.handler(msg.Topic(), msg.Payload())
	})

	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", pattern)
	}
	if err := token.Error(); err != nil {
		return err
	}

	logger.Info("successfully subscribed to topic: %s", pattern)
	return nil
}

// Publish sends payload and waits for the broker to accept it (for QoS > 0).
// It fails fast with ErrNotConnected while the session is down.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the session is currently usable.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	metrics.SetTransportConnected(false)
	logger.Info("disconnected from MQTT broker")
}
