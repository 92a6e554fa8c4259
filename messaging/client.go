package messaging

import (
	"fmt"
	"sync"

	"matflow/config"
)

// backend is one broker transport.
type backend interface {
	connect() error
	publish(topic string, payload []byte) error
	subscribe(topic string, handler func([]byte)) error
	connected() bool
	close()
}

// Client publishes outbox messages and delivers planning messages over
// either Kafka or MQTT, chosen by config.
type Client struct {
	mu      sync.RWMutex
	cfg     *config.MessagingConfig
	backend backend
	subs    map[string]func([]byte)
}

func NewClient(cfg *config.MessagingConfig) *Client {
	return &Client{cfg: cfg, subs: make(map[string]func([]byte))}
}

// Connect dials the configured broker and replays every subscription
// registered so far. It may be called again after a failure.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b backend
	switch c.cfg.Backend {
	case "mqtt":
		b = newMQTTBackend(c.cfg.MQTT)
	case "kafka":
		b = newKafkaBackend(c.cfg.Kafka, c.cfg.PlanTopic, c.cfg.EventsTopic, c.cfg.LabelsTopic)
	default:
		return fmt.Errorf("unknown messaging backend: %s", c.cfg.Backend)
	}
	if err := b.connect(); err != nil {
		return err
	}
	for topic, handler := range c.subs {
		if err := b.subscribe(topic, handler); err != nil {
			b.close()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	if c.backend != nil {
		c.backend.close()
	}
	c.backend = b
	return nil
}

// EnsureConnected dials only if no transport has been established yet.
// Once up, the transports reconnect on their own.
func (c *Client) EnsureConnected() error {
	c.mu.RLock()
	up := c.backend != nil
	c.mu.RUnlock()
	if up {
		return nil
	}
	return c.Connect()
}

func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.backend == nil {
		return fmt.Errorf("messaging not connected")
	}
	return c.backend.publish(topic, payload)
}

// Subscribe delivers every message on topic to handler, on the
// transport's goroutine. While disconnected the subscription is only
// recorded and takes effect on the next successful Connect.
func (c *Client) Subscribe(topic string, handler func(payload []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = handler
	if c.backend == nil {
		return nil
	}
	return c.backend.subscribe(topic, handler)
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend != nil && c.backend.connected()
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		c.backend.close()
		c.backend = nil
	}
}
