package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"matflow/config"
)

type mqttBackend struct {
	cfg  config.MQTTConfig
	conn mqtt.Client

	mu   sync.Mutex
	subs map[string]func([]byte)
}

func newMQTTBackend(cfg config.MQTTConfig) *mqttBackend {
	return &mqttBackend{cfg: cfg, subs: make(map[string]func([]byte))}
}

func (b *mqttBackend) connect() error {
	broker := fmt.Sprintf("tcp://%s:%d", b.cfg.Broker, b.cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(b.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("messaging: mqtt connection lost: %v", err)
		})

	b.conn = mqtt.NewClient(opts)
	token := b.conn.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect to %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	log.Printf("messaging: mqtt connected to %s", broker)
	return nil
}

// resubscribe restores subscriptions after a reconnect; a clean session
// drops them broker-side.
func (b *mqttBackend) resubscribe(client mqtt.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, handler := range b.subs {
		if err := b.subscribeLocked(client, topic, handler); err != nil {
			log.Printf("messaging: mqtt resubscribe %s: %v", topic, err)
		}
	}
}

func (b *mqttBackend) publish(topic string, payload []byte) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := b.conn.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

func (b *mqttBackend) subscribe(topic string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = handler
	return b.subscribeLocked(b.conn, topic, handler)
}

func (b *mqttBackend) subscribeLocked(client mqtt.Client, topic string, handler func([]byte)) error {
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (b *mqttBackend) connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func (b *mqttBackend) close() {
	if b.conn != nil {
		b.conn.Disconnect(1000)
	}
}
