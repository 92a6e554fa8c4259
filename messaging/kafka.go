package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"matflow/config"
)

type kafkaBackend struct {
	cfg    config.KafkaConfig
	topics []string
	writer *kafkago.Writer

	mu      sync.Mutex
	readers []*kafkago.Reader
}

func newKafkaBackend(cfg config.KafkaConfig, topics ...string) *kafkaBackend {
	var names []string
	for _, t := range topics {
		if t != "" {
			names = append(names, t)
		}
	}
	return &kafkaBackend{cfg: cfg, topics: names}
}

func (b *kafkaBackend) connect() error {
	if len(b.cfg.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	var conn *kafkago.Conn
	var err error
	for _, broker := range b.cfg.Brokers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, err = kafkago.DialContext(ctx, "tcp", broker)
		cancel()
		if err == nil {
			log.Printf("messaging: kafka connected to %s", broker)
			break
		}
	}
	if err != nil {
		return fmt.Errorf("kafka connect: %w", err)
	}
	b.ensureTopics(conn)
	conn.Close()

	b.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(b.cfg.Brokers...),
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
		WriteTimeout: 10 * time.Second,
	}
	return nil
}

// ensureTopics creates the matflow topics through the controller. Failures
// are logged only, since most brokers auto-create on first write.
func (b *kafkaBackend) ensureTopics(conn *kafkago.Conn) {
	if len(b.topics) == 0 {
		return
	}
	controller, err := conn.Controller()
	if err != nil {
		log.Printf("messaging: kafka controller lookup: %v", err)
		return
	}
	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		log.Printf("messaging: kafka controller dial: %v", err)
		return
	}
	defer cc.Close()

	configs := make([]kafkago.TopicConfig, 0, len(b.topics))
	for _, t := range b.topics {
		configs = append(configs, kafkago.TopicConfig{Topic: t, NumPartitions: 1, ReplicationFactor: 1})
	}
	if err := cc.CreateTopics(configs...); err != nil {
		log.Printf("messaging: kafka create topics: %v", err)
		return
	}
	log.Printf("messaging: kafka topics ready: %v", b.topics)
}

func (b *kafkaBackend) publish(topic string, payload []byte) error {
	if b.writer == nil {
		return fmt.Errorf("kafka writer not initialized")
	}
	return b.writer.WriteMessages(context.Background(), kafkago.Message{Topic: topic, Value: payload})
}

func (b *kafkaBackend) subscribe(topic string, handler func([]byte)) error {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: b.cfg.Brokers,
		Topic:   topic,
		GroupID: b.cfg.GroupID,
	})
	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	go func() {
		for {
			msg, err := reader.ReadMessage(context.Background())
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Printf("messaging: kafka read %s: %v", topic, err)
				}
				return
			}
			handler(msg.Value)
		}
	}()
	log.Printf("messaging: subscribed to %s", topic)
	return nil
}

func (b *kafkaBackend) connected() bool {
	return b.writer != nil
}

func (b *kafkaBackend) close() {
	b.mu.Lock()
	for _, r := range b.readers {
		r.Close()
	}
	b.readers = nil
	b.mu.Unlock()
	if b.writer != nil {
		b.writer.Close()
	}
}
