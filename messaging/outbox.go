package messaging

import (
	"log"
	"sync"
	"time"

	"matflow/store"
)

// Publisher is the part of Client the drainer needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
	IsConnected() bool
}

// OutboxStore persists messages until they are published.
type OutboxStore interface {
	ListPendingOutbox(limit int) ([]*store.OutboxMessage, error)
	AckOutbox(id int64) error
	IncrementOutboxRetries(id int64) error
}

const drainBatch = 50

// OutboxDrainer periodically sends pending outbox messages.
type OutboxDrainer struct {
	db       OutboxStore
	client   Publisher
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewOutboxDrainer creates a new outbox drainer.
func NewOutboxDrainer(db OutboxStore, client Publisher, interval time.Duration) *OutboxDrainer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxDrainer{
		db:       db,
		client:   client,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the outbox drain loop.
func (d *OutboxDrainer) Start() {
	d.wg.Add(1)
	go d.drainLoop()
}

// Stop stops the outbox drain loop.
func (d *OutboxDrainer) Stop() {
	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}
	d.wg.Wait()
}

func (d *OutboxDrainer) drainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.Drain()
		}
	}
}

// Drain publishes one batch of pending messages and returns how many were
// acknowledged. Failed messages stay pending with their retry count bumped.
// After a failure the rest of that topic waits for the next batch, so
// consumers never see a topic out of order.
func (d *OutboxDrainer) Drain() int {
	if !d.client.IsConnected() {
		return 0
	}

	msgs, err := d.db.ListPendingOutbox(drainBatch)
	if err != nil {
		log.Printf("outbox: list pending: %v", err)
		return 0
	}

	sent := 0
	blocked := make(map[string]bool)
	for _, msg := range msgs {
		if blocked[msg.Topic] {
			continue
		}
		if err := d.client.Publish(msg.Topic, msg.Payload); err != nil {
			blocked[msg.Topic] = true
			log.Printf("outbox: publish msg %d (%s): %v", msg.ID, msg.MsgType, err)
			if err := d.db.IncrementOutboxRetries(msg.ID); err != nil {
				log.Printf("outbox: bump retries %d: %v", msg.ID, err)
			}
			continue
		}
		if err := d.db.AckOutbox(msg.ID); err != nil {
			log.Printf("outbox: ack msg %d: %v", msg.ID, err)
			continue
		}
		sent++
	}
	return sent
}
