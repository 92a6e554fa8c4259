package engine

import (
	"context"
	"log"
	"time"

	"matflow/config"
	"matflow/ledger"
	"matflow/lifecycle"
	"matflow/livestate"
	"matflow/messaging"
	"matflow/movement"
	"matflow/protocol"
	"matflow/scan"
	"matflow/store"
)

type LogFunc func(format string, args ...any)

type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	DB         *store.DB
	// Redis is optional. Without it the ledger is folded from SQL on every
	// read and scan claims and batch locks stay in-process.
	Redis     *livestate.RedisStore
	MsgClient *messaging.Client
	LogFunc   LogFunc
}

type Engine struct {
	cfg        *config.Config
	configPath string
	db         *store.DB
	redis      *livestate.RedisStore
	live       *livestate.Manager
	msgClient  *messaging.Client
	drainer    *messaging.OutboxDrainer

	ledger  *ledger.Service
	gen     *movement.Generator
	scans   *scan.Processor
	machine *lifecycle.Machine

	Events       *EventBus
	logFn        LogFunc
	stopChan     chan struct{}
	msgConnected bool
	now          func() time.Time
}

func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = log.Printf
	}
	e := &Engine{
		cfg:        c.AppConfig,
		configPath: c.ConfigPath,
		db:         c.DB,
		redis:      c.Redis,
		msgClient:  c.MsgClient,
		Events:     NewEventBus(),
		logFn:      logFn,
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}

	var cache ledger.Cache
	var locker movement.Locker
	var dedupe scan.Deduper
	if c.Redis != nil {
		e.live = livestate.NewManager(c.DB, c.Redis, time.Hour)
		cache = e.live
		locker = livestate.NewBatchLocker(c.Redis, c.AppConfig.Redis.LockTTL, 5*time.Second)
		dedupe = livestate.NewRedisDeduper(c.Redis)
	}

	me := &movementEmitter{bus: e.Events}
	e.ledger = ledger.NewService(c.DB, cache)
	e.gen = movement.NewGenerator(c.DB, locker, me)
	e.scans = scan.NewProcessor(c.DB, e.gen, e.ledger, dedupe, &scanEmitter{bus: e.Events})
	e.machine = lifecycle.NewMachine(c.DB, e.ledger, e.gen, &lifecycleEmitter{movementEmitter{bus: e.Events}})
	return e
}

func (e *Engine) Start() {
	e.wireEventHandlers()

	if e.live != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := e.live.SyncRedisFromSQL(ctx); err != nil {
			e.logFn("engine: redis sync: %v", err)
		}
		cancel()
	}

	if e.msgClient != nil {
		msgCfg := e.cfg.Messaging
		ing := protocol.NewIngestor(messaging.NewPlanHandler(e), messaging.StationFilter(msgCfg.StationID))
		if msgCfg.PlanTopic != "" {
			if err := e.msgClient.Subscribe(msgCfg.PlanTopic, ing.HandleRaw); err != nil {
				e.logFn("engine: subscribe %s: %v", msgCfg.PlanTopic, err)
			}
		}
		e.drainer = messaging.NewOutboxDrainer(e.db, e.msgClient, msgCfg.OutboxDrainInterval)
		e.drainer.Start()

		e.checkConnectionStatus()
		go e.connectionHealthLoop()
	}

	e.logFn("engine: started")
}

func (e *Engine) Stop() {
	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}
	if e.drainer != nil {
		e.drainer.Stop()
	}
	e.logFn("engine: stopped")
}

// Accessors
func (e *Engine) DB() *store.DB                  { return e.db }
func (e *Engine) AppConfig() *config.Config      { return e.cfg }
func (e *Engine) ConfigPath() string             { return e.configPath }
func (e *Engine) MsgClient() *messaging.Client   { return e.msgClient }
func (e *Engine) Live() *livestate.Manager       { return e.live }
func (e *Engine) Machine() *lifecycle.Machine    { return e.machine }
func (e *Engine) Generator() *movement.Generator { return e.gen }

// SetClock replaces the time source of every component, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.gen.SetClock(now)
	e.scans.SetClock(now)
	e.machine.SetClock(now)
}

// Factory returns a copy of the current factory settings. Every operation
// takes one copy up front and uses it throughout.
func (e *Engine) Factory() config.FactoryConfig {
	return e.cfg.FactorySnapshot()
}

func (e *Engine) checkConnectionStatus() {
	if e.msgClient.IsConnected() {
		if !e.msgConnected {
			e.msgConnected = true
			e.Events.Emit(Event{Type: EventMessagingConnected, Payload: ConnectionEvent{Detail: "messaging connected"}})
		}
	} else {
		if e.msgConnected {
			e.msgConnected = false
			e.Events.Emit(Event{Type: EventMessagingDisconnected, Payload: ConnectionEvent{Detail: "messaging disconnected"}})
		}
	}
}

func (e *Engine) connectionHealthLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if err := e.msgClient.EnsureConnected(); err != nil {
				e.logFn("engine: messaging reconnect: %v", err)
			}
			e.checkConnectionStatus()
		}
	}
}

// MessagingConnected reports the last observed broker state.
func (e *Engine) MessagingConnected() bool {
	return e.msgClient != nil && e.msgClient.IsConnected()
}
