package www

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"matflow/engine"
)

type SSEEvent struct {
	Event string
	Data  string
	// Line and RunID scope the event. Empty means every client gets it.
	Line  string
	RunID string
}

// sseClient is one open stream. A terminal usually watches one line, or
// one run on that line.
type sseClient struct {
	ch    chan SSEEvent
	line  string
	runID string
}

func (c *sseClient) wants(evt SSEEvent) bool {
	if c.line != "" && evt.Line != "" && c.line != evt.Line {
		return false
	}
	if c.runID != "" && evt.RunID != "" && c.runID != evt.RunID {
		return false
	}
	return true
}

type EventHub struct {
	mu       sync.RWMutex
	clients  map[*sseClient]struct{}
	stopOnce sync.Once
	stopChan chan struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:  make(map[*sseClient]struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start runs the keepalive loop.
func (h *EventHub) Start() {
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-h.stopChan:
				return
			case <-t.C:
				h.publish(SSEEvent{Event: "keepalive", Data: "ping"})
			}
		}
	}()
}

func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// publish never blocks; a client whose buffer is full misses the event and
// catches up on its next snapshot fetch.
func (h *EventHub) publish(evt SSEEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(evt) {
			continue
		}
		select {
		case c.ch <- evt:
		default:
		}
	}
}

func (h *EventHub) Broadcast(event, data string) {
	h.publish(SSEEvent{Event: event, Data: data})
}

// BroadcastJSON marshals v as the event data, scoped to line and runID.
func (h *EventHub) BroadcastJSON(event, line, runID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("sse: marshal %s: %v", event, err)
		return
	}
	h.publish(SSEEvent{Event: event, Data: string(data), Line: line, RunID: runID})
}

func (h *EventHub) addClient(line, runID string) *sseClient {
	c := &sseClient{ch: make(chan SSEEvent, 64), line: line, runID: runID}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *EventHub) removeClient(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SetupEngineListeners turns engine events into SSE events. Terminals
// refetch the run snapshot when they see their run ID.
func (h *EventHub) SetupEngineListeners(eng *engine.Engine) {
	eng.Events.SubscribeTypes(func(evt engine.Event) {
		mv := evt.Payload.(engine.MovementCommittedEvent).Movement
		h.BroadcastJSON("ledger-update", "", mv.RunID, map[string]any{
			"run_id":      mv.RunID,
			"movement_id": mv.ID,
			"purpose":     mv.Purpose,
		})
	}, engine.EventMovementCommitted)

	eng.Events.SubscribeTypes(func(evt engine.Event) {
		sc := evt.Payload.(engine.ScanRecordedEvent).Scan
		h.BroadcastJSON("scan", "", sc.RunID, sc)
	}, engine.EventScanRecorded)

	eng.Events.SubscribeTypes(func(evt engine.Event) {
		ev := evt.Payload.(engine.RunTransitionedEvent)
		h.BroadcastJSON("run-update", ev.Run.Line, ev.Run.ID, map[string]any{
			"run_id": ev.Run.ID,
			"line":   ev.Run.Line,
			"from":   ev.Transition.From,
			"to":     ev.Transition.To,
		})
	}, engine.EventRunTransitioned)

	eng.Events.SubscribeTypes(func(evt engine.Event) {
		ev := evt.Payload.(engine.OperatorChangedEvent)
		h.BroadcastJSON("run-update", "", ev.RunID, map[string]any{
			"run_id":   ev.RunID,
			"operator": ev.Operator,
			"joined":   ev.Joined,
		})
	}, engine.EventOperatorChanged)

	eng.Events.SubscribeTypes(func(evt engine.Event) {
		c := evt.Payload.(engine.LineClosedEvent).Closure
		h.BroadcastJSON("line-closed", c.Line, "", map[string]any{
			"closure_id": c.ID,
			"line":       c.Line,
			"run_ids":    c.RunIDs,
		})
	}, engine.EventLineClosed)

	eng.Events.SubscribeTypes(func(evt engine.Event) {
		ev := evt.Payload.(engine.RunScheduledEvent)
		h.BroadcastJSON("queue-update", ev.Line, "", map[string]any{"run_id": ev.RunID, "line": ev.Line})
	}, engine.EventRunScheduled)

	eng.Events.SubscribeTypes(func(evt engine.Event) {
		status := "disconnected"
		if evt.Type == engine.EventMessagingConnected {
			status = "connected"
		}
		h.BroadcastJSON("system-status", "", "", map[string]string{"messaging": status})
	}, engine.EventMessagingConnected, engine.EventMessagingDisconnected)
}

// SSEHandler streams events. The optional line and run query parameters
// narrow the stream to one line or one run.
func (h *EventHub) SSEHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	q := r.URL.Query()
	c := h.addClient(q.Get("line"), q.Get("run"))
	defer h.removeClient(c)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.stopChan:
			return
		case evt := <-c.ch:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Event, evt.Data); err != nil {
				log.Printf("sse: write error: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
