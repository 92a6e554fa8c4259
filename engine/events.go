package engine

import (
	"matflow/material"
	"matflow/store"
)

const (
	EventMovementCommitted EventType = iota + 1
	EventMovementFailed
	EventScanRecorded
	EventRunTransitioned
	EventOperatorChanged
	EventLineClosed
	EventRunScheduled
	EventStockUpdated
	EventItemsSynced
	EventConfigChanged
	EventMessagingConnected
	EventMessagingDisconnected
)

// String returns the name used on the SSE stream.
func (t EventType) String() string {
	switch t {
	case EventMovementCommitted:
		return "movement-committed"
	case EventMovementFailed:
		return "movement-failed"
	case EventScanRecorded:
		return "scan-recorded"
	case EventRunTransitioned:
		return "run-transitioned"
	case EventOperatorChanged:
		return "operator-changed"
	case EventLineClosed:
		return "line-closed"
	case EventRunScheduled:
		return "run-scheduled"
	case EventStockUpdated:
		return "stock-updated"
	case EventItemsSynced:
		return "items-synced"
	case EventConfigChanged:
		return "config-changed"
	case EventMessagingConnected:
		return "messaging-connected"
	case EventMessagingDisconnected:
		return "messaging-disconnected"
	default:
		return "unknown"
	}
}

// --- Event payloads ---

type MovementCommittedEvent struct {
	Movement *material.Movement
}

type MovementFailedEvent struct {
	RunID   string
	Purpose material.Purpose
	Detail  string
}

type ScanRecordedEvent struct {
	Scan *material.ScanEvent
}

type RunTransitionedEvent struct {
	Run        *material.Run
	Transition *store.Transition
}

type OperatorChangedEvent struct {
	RunID    string
	Operator string
	Joined   bool
}

type LineClosedEvent struct {
	Closure   *store.Closure
	Movements []*material.Movement
}

type RunScheduledEvent struct {
	RunID        string
	Line         string
	Requirements int
	Actor        string
}

type StockUpdatedEvent struct {
	Balances int
	Actor    string
}

type ItemsSyncedEvent struct {
	Items int
}

type ConfigChangedEvent struct {
	Section string
	Actor   string
}

type ConnectionEvent struct {
	Detail string
}
