package engine

import (
	"matflow/material"
	"matflow/store"
)

// movementEmitter bridges the movement generator's emitter interface to the EventBus.
type movementEmitter struct {
	bus *EventBus
}

func (e *movementEmitter) EmitMovementCommitted(mv *material.Movement) {
	e.bus.Emit(Event{Type: EventMovementCommitted, Payload: MovementCommittedEvent{Movement: mv}})
}

func (e *movementEmitter) EmitMovementFailed(runID string, purpose material.Purpose, err error) {
	e.bus.Emit(Event{Type: EventMovementFailed, Payload: MovementFailedEvent{
		RunID:   runID,
		Purpose: purpose,
		Detail:  err.Error(),
	}})
}

// scanEmitter bridges the scan processor to the EventBus.
type scanEmitter struct {
	bus *EventBus
}

func (e *scanEmitter) EmitScanRecorded(ev *material.ScanEvent) {
	e.bus.Emit(Event{Type: EventScanRecorded, Payload: ScanRecordedEvent{Scan: ev}})
}

// lifecycleEmitter bridges the lifecycle machine to the EventBus.
type lifecycleEmitter struct {
	movementEmitter
}

func (e *lifecycleEmitter) EmitRunTransitioned(run *material.Run, t *store.Transition) {
	e.bus.Emit(Event{Type: EventRunTransitioned, Payload: RunTransitionedEvent{Run: run, Transition: t}})
}

func (e *lifecycleEmitter) EmitOperatorChanged(runID, operator string, joined bool) {
	e.bus.Emit(Event{Type: EventOperatorChanged, Payload: OperatorChangedEvent{
		RunID:    runID,
		Operator: operator,
		Joined:   joined,
	}})
}

func (e *lifecycleEmitter) EmitLineClosed(c *store.Closure, mvs []*material.Movement) {
	e.bus.Emit(Event{Type: EventLineClosed, Payload: LineClosedEvent{Closure: c, Movements: mvs}})
}
