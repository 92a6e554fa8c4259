package movement

import "matflow/material"

// EventEmitter is the interface the movement package uses to emit events.
type EventEmitter interface {
	EmitMovementCommitted(mv *material.Movement)
	EmitMovementFailed(runID string, purpose material.Purpose, err error)
}
