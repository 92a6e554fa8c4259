package engine

import (
	"fmt"
	"strings"

	"matflow/material"
	"matflow/protocol"
)

func (e *Engine) wireEventHandlers() {
	// Every committed movement: drop the cached ledger, audit, and tell the
	// stock service. Tagged transfers also go to the label printer.
	e.Events.SubscribeTypes(func(evt Event) {
		mv := evt.Payload.(MovementCommittedEvent).Movement
		if mv.RunID != "" {
			if e.live != nil {
				// Keep the shared cache warm for the other instances.
				if err := e.ledger.Refresh(mv.RunID); err != nil {
					e.logFn("engine: refresh ledger %s: %v", mv.RunID, err)
				}
			} else {
				e.ledger.Invalidate(mv.RunID)
			}
		}
		e.db.AppendAudit("movement", mv.ID, mv.Purpose.String(), "", movementSummary(mv), mv.Actor)
		e.enqueue(e.cfg.Messaging.EventsTopic, protocol.TypeMovementCommitted, protocol.RoleStock, movementPayload(mv))
		if mv.Purpose == material.PurposeTransfer && mv.PalletTag != "" {
			e.enqueue(e.cfg.Messaging.LabelsTopic, protocol.TypeLabelRequest, protocol.RolePrinter, &protocol.LabelRequest{
				MovementID: mv.ID,
				RunID:      mv.RunID,
				PalletTag:  mv.PalletTag,
				Location:   mv.TargetLocation,
				Lines:      wireLines(mv.Lines),
			})
		}
	}, EventMovementCommitted)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(MovementFailedEvent)
		e.logFn("engine: %s movement for run %s failed: %s", ev.Purpose, ev.RunID, ev.Detail)
	}, EventMovementFailed)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(ScanRecordedEvent).Scan
		if ev.Outcome != material.ScanAccepted {
			e.logFn("engine: scan on run %s %s: %s", ev.RunID, strings.ToLower(string(ev.Outcome)), ev.Reason)
		}
	}, EventScanRecorded)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(RunTransitionedEvent)
		t := ev.Transition
		e.db.AppendAudit("run", ev.Run.ID, strings.ToLower(t.Action), string(t.From), string(t.To), t.Operator)
		e.enqueue(e.cfg.Messaging.EventsTopic, protocol.TypeRunStatus, protocol.RolePlanner, &protocol.RunStatus{
			RunID:           ev.Run.ID,
			Line:            ev.Run.Line,
			From:            string(t.From),
			To:              string(t.To),
			Action:          t.Action,
			Operator:        t.Operator,
			ProductionEnded: ev.Run.ProductionEnded,
			GoodQty:         ev.Run.GoodQty,
			RejectQty:       ev.Run.RejectQty,
			At:              t.CreatedAt,
		})
	}, EventRunTransitioned)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(OperatorChangedEvent)
		action := "operator_left"
		if ev.Joined {
			action = "operator_joined"
		}
		e.db.AppendAudit("run", ev.RunID, action, "", ev.Operator, ev.Operator)
	}, EventOperatorChanged)

	e.Events.SubscribeTypes(func(evt Event) {
		c := evt.Payload.(LineClosedEvent).Closure
		e.db.AppendAudit("line", c.Line, "closed", "", fmt.Sprintf("closure=%s mode=%s runs=%s", c.ID, c.Mode, strings.Join(c.RunIDs, ",")), c.Operator)
		e.enqueue(e.cfg.Messaging.EventsTopic, protocol.TypeLineClosed, protocol.RolePlanner, &protocol.LineClosed{
			ClosureID: c.ID,
			Line:      c.Line,
			Mode:      c.Mode,
			RunIDs:    c.RunIDs,
			GoodQty:   c.GoodQty,
			RejectQty: c.RejectQty,
			Operator:  c.Operator,
			At:        c.CreatedAt,
		})
	}, EventLineClosed)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(RunScheduledEvent)
		e.db.AppendAudit("run", ev.RunID, "scheduled", "", fmt.Sprintf("line=%s requirements=%d", ev.Line, ev.Requirements), ev.Actor)
	}, EventRunScheduled)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(StockUpdatedEvent)
		e.db.AppendAudit("stock", "", "balances_set", "", fmt.Sprintf("%d balances", ev.Balances), ev.Actor)
	}, EventStockUpdated)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(ConfigChangedEvent)
		e.db.AppendAudit("config", ev.Section, "updated", "", "", ev.Actor)
	}, EventConfigChanged)
}

// enqueue wraps payload in an envelope and stores it in the outbox for the
// drainer. Failures are logged; the originating operation has already
// committed.
func (e *Engine) enqueue(topic, msgType, dstRole string, payload any) {
	if topic == "" {
		return
	}
	station := e.cfg.Messaging.StationID
	src := protocol.Address{Role: protocol.RoleMatflow, Station: station}
	dst := protocol.Address{Role: dstRole}
	env, err := protocol.NewEnvelope(msgType, src, dst, payload)
	if err != nil {
		e.logFn("engine: build %s: %v", msgType, err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		e.logFn("engine: encode %s: %v", msgType, err)
		return
	}
	if err := e.db.EnqueueOutbox(topic, data, msgType, station); err != nil {
		e.logFn("engine: enqueue %s: %v", msgType, err)
	}
}

func wireLines(lines []material.MovementLine) []protocol.MovementLine {
	out := make([]protocol.MovementLine, len(lines))
	for i, l := range lines {
		out[i] = protocol.MovementLine{Item: l.Item, BatchID: l.BatchID, Qty: l.Qty, UOM: l.UOM}
	}
	return out
}

func movementPayload(mv *material.Movement) *protocol.MovementCommitted {
	return &protocol.MovementCommitted{
		MovementID:     mv.ID,
		Purpose:        mv.Purpose.String(),
		RunID:          mv.RunID,
		SourceLocation: mv.SourceLocation,
		TargetLocation: mv.TargetLocation,
		PalletTag:      mv.PalletTag,
		Actor:          mv.Actor,
		Lines:          wireLines(mv.Lines),
		CommittedAt:    mv.CreatedAt,
	}
}

func movementSummary(mv *material.Movement) string {
	parts := make([]string, 0, len(mv.Lines))
	for _, l := range mv.Lines {
		s := l.Item + " " + l.Qty.String()
		if l.BatchID != "" {
			s += " [" + l.BatchID + "]"
		}
		parts = append(parts, s)
	}
	route := mv.SourceLocation + " -> " + mv.TargetLocation
	return fmt.Sprintf("run=%s %s: %s", mv.RunID, route, strings.Join(parts, ", "))
}
