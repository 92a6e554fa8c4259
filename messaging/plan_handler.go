package messaging

import (
	"context"
	"log"
	"time"

	"matflow/protocol"
)

// Planner applies inbound planning and stock data.
type Planner interface {
	ScheduleRun(ctx context.Context, p *protocol.RunSchedule) error
	ApplyStockSnapshot(ctx context.Context, p *protocol.StockSnapshot) error
	SyncItems(ctx context.Context, p *protocol.ItemsSync) error
}

// PlanHandler handles inbound protocol messages on the plan topic and
// delegates them to the planner. Outbound types are ignored.
type PlanHandler struct {
	protocol.NoOpHandler

	planner Planner
	timeout time.Duration
}

func NewPlanHandler(planner Planner) *PlanHandler {
	return &PlanHandler{planner: planner, timeout: 30 * time.Second}
}

func (h *PlanHandler) HandleRunSchedule(env *protocol.Envelope, p *protocol.RunSchedule) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.planner.ScheduleRun(ctx, p); err != nil {
		log.Printf("plan_handler: schedule run %s (msg %s): %v", p.RunID, env.ID, err)
		return
	}
	log.Printf("plan_handler: scheduled run %s on line %s", p.RunID, p.Line)
}

func (h *PlanHandler) HandleStockSnapshot(env *protocol.Envelope, p *protocol.StockSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.planner.ApplyStockSnapshot(ctx, p); err != nil {
		log.Printf("plan_handler: stock snapshot (msg %s): %v", env.ID, err)
		return
	}
	log.Printf("plan_handler: applied %d stock balances", len(p.Balances))
}

func (h *PlanHandler) HandleItemsSync(env *protocol.Envelope, p *protocol.ItemsSync) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.planner.SyncItems(ctx, p); err != nil {
		log.Printf("plan_handler: items sync (msg %s): %v", env.ID, err)
		return
	}
	log.Printf("plan_handler: synced %d items", len(p.Items))
}

// StationFilter accepts messages addressed to station or broadcast to all.
func StationFilter(station string) protocol.FilterFunc {
	return func(hdr *protocol.RawHeader) bool {
		return hdr.Dst.Station == "" || hdr.Dst.Station == "*" || hdr.Dst.Station == station
	}
}
