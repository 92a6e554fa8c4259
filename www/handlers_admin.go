package www

import (
	"net/http"

	"matflow/engine"
	"matflow/protocol"
)

func (h *Handlers) apiGetFactory(w http.ResponseWriter, r *http.Request) {
	h.jsonOK(w, h.engine.Factory())
}

func (h *Handlers) apiSetFactory(w http.ResponseWriter, r *http.Request) {
	// Start from the current settings so a partial body only changes what
	// it names.
	f := h.engine.Factory()
	if !h.decode(w, r, &f) {
		return
	}
	if err := h.engine.SetFactory(f, h.getUsername(r)); err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, h.engine.Factory())
}

func (h *Handlers) apiScheduleRun(w http.ResponseWriter, r *http.Request) {
	var req protocol.RunSchedule
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.ScheduleRunAs(r.Context(), &req, h.getUsername(r)); err != nil {
		h.writeErr(w, err)
		return
	}
	snap, err := h.engine.Snapshot(req.RunID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, snap)
}

func (h *Handlers) apiSetStock(w http.ResponseWriter, r *http.Request) {
	var b protocol.StockBalance
	if !h.decode(w, r, &b) {
		return
	}
	if err := h.engine.SetStock(r.Context(), b, h.getUsername(r)); err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, map[string]string{"status": "ok"})
}

func (h *Handlers) apiManualMovement(w http.ResponseWriter, r *http.Request) {
	var req engine.ManualMovementRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Actor = h.getUsername(r)
	mv, err := h.engine.ManualMovement(r.Context(), req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, mv)
}
