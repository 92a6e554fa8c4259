package www

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"matflow/lifecycle"
	"matflow/scan"
)

func (h *Handlers) apiScan(w http.ResponseWriter, r *http.Request) {
	var req scan.Request
	req.RunID = chi.URLParam(r, "id")
	if !h.decode(w, r, &req) {
		return
	}
	req.RunID = chi.URLParam(r, "id")
	req.Operator = h.actor(r, req.Operator)
	res, err := h.engine.Scan(r.Context(), req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, res)
}

func (h *Handlers) apiSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, snap)
}

func (h *Handlers) apiRunMovements(w http.ResponseWriter, r *http.Request) {
	mvs, err := h.engine.Movements(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, mvs)
}

func (h *Handlers) apiRunTransitions(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := h.engine.Snapshot(runID); err != nil {
		h.writeErr(w, err)
		return
	}
	ts, err := h.engine.Transitions(runID)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, ts)
}

func (h *Handlers) apiRecentMovements(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	mvs, err := h.engine.RecentMovements(limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, mvs)
}

func (h *Handlers) apiMovement(w http.ResponseWriter, r *http.Request) {
	mv, err := h.engine.Movement(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, mv)
}

func (h *Handlers) apiTransition(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	action, err := lifecycle.ParseAction(string(req.Action))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	req.Action = action
	req.RunID = chi.URLParam(r, "id")
	req.Operator = h.actor(r, req.Operator)
	run, err := h.engine.Transition(r.Context(), req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, map[string]any{"new_status": run.Status, "run": run})
}

type operatorRequest struct {
	Operator string `json:"operator"`
}

func (h *Handlers) apiClaim(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if !h.decode(w, r, &req) {
		return
	}
	runID := chi.URLParam(r, "id")
	if err := h.engine.Claim(r.Context(), runID, h.actor(r, req.Operator)); err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, map[string]string{"status": "ok"})
}

func (h *Handlers) apiLeave(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if !h.decode(w, r, &req) {
		return
	}
	runID := chi.URLParam(r, "id")
	if err := h.engine.Leave(r.Context(), runID, h.actor(r, req.Operator)); err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, map[string]string{"status": "ok"})
}

type outputRequest struct {
	GoodQty   decimal.Decimal `json:"good_qty"`
	RejectQty decimal.Decimal `json:"reject_qty"`
}

func (h *Handlers) apiRecordOutput(w http.ResponseWriter, r *http.Request) {
	var req outputRequest
	if !h.decode(w, r, &req) {
		return
	}
	run, err := h.engine.RecordOutput(r.Context(), chi.URLParam(r, "id"), req.GoodQty, req.RejectQty)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, run)
}
