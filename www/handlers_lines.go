package www

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"matflow/engine"
	"matflow/lifecycle"
)

func (h *Handlers) apiAllocate(w http.ResponseWriter, r *http.Request) {
	var req engine.AllocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Actor = h.actor(r, req.Actor)
	res, err := h.engine.Allocate(r.Context(), req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, res)
}

func (h *Handlers) apiLineQueue(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.Queue(chi.URLParam(r, "line"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, q)
}

func (h *Handlers) apiCloseProduction(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CloseRequest
	if !h.decode(w, r, &req) {
		return
	}
	for i := range req.Packaging {
		if !h.check(w, &req.Packaging[i]) {
			return
		}
	}
	req.Line = chi.URLParam(r, "line")
	req.Operator = h.actor(r, req.Operator)
	res, err := h.engine.CloseProduction(r.Context(), req)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, res)
}
