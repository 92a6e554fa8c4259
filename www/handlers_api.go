package www

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"matflow/material"
	"matflow/store"
)

func (h *Handlers) apiHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":    "ok",
		"database":  h.engine.DB().Driver(),
		"messaging": h.engine.MessagingConnected(),
		"redis":     h.engine.Live() != nil,
		"sse":       h.eventHub.ClientCount(),
	}
	if err := h.engine.DB().Ping(); err != nil {
		status["status"] = "degraded"
		status["database_error"] = err.Error()
	}
	h.jsonOK(w, status)
}

func (h *Handlers) apiNextBatchCode(w http.ResponseWriter, r *http.Request) {
	date := time.Now()
	if s := r.URL.Query().Get("date"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			h.writeErr(w, material.Validationf("date must be YYYY-MM-DD"))
			return
		}
		date = t
	}
	code, err := h.engine.NextBatchCode(date)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, map[string]string{"batch_code": code, "date": date.Format("2006-01-02")})
}

func (h *Handlers) apiValidateBatchCode(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	inUse, err := h.engine.ValidateBatchCode(code)
	if err != nil {
		if material.KindOf(err) == material.KindValidation {
			h.jsonOK(w, map[string]any{"valid": false, "error": err.Error()})
			return
		}
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, map[string]any{"valid": true, "in_use": inUse})
}

func (h *Handlers) apiConversion(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, ok, err := h.engine.ConversionFactor(chi.URLParam(r, "code"), q.Get("from"), q.Get("to"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	resp := map[string]any{"found": ok}
	if ok {
		resp["factor"] = f
	}
	h.jsonOK(w, resp)
}

func (h *Handlers) apiAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	var (
		entries []*store.AuditEntry
		err     error
	)
	if et, id := r.URL.Query().Get("entity_type"), r.URL.Query().Get("entity_id"); et != "" && id != "" {
		entries, err = h.engine.DB().ListEntityAudit(et, id)
	} else {
		entries, err = h.engine.DB().ListAuditLog(limit)
	}
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, entries)
}

func (h *Handlers) apiItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.Items()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, items)
}

func (h *Handlers) apiStock(w http.ResponseWriter, r *http.Request) {
	limit := 500
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	bs, err := h.engine.Balances(r.URL.Query().Get("location"), limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.jsonOK(w, bs)
}
