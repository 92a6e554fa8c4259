package www

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"matflow/engine"
	"matflow/material"
)

func (h *Handlers) jsonOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) jsonError(w http.ResponseWriter, msg string, code int) {
	h.jsonErrorCode(w, msg, "", code)
}

func (h *Handlers) jsonErrorCode(w http.ResponseWriter, msg, kind string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := map[string]string{"error": msg}
	if kind != "" {
		body["code"] = kind
	}
	json.NewEncoder(w).Encode(body)
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	if engine.IsNotFound(err) {
		return http.StatusNotFound
	}
	switch material.KindOf(err) {
	case material.KindValidation, material.KindBatchRequired, material.KindUnresolvedCode, material.KindNotInBOM:
		return http.StatusBadRequest
	case material.KindInsufficientStock:
		return http.StatusUnprocessableEntity
	case material.KindConflict, material.KindState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeErr reports err with its mapped status and taxonomy code.
func (h *Handlers) writeErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Printf("www: %v", err)
	}
	kind := ""
	if k := material.KindOf(err); k != 0 {
		kind = k.String()
	} else if code == http.StatusNotFound {
		kind = "not_found"
	}
	h.jsonErrorCode(w, err.Error(), kind, code)
}

// decode reads a JSON body into v and runs its validate tags.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonErrorCode(w, "invalid JSON: "+err.Error(), material.KindValidation.String(), http.StatusBadRequest)
		return false
	}
	return h.check(w, v)
}

func (h *Handlers) check(w http.ResponseWriter, v any) bool {
	err := h.validate.Struct(v)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" "+fe.Tag())
		}
		h.jsonErrorCode(w, "invalid request: "+strings.Join(fields, ", "), material.KindValidation.String(), http.StatusBadRequest)
		return false
	}
	h.jsonErrorCode(w, err.Error(), material.KindValidation.String(), http.StatusBadRequest)
	return false
}
