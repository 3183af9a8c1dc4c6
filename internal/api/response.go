package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/veriseal/internal/disputes"
	"github.com/example/veriseal/internal/security"
	"github.com/example/veriseal/internal/store"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps the typed error taxonomy onto HTTP for the
// back-office endpoints, keeping enough detail for the operator to
// distinguish "already refunded" from a generic conflict.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *store.ValidationError
	if errors.As(err, &ve) {
		security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", ve.Error())
		return
	}

	var te *disputes.TerminalStateError
	if errors.As(err, &te) {
		code := "terminal_state"
		if te.Status == disputes.StatusRefunded {
			code = "already_refunded"
		}
		security.WriteJSONErrorDetail(w, r, http.StatusConflict, code, te.Error())
		return
	}

	var ite *disputes.InvalidTransitionError
	if errors.As(err, &ite) {
		security.WriteJSONErrorDetail(w, r, http.StatusConflict, "invalid_transition", ite.Error())
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, store.ErrConflict):
		security.WriteJSONErrorDetail(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, store.ErrValidation):
		security.WriteJSONErrorDetail(w, r, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, store.ErrUnavailable):
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "store_unavailable")
	default:
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}
