package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ambulance-dispatch/internal/domain"
)

// errorBody is the JSON shape of every non-2xx response. Conflicts carry
// enough context for the caller to pick between retrying with another
// ambulance, a force status override, or force-completing stale trips.
type errorBody struct {
	Error         string   `json:"error"`
	Code          string   `json:"code"`
	CurrentStatus string   `json:"current_status,omitempty"`
	ActiveTripID  string   `json:"active_trip_id,omitempty"`
	Remediation   []string `json:"remediation,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var (
		nf   *domain.NotFoundError
		val  *domain.ValidationError
		un   *domain.UnauthorizedError
		inv  *domain.InvalidTransitionError
		conf *domain.ConflictError
	)
	switch {
	case errors.As(err, &val):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: val.Error(), Code: "validation"})
	case errors.As(err, &un):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: un.Error(), Code: "unauthorized"})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorBody{Error: nf.Error(), Code: "not_found"})
	case errors.As(err, &conf):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:         conf.Error(),
			Code:          "conflict",
			CurrentStatus: conf.CurrentStatus,
			ActiveTripID:  conf.ActiveTripID,
			Remediation:   []string{"retry with another ambulance", "force status override", "force-complete trips"},
		})
	case errors.As(err, &inv):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: inv.Error(), Code: "invalid_transition"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
