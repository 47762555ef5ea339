package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/stanstork/stratum-transfer/internal/apperr"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeJSON encodes v before writing the header, so an encoding failure
// still yields a 500. Write errors mean the client went away and are dropped.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: "internal error", Kind: string(apperr.KindInternal)})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindConnectivity:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, statusFor(kind), errorResponse{Error: msg, Kind: string(kind)})
}
