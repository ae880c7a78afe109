// Package httputil holds the JSON response helpers shared by the API
// handlers, including the mapping from fault kinds to HTTP status codes.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/banshee-data/tofeyes/internal/faults"
	"github.com/banshee-data/tofeyes/internal/monitoring"
)

// RetryAfterSeconds is sent with 503 responses for transient faults such as a
// busy bus.
const RetryAfterSeconds = "1"

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Success bool        `json:"success"`
	Error   string      `json:"error"`
	Kind    faults.Kind `json:"kind,omitempty"`
}

// WriteJSONError writes a JSON error response with the given status code and message.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes a successful JSON response (200 OK).
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteFault writes err with the status its fault kind maps to.
func WriteFault(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		kind = faults.KindInvalidArgument
	}
	status := StatusFor(kind)
	if status == http.StatusServiceUnavailable && faults.Retryable(err) {
		w.Header().Set("Retry-After", RetryAfterSeconds)
	}
	WriteJSON(w, status, ErrorBody{Error: err.Error(), Kind: kind})
}

// StatusFor maps a fault kind to an HTTP status code.
func StatusFor(kind faults.Kind) int {
	switch kind {
	case faults.KindNone:
		return http.StatusOK
	case faults.KindInvalidArgument, faults.KindOutOfRange:
		return http.StatusBadRequest
	case faults.KindExpressionNotFound:
		return http.StatusNotFound
	case faults.KindBusBusy, faults.KindSensorUnavailable:
		return http.StatusServiceUnavailable
	case faults.KindTimeout, faults.KindSensorTimeout:
		return http.StatusGatewayTimeout
	case faults.KindActuatorFault:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
