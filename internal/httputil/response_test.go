package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/banshee-data/tofeyes/internal/faults"
)

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusBadRequest, "test error")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}

	var raw map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if raw["error"] != "test error" {
		t.Errorf("error = %v, want 'test error'", raw["error"])
	}
	if raw["success"] != false {
		t.Errorf("success = %v, want false", raw["success"])
	}
	if _, ok := raw["kind"]; ok {
		t.Errorf("kind should be omitted, got %v", raw["kind"])
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	data := map[string]string{"message": "hello"}
	WriteJSON(rec, http.StatusCreated, data)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["message"] != "hello" {
		t.Errorf("message = %s, want 'hello'", resp["message"])
	}
}

func TestWriteJSONOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	data := map[string]int{"count": 42}
	WriteJSONOK(rec, data)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["count"] != 42 {
		t.Errorf("count = %d, want 42", resp["count"])
	}
}

func TestWriteFault(t *testing.T) {
	t.Parallel()

	type blink struct {
		Count int `validate:"gte=1"`
	}
	verr := validator.New().Struct(blink{})

	tests := []struct {
		name       string
		err        error
		status     int
		wantKind   faults.Kind
		retryAfter string
	}{
		{"invalid argument", faults.Errorf(faults.KindInvalidArgument, "read_many", "count 0"), http.StatusBadRequest, faults.KindInvalidArgument, ""},
		{"not found", faults.New(faults.KindExpressionNotFound, "render", nil), http.StatusNotFound, faults.KindExpressionNotFound, ""},
		{"bus busy", fmt.Errorf("tick: %w", faults.New(faults.KindBusBusy, "i2c", nil)), http.StatusServiceUnavailable, faults.KindBusBusy, RetryAfterSeconds},
		{"sensor unavailable", faults.New(faults.KindSensorUnavailable, "handshake", nil), http.StatusServiceUnavailable, faults.KindSensorUnavailable, RetryAfterSeconds},
		{"sensor timeout", faults.New(faults.KindSensorTimeout, "range", nil), http.StatusGatewayTimeout, faults.KindSensorTimeout, ""},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, faults.KindTimeout, ""},
		{"actuator", faults.New(faults.KindActuatorFault, "spi", nil), http.StatusBadGateway, faults.KindActuatorFault, ""},
		{"validation", verr, http.StatusBadRequest, faults.KindInvalidArgument, ""},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, faults.KindInternal, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteFault(rec, tt.err)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
			var resp ErrorBody
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", resp.Kind, tt.wantKind)
			}
			if resp.Error == "" {
				t.Error("error message is empty")
			}
		})
	}
}
