package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tofeyes/internal/httputil"
)

// events streams expression transitions as Server-Sent Events. The current
// state is sent first so a client never starts blind.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	s.streamTransitions(w, r)
}

func (s *Server) streamTransitions(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := s.dev.Subscribe()
	defer s.dev.Unsubscribe(id)

	if err := writeEvent(w, "state", s.dev.State()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case t, ok := <-c:
			if !ok {
				// Channel closed, exit gracefully
				return
			}
			if err := writeEvent(w, "transition", t); err != nil {
				s.logf("event stream %s closed: %v", id, err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// AttachAdminRoutes mounts the debug pages under /debug/. tsweb restricts
// them to loopback and tailnet clients.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Expression", func() any { return s.dev.State().CurrentExpression })
	debug.KVFunc("Zone", func() any { return s.dev.State().CurrentZone })
	debug.KVFunc("Stale", func() any { return s.dev.State().Stale })
	debug.KVFunc("Sensor bus", func() any { return busLine(s.dev.Health(context.Background()).Sensor.Reachable) })
	debug.KVFunc("Matrix bus", func() any { return busLine(s.dev.Health(context.Background()).Actuator.Reachable) })

	debug.HandleFunc("state", "device state as JSON", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.dev.State())
	})
	// Live tail of expression transitions.
	debug.HandleFunc("tail", "live expression transitions (SSE)", s.streamTransitions)
}

func busLine(reachable bool) string {
	if reachable {
		return "reachable"
	}
	return "unreachable"
}
