// Package api exposes the device capabilities over HTTP. Handlers are thin:
// they parse and validate input, call the device, and map fault kinds to
// status codes.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/tofeyes/internal/device"
	"github.com/banshee-data/tofeyes/internal/httputil"
	"github.com/banshee-data/tofeyes/internal/monitoring"
	"github.com/banshee-data/tofeyes/internal/policy"
	"github.com/banshee-data/tofeyes/internal/tof"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Device is the capability set the handlers need. *device.Controller
// implements it.
type Device interface {
	Health(ctx context.Context) device.Health
	Status(ctx context.Context) device.Status
	ReadDistance(ctx context.Context) (tof.Sample, error)
	ReadMany(ctx context.Context, count int, interval time.Duration) (device.Readings, error)
	Expressions() device.ExpressionList
	SetExpression(ctx context.Context, name string) error
	Blink(ctx context.Context, name string, count, intervalMS int) error
	Animate(names []string, frameMS int, loop bool) error
	StopAnimation() bool
	ProximityReaction(ctx context.Context) (device.Reaction, error)
	State() policy.DeviceState
	Subscribe() (string, <-chan policy.Transition)
	Unsubscribe(id string) bool
}

type Server struct {
	dev  Device
	logf func(format string, v ...interface{})
	now  func() time.Time
}

func NewServer(dev Device) *Server {
	return &Server{
		dev:  dev,
		logf: monitoring.Component("api"),
		now:  time.Now,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the public routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /status", s.status)

	mux.HandleFunc("GET /tof/distance", s.readDistance)
	mux.HandleFunc("GET /tof/multiple", s.readMultiple)

	mux.HandleFunc("GET /led/expressions", s.listExpressions)
	mux.HandleFunc("POST /led/expression", s.setExpression)
	mux.HandleFunc("POST /led/expression/{name}", s.setExpressionPath)
	mux.HandleFunc("POST /led/blink", s.blink)
	mux.HandleFunc("POST /led/animate", s.animate)
	mux.HandleFunc("POST /led/stop", s.stopAnimation)

	mux.HandleFunc("POST /actions/proximity_reaction", s.proximityReaction)

	mux.HandleFunc("GET /events", s.events)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) timestamp() float64 {
	return float64(s.now().UnixMilli()) / 1e3
}

type healthResponse struct {
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
	device.Health
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.dev.Health(r.Context())
	status := "healthy"
	if !h.OK {
		status = "degraded"
	}
	httputil.WriteJSONOK(w, healthResponse{Status: status, Timestamp: s.timestamp(), Health: h})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.dev.Status(r.Context()))
}

type distanceResponse struct {
	Success bool `json:"success"`
	tof.Sample
}

func (s *Server) readDistance(w http.ResponseWriter, r *http.Request) {
	sample, err := s.dev.ReadDistance(r.Context())
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, distanceResponse{Success: sample.Valid, Sample: sample})
}

type multipleResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
	device.Readings
}

func (s *Server) readMultiple(w http.ResponseWriter, r *http.Request) {
	q, err := parseMultipleQuery(r.URL.Query())
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	readings, err := s.dev.ReadMany(r.Context(), q.Count, q.Interval)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, multipleResponse{Success: true, Count: len(readings.Samples), Readings: readings})
}

func (s *Server) listExpressions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.dev.Expressions())
}

type expressionResponse struct {
	Success    bool    `json:"success"`
	Expression string  `json:"expression"`
	Timestamp  float64 `json:"timestamp"`
}

func (s *Server) setExpression(w http.ResponseWriter, r *http.Request) {
	var req expressionRequest
	if err := decodeRequest(r, &req); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	s.showExpression(w, r, req.Expression)
}

func (s *Server) setExpressionPath(w http.ResponseWriter, r *http.Request) {
	s.showExpression(w, r, r.PathValue("name"))
}

func (s *Server) showExpression(w http.ResponseWriter, r *http.Request, name string) {
	if err := s.dev.SetExpression(r.Context(), name); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, expressionResponse{Success: true, Expression: name, Timestamp: s.timestamp()})
}

type actionResponse struct {
	Success     bool     `json:"success"`
	Action      string   `json:"action"`
	Expression  string   `json:"expression,omitempty"`
	Expressions []string `json:"expressions,omitempty"`
	Count       int      `json:"count,omitempty"`
	IntervalMS  int      `json:"interval_ms,omitempty"`
	DurationMS  int      `json:"duration_ms,omitempty"`
	Loop        *bool    `json:"loop,omitempty"`
	Stopped     *bool    `json:"stopped,omitempty"`
	Timestamp   float64  `json:"timestamp"`
}

func (s *Server) blink(w http.ResponseWriter, r *http.Request) {
	req := defaultBlinkRequest()
	if err := decodeRequest(r, &req); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	name := req.Expression
	if name == "" {
		name = s.dev.Expressions().Current
	}
	if err := s.dev.Blink(r.Context(), name, req.Count, req.IntervalMS); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, actionResponse{
		Success:    true,
		Action:     "blink",
		Expression: name,
		Count:      req.Count,
		IntervalMS: req.IntervalMS,
		Timestamp:  s.timestamp(),
	})
}

func (s *Server) animate(w http.ResponseWriter, r *http.Request) {
	req := defaultAnimateRequest()
	if err := decodeRequest(r, &req); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	if err := s.dev.Animate(req.Expressions, req.DurationMS, req.Loop); err != nil {
		httputil.WriteFault(w, err)
		return
	}
	loop := req.Loop
	httputil.WriteJSONOK(w, actionResponse{
		Success:     true,
		Action:      "start_animation",
		Expressions: req.Expressions,
		DurationMS:  req.DurationMS,
		Loop:        &loop,
		Timestamp:   s.timestamp(),
	})
}

func (s *Server) stopAnimation(w http.ResponseWriter, r *http.Request) {
	stopped := s.dev.StopAnimation()
	httputil.WriteJSONOK(w, actionResponse{
		Success:   true,
		Action:    "stop_animation",
		Stopped:   &stopped,
		Timestamp: s.timestamp(),
	})
}

type reactionResponse struct {
	Success    bool               `json:"success"`
	DistanceMM *int               `json:"distance_mm"`
	Expression string             `json:"expression"`
	Committed  bool               `json:"committed"`
	Zone       string             `json:"zone,omitempty"`
	Sample     tof.Sample         `json:"sample"`
	State      policy.DeviceState `json:"state"`
	Timestamp  float64            `json:"timestamp"`
}

func (s *Server) proximityReaction(w http.ResponseWriter, r *http.Request) {
	reaction, err := s.dev.ProximityReaction(r.Context())
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}
	httputil.WriteJSONOK(w, reactionResponse{
		Success:    reaction.Sample.Valid,
		DistanceMM: reaction.Sample.ValueMM,
		Expression: reaction.Expression,
		Committed:  reaction.Outcome.Committed,
		Zone:       reaction.Outcome.Zone,
		Sample:     reaction.Sample,
		State:      s.dev.State(),
		Timestamp:  s.timestamp(),
	})
}
