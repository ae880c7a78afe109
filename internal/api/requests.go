package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/banshee-data/tofeyes/internal/faults"
	"github.com/banshee-data/tofeyes/internal/tof"
)

const maxRequestBytes = 64 * 1024

// Bounds for /tof/multiple. Out-of-range values are clamped.
const (
	defaultReadCount    = 10
	defaultReadInterval = 100 * time.Millisecond
	minReadInterval     = 10 * time.Millisecond
	maxReadInterval     = 5 * time.Second
)

var validate = validator.New()

type expressionRequest struct {
	Expression string `json:"expression" validate:"required"`
}

type blinkRequest struct {
	// Expression defaults to the current expression.
	Expression string `json:"expression"`
	Count      int    `json:"count" validate:"gte=1,lte=50"`
	IntervalMS int    `json:"interval_ms" validate:"gte=1,lte=5000"`
}

func defaultBlinkRequest() blinkRequest {
	return blinkRequest{Count: 1, IntervalMS: 150}
}

type animateRequest struct {
	Expressions []string `json:"expressions" validate:"required,min=1,max=64,dive,required"`
	// DurationMS is the frame time; 0 uses each expression's hold.
	DurationMS int  `json:"duration_ms" validate:"gte=0,lte=60000"`
	Loop       bool `json:"loop"`
}

func defaultAnimateRequest() animateRequest {
	return animateRequest{Expressions: []string{"normal", "happy"}, DurationMS: 1000, Loop: true}
}

// decodeRequest decodes a JSON body into v and validates it. An empty body
// leaves v's defaults in place.
func decodeRequest(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return faults.Errorf(faults.KindInvalidArgument, "decode", "invalid JSON body: %v", err)
	}
	return validate.Struct(v)
}

type multipleQuery struct {
	Count    int
	Interval time.Duration
}

// parseMultipleQuery reads count and interval from q. interval is in seconds
// ("0.25") or a Go duration ("250ms"). Both are clamped to their bounds.
func parseMultipleQuery(q url.Values) (multipleQuery, error) {
	mq := multipleQuery{Count: defaultReadCount, Interval: defaultReadInterval}
	if s := q.Get("count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return mq, faults.Errorf(faults.KindInvalidArgument, "read_many", "invalid count %q", s)
		}
		mq.Count = min(max(n, 1), tof.MaxReadMany)
	}
	if s := q.Get("interval"); s != "" {
		d, err := parseInterval(s)
		if err != nil {
			return mq, faults.New(faults.KindInvalidArgument, "read_many", err)
		}
		mq.Interval = min(max(d, minReadInterval), maxReadInterval)
	}
	return mq, nil
}

func parseInterval(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		// Clamp before converting so huge values cannot overflow Duration.
		secs = min(max(secs, 0), maxReadInterval.Seconds())
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return d, nil
}
