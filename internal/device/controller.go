// Package device wires the sensor driver, renderer, policy engine and
// sampler into the capability set offered to the network layer.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/tofeyes/internal/bus"
	"github.com/banshee-data/tofeyes/internal/face"
	"github.com/banshee-data/tofeyes/internal/faults"
	"github.com/banshee-data/tofeyes/internal/monitoring"
	"github.com/banshee-data/tofeyes/internal/policy"
	"github.com/banshee-data/tofeyes/internal/sampler"
	"github.com/banshee-data/tofeyes/internal/timeutil"
	"github.com/banshee-data/tofeyes/internal/tof"
	"github.com/banshee-data/tofeyes/internal/version"
)

// DefaultOnDemandTimeout bounds a single on-demand operation.
const DefaultOnDemandTimeout = 2 * time.Second

// Mode names how the controller's hardware was provided.
type Mode string

const (
	ModeHardware Mode = "hardware"
	ModeDev      Mode = "dev"
)

// Config holds the components a Controller coordinates.
type Config struct {
	Driver   *tof.Driver
	Renderer *face.Renderer
	Engine   *policy.Engine
	Sampler  *sampler.Sampler
	// OnDemandTimeout bounds on-demand calls. Default 2s.
	OnDemandTimeout time.Duration
	Mode            Mode
	Clock           timeutil.Clock
}

// Controller is the single entry point for on-demand operations. Its methods
// are safe for concurrent use and serialise with the sampler through the bus
// locks and the sampler's tick lock.
type Controller struct {
	driver   *tof.Driver
	renderer *face.Renderer
	engine   *policy.Engine
	sampler  *sampler.Sampler
	timeout  time.Duration
	mode     Mode
	clock    timeutil.Clock
	started  time.Time
	logf     func(format string, v ...interface{})
}

// New returns a Controller over cfg's components.
func New(cfg Config) *Controller {
	timeout := cfg.OnDemandTimeout
	if timeout <= 0 {
		timeout = DefaultOnDemandTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeHardware
	}
	return &Controller{
		driver:   cfg.Driver,
		renderer: cfg.Renderer,
		engine:   cfg.Engine,
		sampler:  cfg.Sampler,
		timeout:  timeout,
		mode:     mode,
		clock:    clock,
		started:  clock.Now(),
		logf:     monitoring.Component("device"),
	}
}

// Sampler returns the controller's sampler so the caller can run it.
func (c *Controller) Sampler() *sampler.Sampler { return c.sampler }

// Start shows the initial expression. A render failure is logged and left
// pending for the first tick in the initial zone; it does not stop startup.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.engine.Start(ctx); err != nil {
		c.logf("initial render failed: %v", err)
	}
}

// Shutdown stops the animation and sampler, blanks the matrix and closes
// both buses.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.renderer.StopAnimation()
	c.sampler.Stop()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var errs []error
	if c.renderer.Catalog().Has(face.BlankName) {
		if err := c.renderer.Render(ctx, face.BlankName); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.renderer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.driver.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Health reports bus reachability and sample freshness.
type Health struct {
	OK                bool       `json:"ok"`
	SensorReachable   bool       `json:"sensor_reachable"`
	ActuatorReachable bool       `json:"actuator_reachable"`
	LastSampleAt      *time.Time `json:"last_sample_at,omitempty"`
	Stale             bool       `json:"stale"`
	LastFault         string     `json:"last_fault,omitempty"`
	Sensor            bus.Status `json:"sensor_bus"`
	Actuator          bus.Status `json:"actuator_bus"`
}

// Health reports whether both buses are reachable and when the last sample
// was taken.
func (c *Controller) Health(ctx context.Context) Health {
	st := c.engine.Snapshot()
	h := Health{
		Sensor:    c.driver.BusStatus(),
		Actuator:  c.renderer.BusStatus(),
		Stale:     st.Stale,
		LastFault: string(st.LastFault),
	}
	h.SensorReachable = h.Sensor.Reachable
	h.ActuatorReachable = h.Actuator.Reachable
	if st.LastSample != nil {
		ts := st.LastSample.Timestamp
		h.LastSampleAt = &ts
	}
	h.OK = h.SensorReachable && h.ActuatorReachable && !h.Stale
	return h
}

// ReadDistance takes one fresh sample.
func (c *Controller) ReadDistance(ctx context.Context) (tof.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.driver.ReadOne(ctx)
}

// Readings is the result of ReadMany.
type Readings struct {
	Samples    []tof.Sample  `json:"samples"`
	Stats      tof.Stats     `json:"stats"`
	IntervalMS int64         `json:"interval_ms"`
	Elapsed    time.Duration `json:"-"`
}

// ReadMany takes count samples paced by interval (the driver default when
// interval <= 0). count must be in 1..tof.MaxReadMany.
func (c *Controller) ReadMany(ctx context.Context, count int, interval time.Duration) (Readings, error) {
	if count < 1 || count > tof.MaxReadMany {
		return Readings{}, faults.Errorf(faults.KindInvalidArgument, "read_many",
			"count must be between 1 and %d, got %d", tof.MaxReadMany, count)
	}
	opts := c.driver.Options()
	if interval <= 0 {
		interval = opts.ReadInterval
	}
	perSample := interval + time.Duration(opts.MedianWindow)*opts.RangingTimeout
	ctx, cancel := context.WithTimeout(ctx, c.timeout+time.Duration(count)*perSample)
	defer cancel()

	start := c.clock.Now()
	samples, err := c.driver.ReadMany(ctx, count, interval)
	if err != nil {
		return Readings{}, err
	}
	return Readings{
		Samples:    samples,
		Stats:      tof.Summarize(samples),
		IntervalMS: interval.Milliseconds(),
		Elapsed:    c.clock.Since(start),
	}, nil
}

// SetExpression displays name and makes it the current expression. A running
// animation is stopped first. Unknown names fail without side effects.
func (c *Controller) SetExpression(ctx context.Context, name string) error {
	if !c.renderer.Catalog().Has(name) {
		_, err := c.renderer.Catalog().Get(name)
		return err
	}
	c.renderer.StopAnimation()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.engine.Override(ctx, name)
}

// Blink blinks name count times with intervalMS between toggles. Both
// parameters must be positive.
func (c *Controller) Blink(ctx context.Context, name string, count, intervalMS int) error {
	if count < 1 {
		return faults.Errorf(faults.KindInvalidArgument, "blink", "count must be positive, got %d", count)
	}
	if intervalMS < 1 {
		return faults.Errorf(faults.KindInvalidArgument, "blink", "interval_ms must be positive, got %d", intervalMS)
	}
	if !c.renderer.Catalog().Has(name) {
		_, err := c.renderer.Catalog().Get(name)
		return err
	}
	c.renderer.StopAnimation()

	interval := time.Duration(intervalMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, c.timeout+2*time.Duration(count)*interval)
	defer cancel()
	return c.renderer.Blink(ctx, name, count, interval)
}

// ExpressionList is the catalog listing.
type ExpressionList struct {
	Expressions []string `json:"expressions"`
	Current     string   `json:"current"`
}

// Expressions lists the catalog and the current expression.
func (c *Controller) Expressions() ExpressionList {
	return ExpressionList{
		Expressions: c.renderer.Names(),
		Current:     c.engine.Snapshot().CurrentExpression,
	}
}

// Reaction is the result of a manual proximity tick.
type Reaction struct {
	Expression string         `json:"expression"`
	Sample     tof.Sample     `json:"sample"`
	Outcome    policy.Outcome `json:"outcome"`
}

// ProximityReaction runs one tick outside the sampler's cadence, using the
// same hysteresis state, and returns the resulting expression. On a render
// failure the committed expression is still reported alongside the error.
func (c *Controller) ProximityReaction(ctx context.Context) (Reaction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.sampler.Tick(ctx, sampler.SourceManual)
	return Reaction{
		Expression: c.engine.Snapshot().CurrentExpression,
		Sample:     res.Sample,
		Outcome:    res.Outcome,
	}, err
}

// State returns a DeviceState snapshot.
func (c *Controller) State() policy.DeviceState { return c.engine.Snapshot() }

// Subscribe registers for expression transitions.
func (c *Controller) Subscribe() (string, <-chan policy.Transition) {
	return c.engine.Subscribe(0)
}

// Unsubscribe ends a subscription.
func (c *Controller) Unsubscribe(id string) bool { return c.engine.Unsubscribe(id) }

// Animate starts cycling names. frameMS <= 0 uses each expression's hold.
func (c *Controller) Animate(names []string, frameMS int, loop bool) error {
	return c.renderer.Animate(names, time.Duration(frameMS)*time.Millisecond, loop)
}

// StopAnimation stops a running animation and reports whether one ran.
func (c *Controller) StopAnimation() bool { return c.renderer.StopAnimation() }

// SamplerStatus describes the background loop.
type SamplerStatus struct {
	Running    bool   `json:"running"`
	IntervalMS int64  `json:"interval_ms"`
	Ticks      uint64 `json:"ticks"`
	Faults     uint64 `json:"faults"`
}

// Status is the combined device status.
type Status struct {
	Version     string               `json:"version"`
	Mode        Mode                 `json:"mode"`
	Uptime      string               `json:"uptime"`
	Health      Health               `json:"health"`
	State       policy.DeviceState   `json:"state"`
	Displayed   string               `json:"displayed,omitempty"`
	Animation   face.AnimationStatus `json:"animation"`
	Expressions []string             `json:"expressions"`
	Zones       []policy.Zone        `json:"zones"`
	Sampler     SamplerStatus        `json:"sampler"`
}

// Status returns the combined status.
func (c *Controller) Status(ctx context.Context) Status {
	ticks, faulted := c.sampler.Stats()
	displayed, _ := c.renderer.Shown()
	return Status{
		Version:     version.String(),
		Mode:        c.mode,
		Uptime:      c.clock.Since(c.started).Round(time.Second).String(),
		Health:      c.Health(ctx),
		State:       c.engine.Snapshot(),
		Displayed:   displayed,
		Animation:   c.renderer.Animating(),
		Expressions: c.renderer.Names(),
		Zones:       c.engine.Policy().Zones(),
		Sampler: SamplerStatus{
			Running:    c.sampler.IsRunning(),
			IntervalMS: c.sampler.Interval().Milliseconds(),
			Ticks:      ticks,
			Faults:     faulted,
		},
	}
}
