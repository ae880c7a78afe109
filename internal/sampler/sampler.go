// Package sampler runs the periodic sensor-to-face loop.
package sampler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/tofeyes/internal/faults"
	"github.com/banshee-data/tofeyes/internal/monitoring"
	"github.com/banshee-data/tofeyes/internal/policy"
	"github.com/banshee-data/tofeyes/internal/timeutil"
	"github.com/banshee-data/tofeyes/internal/tof"
)

// Reader produces filtered distance samples.
type Reader interface {
	ReadOne(ctx context.Context) (tof.Sample, error)
}

// Observer folds samples into the device state.
type Observer interface {
	Observe(ctx context.Context, s tof.Sample) (policy.Outcome, error)
	RecordFault(err error)
}

// Source labels where a tick came from.
type Source string

const (
	SourcePeriodic Source = "periodic"
	SourceManual   Source = "manual"
)

// Default timings.
const (
	DefaultInterval    = 100 * time.Millisecond
	DefaultTickTimeout = time.Second
)

// Config configures a Sampler.
type Config struct {
	// Reader is the distance driver.
	Reader Reader
	// Engine receives every sample.
	Engine Observer
	// Interval is the sampling period. Default 100ms.
	Interval time.Duration
	// TickTimeout bounds one tick, including the render it may trigger.
	// Default 1s.
	TickTimeout time.Duration
	// Clock is optional; nil uses the real clock.
	Clock timeutil.Clock
}

// Result is the outcome of one tick.
type Result struct {
	Sample  tof.Sample     `json:"sample"`
	Outcome policy.Outcome `json:"outcome"`
}

// Sampler reads the sensor on a fixed period and feeds the policy engine.
// Periodic and manual ticks share one lock so they never interleave.
type Sampler struct {
	reader      Reader
	engine      Observer
	interval    time.Duration
	tickTimeout time.Duration
	clock       timeutil.Clock
	logf        func(format string, v ...interface{})
	faultLog    rate.Sometimes

	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	ticks   uint64
	faulted uint64
}

// New creates a Sampler.
func New(cfg Config) *Sampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	tickTimeout := cfg.TickTimeout
	if tickTimeout <= 0 {
		tickTimeout = DefaultTickTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sampler{
		reader:      cfg.Reader,
		engine:      cfg.Engine,
		interval:    interval,
		tickTimeout: tickTimeout,
		clock:       clock,
		logf:        monitoring.Component("sampler"),
		faultLog:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Interval returns the sampling period.
func (s *Sampler) Interval() time.Duration { return s.interval }

// Run ticks every interval until ctx is cancelled or Stop is called. A tick
// in progress when shutdown is requested is allowed to finish. Faults are
// absorbed: they are counted, logged at a limited rate and mark the device
// state stale.
func (s *Sampler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil // already running
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	defer func() {
		close(s.doneCh)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logf("started: interval=%v", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logf("stopping due to context cancellation")
			return nil
		case <-s.stopCh:
			s.logf("stopping due to Stop() call")
			return nil
		case <-ticker.C():
			// Detach so shutdown lets the tick complete; TickTimeout still bounds it.
			_, _ = s.Tick(context.WithoutCancel(ctx), SourcePeriodic)
		}
	}
}

// Stop requests the loop to stop and waits for it to exit. It is safe to
// call multiple times.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

// IsRunning returns whether the loop is running.
func (s *Sampler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats reports tick and fault counts since start.
func (s *Sampler) Stats() (ticks, faultCount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks, s.faulted
}

// Tick takes one fresh sample and feeds it to the engine. Sensor faults are
// recorded on the engine and returned; render failures are returned with the
// result of the committed decision.
func (s *Sampler) Tick(ctx context.Context, source Source) (Result, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	sample, err := s.reader.ReadOne(ctx)
	if err != nil {
		kind := faults.KindOf(err)
		monitoring.SensorFaultsTotal.WithLabelValues(string(kind)).Inc()
		monitoring.TicksTotal.WithLabelValues(string(source), "fault").Inc()
		s.engine.RecordFault(err)
		s.count(true)
		s.faultLog.Do(func() { s.logf("%s tick: sensor fault: %v", source, err) })
		return Result{}, err
	}

	out, err := s.engine.Observe(ctx, sample)
	res := Result{Sample: sample, Outcome: out}
	switch {
	case err != nil:
		monitoring.TicksTotal.WithLabelValues(string(source), "render_error").Inc()
		s.count(true)
		s.faultLog.Do(func() { s.logf("%s tick: render: %v", source, err) })
	case !sample.Valid:
		monitoring.TicksTotal.WithLabelValues(string(source), "invalid").Inc()
		s.count(false)
	case out.Committed:
		monitoring.TicksTotal.WithLabelValues(string(source), "committed").Inc()
		s.count(false)
	default:
		monitoring.TicksTotal.WithLabelValues(string(source), "ok").Inc()
		s.count(false)
	}
	return res, err
}

func (s *Sampler) count(fault bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	if fault {
		s.faulted++
	}
}
