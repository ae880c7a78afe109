// Package bus models a shared physical bus (the I²C sensor bus, the SPI matrix
// bus, a UART) as an exclusive-access handle around the device attached to it.
//
// At most one transaction is in flight per bus. Acquisition is bounded by a
// timeout and release is guaranteed on every exit path, so a failed or
// panicking transaction can never leave the bus locked.
package bus

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/tofeyes/internal/faults"
	"github.com/banshee-data/tofeyes/internal/monitoring"
)

// DefaultAcquireTimeout bounds how long a caller waits for the bus when the
// caller did not set its own deadline.
const DefaultAcquireTimeout = 250 * time.Millisecond

// Bus is an exclusive-access handle to a device of type T on one physical bus.
type Bus[T any] struct {
	name           string
	dev            T
	sem            chan struct{}
	acquireTimeout time.Duration

	statusMu sync.Mutex
	status   Status
}

// Status is a snapshot of a bus's recent health.
type Status struct {
	Name         string    `json:"name"`
	Reachable    bool      `json:"reachable"`
	LastError    string    `json:"last_error,omitempty"`
	LastSuccess  time.Time `json:"last_success"`
	Transactions uint64    `json:"transactions"`
	Failures     uint64    `json:"failures"`
}

// New wraps dev in a Bus. A non-positive acquireTimeout uses
// DefaultAcquireTimeout.
func New[T any](name string, dev T, acquireTimeout time.Duration) *Bus[T] {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &Bus[T]{
		name:           name,
		dev:            dev,
		sem:            make(chan struct{}, 1),
		acquireTimeout: acquireTimeout,
		status:         Status{Name: name},
	}
}

// Name returns the bus name used in logs and metrics.
func (b *Bus[T]) Name() string { return b.name }

// Do runs fn as one transaction with exclusive access to the device. It fails
// with faults.KindBusBusy when the bus cannot be acquired within the acquire
// timeout, or faults.KindTimeout when ctx expires first.
func (b *Bus[T]) Do(ctx context.Context, fn func(ctx context.Context, dev T) error) error {
	release, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = fn(ctx, b.dev)
	b.record(err)
	return err
}

func (b *Bus[T]) acquire(ctx context.Context) (func(), error) {
	release := func() { <-b.sem }

	if err := ctx.Err(); err != nil {
		return nil, ctxFault(b.name, err)
	}

	// Fast path: the bus is idle.
	select {
	case b.sem <- struct{}{}:
		monitoring.BusWaitSeconds.WithLabelValues(b.name).Observe(0)
		return release, nil
	default:
	}

	start := time.Now()
	timer := time.NewTimer(b.acquireTimeout)
	defer timer.Stop()

	select {
	case b.sem <- struct{}{}:
		monitoring.BusWaitSeconds.WithLabelValues(b.name).Observe(time.Since(start).Seconds())
		return release, nil
	case <-timer.C:
		monitoring.BusBusyTotal.WithLabelValues(b.name).Inc()
		return nil, faults.Errorf(faults.KindBusBusy, b.name, "waited %v", b.acquireTimeout)
	case <-ctx.Done():
		monitoring.BusBusyTotal.WithLabelValues(b.name).Inc()
		return nil, ctxFault(b.name, ctx.Err())
	}
}

// ctxFault maps a done context to the error Do returns.
func ctxFault(bus string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.New(faults.KindTimeout, bus, err)
	}
	return err
}

// record folds a transaction outcome into the bus status. Only device-level
// failures mark the bus unreachable; caller errors and cancellation do not.
func (b *Bus[T]) record(err error) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()

	b.status.Transactions++
	if err == nil {
		b.status.Reachable = true
		b.status.LastError = ""
		b.status.LastSuccess = time.Now()
		return
	}
	switch faults.KindOf(err) {
	case faults.KindSensorUnavailable, faults.KindSensorTimeout, faults.KindActuatorFault:
		b.status.Reachable = false
		b.status.Failures++
		b.status.LastError = err.Error()
	}
}

// Status returns a snapshot of the bus health.
func (b *Bus[T]) Status() Status {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	return b.status
}

// Close waits for any in-flight transaction and closes the device if it
// implements io.Closer.
func (b *Bus[T]) Close() error {
	b.sem <- struct{}{}
	defer func() { <-b.sem }()

	if c, ok := any(b.dev).(io.Closer); ok {
		return c.Close()
	}
	return nil
}
