package tof

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tofeyes/internal/bus"
	"github.com/banshee-data/tofeyes/internal/faults"
	"github.com/banshee-data/tofeyes/internal/monitoring"
	"github.com/banshee-data/tofeyes/internal/timeutil"
)

// MaxReadMany caps a single ReadMany burst.
const MaxReadMany = 100

// Options configures the driver. Zero values take the defaults noted.
type Options struct {
	// MedianWindow is the odd number of raw readings folded into each
	// sample. Default 3.
	MedianWindow int
	// MinRangeMM and MaxRangeMM bound the rated envelope. Default 0..2000.
	MinRangeMM int
	MaxRangeMM int
	// HandshakeTimeout bounds Ranger.Init. Default 500ms.
	HandshakeTimeout time.Duration
	// RangingTimeout bounds one Ranger.Range. Default 100ms.
	RangingTimeout time.Duration
	// ReadInterval paces ReadMany when the caller gives no interval.
	// Default 100ms.
	ReadInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MedianWindow <= 0 {
		o.MedianWindow = 3
	}
	if o.MedianWindow%2 == 0 {
		o.MedianWindow++
	}
	if o.MaxRangeMM <= 0 {
		o.MaxRangeMM = 2000
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 500 * time.Millisecond
	}
	if o.RangingTimeout <= 0 {
		o.RangingTimeout = 100 * time.Millisecond
	}
	if o.ReadInterval <= 0 {
		o.ReadInterval = 100 * time.Millisecond
	}
	return o
}

// Driver reads filtered samples from a Ranger on an exclusive bus.
type Driver struct {
	bus   *bus.Bus[Ranger]
	opts  Options
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	// ready is only touched inside bus transactions.
	ready bool
}

// NewDriver returns a driver reading through b. A nil clock uses the real clock.
func NewDriver(b *bus.Bus[Ranger], opts Options, clock timeutil.Clock) *Driver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Driver{
		bus:   b,
		opts:  opts.withDefaults(),
		clock: clock,
		logf:  monitoring.Component("tof"),
	}
}

// Options returns the effective driver options.
func (d *Driver) Options() Options { return d.opts }

// BusStatus reports the health of the sensor bus.
func (d *Driver) BusStatus() bus.Status { return d.bus.Status() }

// ReadOne takes MedianWindow raw readings and returns their median as one
// sample. Out-of-envelope readings and device fault codes are classified as
// invalid; if they are the majority the sample is invalid with OutOfRange.
func (d *Driver) ReadOne(ctx context.Context) (Sample, error) {
	valid := make([]int, 0, d.opts.MedianWindow)
	for i := 0; i < d.opts.MedianWindow; i++ {
		raw, err := d.rawRead(ctx)
		if err != nil {
			return Sample{}, err
		}
		if d.inEnvelope(raw) {
			valid = append(valid, raw.MM)
		}
	}

	ts := d.clock.Now()
	if len(valid) <= d.opts.MedianWindow/2 {
		monitoring.InvalidSamplesTotal.Inc()
		return InvalidSample(faults.KindOutOfRange, ts), nil
	}
	return ValidSample(Median(valid), ts), nil
}

// ReadMany returns exactly count samples taken one after another, pausing
// interval between them (ReadInterval when interval <= 0). Any fault aborts
// the burst and is returned to the caller.
func (d *Driver) ReadMany(ctx context.Context, count int, interval time.Duration) ([]Sample, error) {
	if count < 1 || count > MaxReadMany {
		return nil, faults.Errorf(faults.KindInvalidArgument, "tof.read_many",
			"count must be between 1 and %d, got %d", MaxReadMany, count)
	}
	if interval <= 0 {
		interval = d.opts.ReadInterval
	}

	samples := make([]Sample, 0, count)
	for i := 0; i < count; i++ {
		if i > 0 {
			if err := d.clock.Sleep(ctx, interval); err != nil {
				return nil, contextFault("tof.read_many", err)
			}
		}
		s, err := d.ReadOne(ctx)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (d *Driver) inEnvelope(raw Raw) bool {
	return raw.Status == 0 && raw.MM >= d.opts.MinRangeMM && raw.MM <= d.opts.MaxRangeMM
}

// rawRead performs one ranging operation as a single bus transaction,
// handshaking first if the device has not been initialised yet.
func (d *Driver) rawRead(ctx context.Context) (Raw, error) {
	var raw Raw
	err := d.bus.Do(ctx, func(ctx context.Context, r Ranger) error {
		if !d.ready {
			hctx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
			err := r.Init(hctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return contextFault("tof.handshake", ctx.Err())
				}
				return faults.New(faults.KindSensorUnavailable, "tof.handshake", err)
			}
			d.ready = true
			d.logf("sensor handshake complete")
		}

		rctx, cancel := context.WithTimeout(ctx, d.opts.RangingTimeout)
		defer cancel()
		var err error
		raw, err = r.Range(rctx)
		if err == nil {
			return nil
		}
		switch {
		case ctx.Err() != nil:
			return contextFault("tof.range", ctx.Err())
		case errors.Is(err, context.DeadlineExceeded) || faults.KindOf(err) == faults.KindSensorTimeout:
			return faults.New(faults.KindSensorTimeout, "tof.range",
				fmt.Errorf("no result within %v: %w", d.opts.RangingTimeout, err))
		default:
			// Force a fresh handshake next time so a reconnected sensor recovers.
			d.ready = false
			return faults.New(faults.KindSensorUnavailable, "tof.range", err)
		}
	})
	return raw, err
}

// contextFault classifies a caller-side context error.
func contextFault(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.New(faults.KindTimeout, op, err)
	}
	return err
}

// Median returns the median of values by selection: the result is always one
// of the inputs. For an even count the lower middle value is returned.
func Median(values []int) int {
	xs := make([]float64, len(values))
	for i, v := range values {
		xs[i] = float64(v)
	}
	sort.Float64s(xs)
	return int(stat.Quantile(0.5, stat.Empirical, xs, nil))
}

// Close waits for any in-flight reading and closes the ranger.
func (d *Driver) Close() error { return d.bus.Close() }
