package face

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tofeyes/internal/bus"
	"github.com/banshee-data/tofeyes/internal/faults"
	"github.com/banshee-data/tofeyes/internal/monitoring"
	"github.com/banshee-data/tofeyes/internal/timeutil"
)

// DefaultFrameDuration is the animation frame time for expressions without a
// DefaultHold.
const DefaultFrameDuration = time.Second

// BlankName is reported as the displayed expression while a blank frame is up.
const BlankName = "off"

// Renderer writes catalog expressions to a matrix. Every frame is written as
// one transaction on the matrix bus, so frames never interleave.
type Renderer struct {
	bus     *bus.Bus[Matrix]
	catalog *Catalog
	clock   timeutil.Clock
	logf    func(format string, v ...interface{})

	// ready is only touched inside bus transactions.
	ready bool

	// animMu serialises starting and stopping animations.
	animMu sync.Mutex

	mu        sync.Mutex
	shown     Bitmap
	shownName string
	hasShown  bool
	anim      *animation
}

type animation struct {
	names  []string
	loop   bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRenderer returns a renderer for catalog on b. A nil clock uses the real
// clock.
func NewRenderer(b *bus.Bus[Matrix], catalog *Catalog, clock timeutil.Clock) *Renderer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Renderer{
		bus:     b,
		catalog: catalog,
		clock:   clock,
		logf:    monitoring.Component("face"),
	}
}

// Catalog returns the renderer's catalog.
func (r *Renderer) Catalog() *Catalog { return r.catalog }

// Names returns the catalog's expression names, sorted.
func (r *Renderer) Names() []string { return r.catalog.Names() }

// BusStatus reports the health of the matrix bus.
func (r *Renderer) BusStatus() bus.Status { return r.bus.Status() }

// Shown returns the name of the expression currently on the matrix.
func (r *Renderer) Shown() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shownName, r.hasShown
}

// Render displays the named expression. An unknown name fails with
// ExpressionNotFound before the bus is touched.
func (r *Renderer) Render(ctx context.Context, name string) error {
	expr, err := r.catalog.Get(name)
	if err != nil {
		return err
	}
	return r.bus.Do(ctx, func(ctx context.Context, m Matrix) error {
		return r.write(ctx, m, name, expr.Bitmap)
	})
}

// Blink alternates the named expression with a blank frame count times,
// pausing interval after each frame, then restores whatever was displayed
// before. The matrix bus is held for the whole sequence.
func (r *Renderer) Blink(ctx context.Context, name string, count int, interval time.Duration) error {
	if count < 1 {
		return faults.Errorf(faults.KindInvalidArgument, "face.blink", "count must be positive, got %d", count)
	}
	if interval <= 0 {
		return faults.Errorf(faults.KindInvalidArgument, "face.blink", "interval must be positive, got %v", interval)
	}
	expr, err := r.catalog.Get(name)
	if err != nil {
		return err
	}

	return r.bus.Do(ctx, func(ctx context.Context, m Matrix) error {
		r.mu.Lock()
		prev, prevName, hadPrev := r.shown, r.shownName, r.hasShown
		r.mu.Unlock()

		blinkErr := r.blinkFrames(ctx, m, expr, count, interval)

		if hadPrev {
			// Restore even if the caller's context ended mid-sequence.
			if err := r.write(context.WithoutCancel(ctx), m, prevName, prev); err != nil && blinkErr == nil {
				blinkErr = err
			}
		}
		return blinkErr
	})
}

func (r *Renderer) blinkFrames(ctx context.Context, m Matrix, expr Expression, count int, interval time.Duration) error {
	blank := r.catalog.Blank()
	for i := 0; i < count; i++ {
		if err := r.write(ctx, m, expr.Name, expr.Bitmap); err != nil {
			return err
		}
		if err := r.sleep(ctx, "face.blink", interval); err != nil {
			return err
		}
		if err := r.write(ctx, m, BlankName, blank); err != nil {
			return err
		}
		if err := r.sleep(ctx, "face.blink", interval); err != nil {
			return err
		}
	}
	return nil
}

// write sends one frame, initialising the matrix first when needed. Caller
// holds the bus.
func (r *Renderer) write(ctx context.Context, m Matrix, name string, frame Bitmap) error {
	if !r.ready {
		if err := m.Init(ctx); err != nil {
			return r.fail(ctx, "face.init", err)
		}
		r.ready = true
	}
	if err := m.WriteFrame(ctx, frame); err != nil {
		r.ready = false
		return r.fail(ctx, "face.write", err)
	}

	r.mu.Lock()
	r.shown, r.shownName, r.hasShown = frame, name, true
	r.mu.Unlock()
	return nil
}

func (r *Renderer) fail(ctx context.Context, op string, err error) error {
	var ferr error
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		ferr = faults.New(faults.KindTimeout, op, err)
	} else {
		ferr = faults.New(faults.KindActuatorFault, op, err)
	}
	monitoring.RenderFailuresTotal.WithLabelValues(string(faults.KindOf(ferr))).Inc()
	return ferr
}

func (r *Renderer) sleep(ctx context.Context, op string, d time.Duration) error {
	if err := r.clock.Sleep(ctx, d); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return faults.New(faults.KindTimeout, op, err)
		}
		return err
	}
	return nil
}

// Animate cycles through names in the background, replacing any running
// animation. frame <= 0 uses each expression's DefaultHold, or
// DefaultFrameDuration when that is zero. Without loop the animation stops
// after one pass and leaves the last frame up.
func (r *Renderer) Animate(names []string, frame time.Duration, loop bool) error {
	if len(names) == 0 {
		return faults.Errorf(faults.KindInvalidArgument, "face.animate", "no expressions given")
	}
	exprs := make([]Expression, 0, len(names))
	for _, n := range names {
		e, err := r.catalog.Get(n)
		if err != nil {
			return err
		}
		exprs = append(exprs, e)
	}

	r.animMu.Lock()
	defer r.animMu.Unlock()
	r.stopAnimationLocked()

	ctx, cancel := context.WithCancel(context.Background())
	a := &animation{
		names:  append([]string(nil), names...),
		loop:   loop,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.anim = a
	r.mu.Unlock()

	go r.runAnimation(ctx, a, exprs, frame)
	return nil
}

func (r *Renderer) runAnimation(ctx context.Context, a *animation, exprs []Expression, frame time.Duration) {
	defer func() {
		r.mu.Lock()
		if r.anim == a {
			r.anim = nil
		}
		r.mu.Unlock()
		close(a.done)
	}()

	for {
		for _, e := range exprs {
			err := r.bus.Do(ctx, func(ctx context.Context, m Matrix) error {
				return r.write(ctx, m, e.Name, e.Bitmap)
			})
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				r.logf("animation frame %q: %v", e.Name, err)
			}

			hold := frame
			if hold <= 0 {
				hold = e.DefaultHold
			}
			if hold <= 0 {
				hold = DefaultFrameDuration
			}
			if r.clock.Sleep(ctx, hold) != nil {
				return
			}
		}
		if !a.loop {
			return
		}
	}
}

// StopAnimation stops a running animation and waits for it to exit. It
// reports whether one was running.
func (r *Renderer) StopAnimation() bool {
	r.animMu.Lock()
	defer r.animMu.Unlock()
	return r.stopAnimationLocked()
}

func (r *Renderer) stopAnimationLocked() bool {
	r.mu.Lock()
	a := r.anim
	r.anim = nil
	r.mu.Unlock()
	if a == nil {
		return false
	}
	a.cancel()
	<-a.done
	return true
}

// AnimationStatus describes the running animation, if any.
type AnimationStatus struct {
	Running     bool     `json:"running"`
	Expressions []string `json:"expressions,omitempty"`
	Loop        bool     `json:"loop,omitempty"`
}

// Animating reports the running animation.
func (r *Renderer) Animating() AnimationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.anim == nil {
		return AnimationStatus{}
	}
	return AnimationStatus{Running: true, Expressions: append([]string(nil), r.anim.names...), Loop: r.anim.loop}
}

// Close stops any animation and closes the matrix bus.
func (r *Renderer) Close() error {
	r.StopAnimation()
	if err := r.bus.Close(); err != nil {
		return fmt.Errorf("close matrix: %w", err)
	}
	return nil
}
