package policy

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/tofeyes/internal/faults"
	"github.com/banshee-data/tofeyes/internal/monitoring"
	"github.com/banshee-data/tofeyes/internal/timeutil"
	"github.com/banshee-data/tofeyes/internal/tof"
)

// Renderer displays a named expression.
type Renderer interface {
	Render(ctx context.Context, name string) error
}

// Options tune an Engine. Zero values are valid.
type Options struct {
	// Holds gives the minimum time an expression stays up once committed
	// before the engine will commit another zone.
	Holds map[string]time.Duration
	// StaleAfter marks the state stale when no sample has been observed for
	// this long. Zero disables the check.
	StaleAfter time.Duration
	Clock      timeutil.Clock
}

// Outcome reports what one observed sample did.
type Outcome struct {
	// Zone is the zone the sample resolved to, empty for an invalid sample.
	Zone       string `json:"zone,omitempty"`
	Committed  bool   `json:"committed"`
	Expression string `json:"expression"`
}

// Engine owns DeviceState. Observe and Override are serialised; Snapshot
// never waits for a render.
type Engine struct {
	policy   *Policy
	renderer Renderer
	opts     Options
	clock    timeutil.Clock
	logf     func(format string, v ...interface{})

	// stepMu serialises mutations, including the render they trigger.
	stepMu sync.Mutex

	mu           sync.Mutex
	state        DeviceState
	current      int
	candidate    int
	committedAt  time.Time
	lastObserved time.Time

	events broadcaster
}

// NewEngine returns an engine showing the policy's initial expression. If a
// zone maps to that expression, the first such zone is taken as current.
func NewEngine(p *Policy, r Renderer, opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	e := &Engine{
		policy:    p,
		renderer:  r,
		opts:      opts,
		clock:     clock,
		logf:      monitoring.Component("policy"),
		current:   -1,
		candidate: -1,
	}
	for i, z := range p.zones {
		if z.Expression == p.initialExpression {
			e.current = i
			break
		}
	}
	e.state = DeviceState{
		CurrentExpression: p.initialExpression,
		UpdatedAt:         clock.Now(),
	}
	if e.current >= 0 {
		e.state.CurrentZone = p.zones[e.current].Name
	}
	return e
}

// Policy returns the engine's policy.
func (e *Engine) Policy() *Policy { return e.policy }

// Start renders the initial expression.
func (e *Engine) Start(ctx context.Context) error {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	e.mu.Lock()
	name := e.state.CurrentExpression
	e.mu.Unlock()

	err := e.renderer.Render(ctx, name)
	e.mu.Lock()
	e.state.RenderPending = err != nil
	e.committedAt = e.clock.Now()
	e.mu.Unlock()
	return err
}

// Observe folds one sample into the state. A render failure on commit is
// returned but the new expression stays committed and is re-rendered on a
// later sample while its zone remains selected.
func (e *Engine) Observe(ctx context.Context, s tof.Sample) (Outcome, error) {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	e.mu.Lock()
	sample := s
	e.state.LastSample = &sample
	e.state.UpdatedAt = e.clock.Now()
	e.state.Stale = false
	e.lastObserved = e.state.UpdatedAt

	mm, ok := s.Value()
	resolved := -1
	if ok {
		resolved = e.policy.resolve(mm, e.current)
	}
	if resolved < 0 {
		// Invalid samples never count towards a transition.
		out := Outcome{Expression: e.state.CurrentExpression}
		e.mu.Unlock()
		return out, nil
	}
	zone := e.policy.zones[resolved]
	out := Outcome{Zone: zone.Name, Expression: e.state.CurrentExpression}

	if resolved == e.current {
		e.candidate = -1
		e.state.CandidateZone = ""
		e.state.ConsecutiveCandidateCount = 0
		pending := e.state.RenderPending
		name := e.state.CurrentExpression
		e.mu.Unlock()

		if pending {
			return out, e.retryRender(ctx, name)
		}
		return out, nil
	}

	if resolved == e.candidate {
		if e.state.ConsecutiveCandidateCount < e.policy.stabilityCount {
			e.state.ConsecutiveCandidateCount++
		}
	} else {
		e.candidate = resolved
		e.state.CandidateZone = zone.Name
		e.state.ConsecutiveCandidateCount = 1
	}

	if e.state.ConsecutiveCandidateCount < e.policy.stabilityCount || !e.holdElapsedLocked() {
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	err := e.commit(ctx, resolved, &mm, CauseProximity)
	out.Committed = true
	out.Expression = zone.Expression
	return out, err
}

// holdElapsedLocked reports whether the current expression has been up for
// at least its hold time.
func (e *Engine) holdElapsedLocked() bool {
	hold := e.opts.Holds[e.state.CurrentExpression]
	return hold <= 0 || e.clock.Since(e.committedAt) >= hold
}

// commit renders zone's expression and records it as current whether or not
// the render succeeded. Caller holds stepMu.
func (e *Engine) commit(ctx context.Context, zone int, mm *int, cause Cause) error {
	z := e.policy.zones[zone]
	err := e.renderer.Render(ctx, z.Expression)

	e.mu.Lock()
	from := e.state.CurrentExpression
	e.current = zone
	e.candidate = -1
	e.state.CurrentExpression = z.Expression
	e.state.CurrentZone = z.Name
	e.state.CandidateZone = ""
	e.state.ConsecutiveCandidateCount = 0
	e.state.RenderPending = err != nil
	e.state.UpdatedAt = e.clock.Now()
	e.committedAt = e.state.UpdatedAt
	at := e.state.UpdatedAt
	e.mu.Unlock()

	monitoring.ExpressionCommitsTotal.WithLabelValues(z.Expression).Inc()
	t := Transition{From: from, To: z.Expression, Zone: z.Name, Cause: cause, DistanceMM: mm, At: at}
	if err != nil {
		t.RenderError = err.Error()
		e.logf("committed %q for zone %q but render failed: %v", z.Expression, z.Name, err)
	}
	e.events.publish(t)
	return err
}

func (e *Engine) retryRender(ctx context.Context, name string) error {
	err := e.renderer.Render(ctx, name)
	e.mu.Lock()
	e.state.RenderPending = err != nil
	e.mu.Unlock()
	if err == nil {
		e.logf("re-rendered pending expression %q", name)
	}
	return err
}

// Override renders name and, only if that succeeds, makes it the current
// expression. The zone tracking is left alone so the override holds until
// the distance moves to another zone.
func (e *Engine) Override(ctx context.Context, name string) error {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	if err := e.renderer.Render(ctx, name); err != nil {
		return err
	}

	e.mu.Lock()
	from := e.state.CurrentExpression
	e.state.CurrentExpression = name
	e.state.RenderPending = false
	e.state.UpdatedAt = e.clock.Now()
	at := e.state.UpdatedAt
	e.mu.Unlock()

	if from != name {
		e.events.publish(Transition{From: from, To: name, Cause: CauseOverride, At: at})
	}
	return nil
}

// RecordFault marks the state stale after a failed sampling attempt.
func (e *Engine) RecordFault(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Stale = true
	e.state.LastFault = faults.KindOf(err)
	e.state.UpdatedAt = e.clock.Now()
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() DeviceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	if e.opts.StaleAfter > 0 {
		if e.lastObserved.IsZero() || e.clock.Since(e.lastObserved) > e.opts.StaleAfter {
			st.Stale = true
		}
	}
	return st
}

// Subscribe registers for committed transitions. buffer <= 0 uses
// DefaultSubscriberBuffer.
func (e *Engine) Subscribe(buffer int) (string, <-chan Transition) {
	return e.events.subscribe(buffer)
}

// Unsubscribe closes and removes a subscription.
func (e *Engine) Unsubscribe(id string) bool { return e.events.unsubscribe(id) }

// Subscribers reports the number of active subscriptions.
func (e *Engine) Subscribers() int { return e.events.count() }
