package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tofeyes/internal/faults"
	"github.com/banshee-data/tofeyes/internal/timeutil"
	"github.com/banshee-data/tofeyes/internal/tof"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeRenderer knows a fixed set of names and records every render.
type fakeRenderer struct {
	mu      sync.Mutex
	known   map[string]bool
	renders []string
	fail    []error
}

func newFakeRenderer(names ...string) *fakeRenderer {
	r := &fakeRenderer{known: map[string]bool{}}
	for _, n := range names {
		r.known[n] = true
	}
	return r
}

func (r *fakeRenderer) Render(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known[name] {
		return faults.Errorf(faults.KindExpressionNotFound, "render", "%q", name)
	}
	if len(r.fail) > 0 {
		err := r.fail[0]
		r.fail = r.fail[1:]
		return err
	}
	r.renders = append(r.renders, name)
	return nil
}

func (r *fakeRenderer) Renders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.renders...)
}

func twoZonePolicy(t *testing.T, n int) *Policy {
	t.Helper()
	p, err := NewPolicy([]Zone{
		{Name: "A", MinMM: 0, MaxMM: 500, Expression: "happy"},
		{Name: "B", MinMM: 500, Expression: "sad"},
	}, 20, n, "happy")
	require.NoError(t, err)
	return p
}

func feed(t *testing.T, e *Engine, clock *timeutil.MockClock, values ...int) {
	t.Helper()
	for _, v := range values {
		clock.Advance(100 * time.Millisecond)
		_, err := e.Observe(context.Background(), tof.ValidSample(v, clock.Now()))
		require.NoError(t, err)
	}
}

func TestEngine_InitialState(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	e := NewEngine(twoZonePolicy(t, 2), newFakeRenderer("happy", "sad"), Options{Clock: clock})

	st := e.Snapshot()
	assert.Equal(t, "happy", st.CurrentExpression)
	assert.Equal(t, "A", st.CurrentZone)
	assert.Nil(t, st.LastSample)
	assert.Equal(t, epoch, st.UpdatedAt)
}

func TestEngine_Start(t *testing.T) {
	r := newFakeRenderer("happy", "sad")
	e := NewEngine(twoZonePolicy(t, 2), r, Options{})

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, []string{"happy"}, r.Renders())
}

func TestEngine_HysteresisPreventsFlicker(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	r := newFakeRenderer("happy", "sad")
	e := NewEngine(twoZonePolicy(t, 2), r, Options{Clock: clock})

	for i := 0; i < 20; i++ {
		feed(t, e, clock, 495, 505)
	}
	st := e.Snapshot()
	assert.Equal(t, "happy", st.CurrentExpression)
	assert.Zero(t, st.ConsecutiveCandidateCount)
	assert.Empty(t, r.Renders())

	feed(t, e, clock, 525, 530)
	assert.Equal(t, "sad", e.Snapshot().CurrentExpression)
	assert.Equal(t, []string{"sad"}, r.Renders())
}

func TestEngine_HysteresisEdgeIsInclusive(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	r := newFakeRenderer("happy", "sad")
	e := NewEngine(twoZonePolicy(t, 2), r, Options{Clock: clock})

	for i := 0; i < 10; i++ {
		feed(t, e, clock, 520)
	}
	assert.Equal(t, "happy", e.Snapshot().CurrentExpression)
	assert.Empty(t, r.Renders())

	feed(t, e, clock, 521, 521)
	assert.Equal(t, "sad", e.Snapshot().CurrentExpression)
}

func TestEngine_HysteresisAppliesOnWayBack(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	e := NewEngine(twoZonePolicy(t, 1), newFakeRenderer("happy", "sad"), Options{Clock: clock})

	feed(t, e, clock, 600)
	require.Equal(t, "sad", e.Snapshot().CurrentExpression)

	feed(t, e, clock, 495, 485, 481)
	assert.Equal(t, "sad", e.Snapshot().CurrentExpression)
	feed(t, e, clock, 479)
	assert.Equal(t, "happy", e.Snapshot().CurrentExpression)
}

func TestEngine_DebounceRequiresNAgreeingSamples(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	r := newFakeRenderer("happy", "sad")
	e := NewEngine(twoZonePolicy(t, 3), r, Options{Clock: clock})

	feed(t, e, clock, 700, 700)
	st := e.Snapshot()
	assert.Equal(t, "B", st.CandidateZone)
	assert.Equal(t, 2, st.ConsecutiveCandidateCount)

	feed(t, e, clock, 100)
	st = e.Snapshot()
	assert.Equal(t, "happy", st.CurrentExpression)
	assert.Empty(t, st.CandidateZone)
	assert.Zero(t, st.ConsecutiveCandidateCount)
	assert.Empty(t, r.Renders())

	feed(t, e, clock, 700, 700, 700)
	assert.Equal(t, "sad", e.Snapshot().CurrentExpression)
}

func TestEngine_NewCandidateRestartsCount(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	p, err := NewPolicy([]Zone{
		{Name: "near", MinMM: 0, MaxMM: 300, Expression: "happy"},
		{Name: "mid", MinMM: 300, MaxMM: 800, Expression: "normal"},
		{Name: "far", MinMM: 800, Expression: "sad"},
	}, 20, 2, "happy")
	require.NoError(t, err)
	e := NewEngine(p, newFakeRenderer("happy", "normal", "sad"), Options{Clock: clock})

	feed(t, e, clock, 500, 900)
	st := e.Snapshot()
	assert.Equal(t, "far", st.CandidateZone)
	assert.Equal(t, 1, st.ConsecutiveCandidateCount)
	assert.Equal(t, "happy", st.CurrentExpression)
}

func TestEngine_InvalidSampleIsIgnored(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	e := NewEngine(twoZonePolicy(t, 2), newFakeRenderer("happy", "sad"), Options{Clock: clock})

	feed(t, e, clock, 700)
	invalid := tof.InvalidSample(faults.KindOutOfRange, clock.Now())
	out, err := e.Observe(context.Background(), invalid)
	require.NoError(t, err)
	assert.False(t, out.Committed)
	assert.Empty(t, out.Zone)

	st := e.Snapshot()
	require.NotNil(t, st.LastSample)
	assert.False(t, st.LastSample.Valid)
	assert.Equal(t, 1, st.ConsecutiveCandidateCount, "invalid sample must not reset the candidate")
	assert.Equal(t, "happy", st.CurrentExpression)

	feed(t, e, clock, 700)
	assert.Equal(t, "sad", e.Snapshot().CurrentExpression)
}

func TestEngine_StabilityOneCommitsImmediately(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	e := NewEngine(twoZonePolicy(t, 1), newFakeRenderer("happy", "sad"), Options{Clock: clock})

	out, err := e.Observe(context.Background(), tof.ValidSample(900, clock.Now()))
	require.NoError(t, err)
	assert.True(t, out.Committed)
	assert.Equal(t, "sad", out.Expression)
	assert.Equal(t, "B", out.Zone)
}

func TestEngine_EndToEndScenario(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	p, err := NewPolicy([]Zone{
		{MinMM: 0, MaxMM: 300, Expression: "happy"},
		{MinMM: 300, MaxMM: 800, Expression: "neutral"},
		{MinMM: 800, Expression: "far"},
	}, 20, 2, "neutral")
	require.NoError(t, err)
	r := newFakeRenderer("happy", "neutral", "far")
	e := NewEngine(p, r, Options{Clock: clock})

	feed(t, e, clock, 250, 250, 250)
	assert.Equal(t, "happy", e.Snapshot().CurrentExpression)

	feed(t, e, clock, 850)
	assert.Equal(t, "happy", e.Snapshot().CurrentExpression, "a single sample must not commit")

	feed(t, e, clock, 850)
	assert.Equal(t, "far", e.Snapshot().CurrentExpression)
	assert.Equal(t, []string{"happy", "far"}, r.Renders())
}

func TestEngine_RenderFailureKeepsLogicalStateAndRetries(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	r := newFakeRenderer("happy", "sad")
	e := NewEngine(twoZonePolicy(t, 1), r, Options{Clock: clock})
	r.fail = []error{faults.New(faults.KindActuatorFault, "face.write", errors.New("spi down"))}

	out, err := e.Observe(context.Background(), tof.ValidSample(800, clock.Now()))
	assert.ErrorIs(t, err, faults.ErrActuatorFault)
	assert.True(t, out.Committed)

	st := e.Snapshot()
	assert.Equal(t, "sad", st.CurrentExpression)
	assert.True(t, st.RenderPending)
	assert.Empty(t, r.Renders())

	_, err = e.Observe(context.Background(), tof.ValidSample(810, clock.Now()))
	require.NoError(t, err)
	assert.False(t, e.Snapshot().RenderPending)
	assert.Equal(t, []string{"sad"}, r.Renders())
}

func TestEngine_HoldDelaysNextCommit(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	e := NewEngine(twoZonePolicy(t, 2), newFakeRenderer("happy", "sad"), Options{
		Clock: clock,
		Holds: map[string]time.Duration{"sad": 2 * time.Second},
	})

	feed(t, e, clock, 700, 700)
	require.Equal(t, "sad", e.Snapshot().CurrentExpression)

	feed(t, e, clock, 100, 100, 100)
	st := e.Snapshot()
	assert.Equal(t, "sad", st.CurrentExpression)
	assert.Equal(t, 2, st.ConsecutiveCandidateCount, "count is capped at N while holding")

	clock.Advance(2 * time.Second)
	feed(t, e, clock, 100)
	assert.Equal(t, "happy", e.Snapshot().CurrentExpression)
}

func TestEngine_OverrideIdempotentAndUnknown(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	r := newFakeRenderer("happy", "sad", "wink")
	e := NewEngine(twoZonePolicy(t, 2), r, Options{Clock: clock})

	require.NoError(t, e.Override(context.Background(), "wink"))
	require.NoError(t, e.Override(context.Background(), "wink"))
	assert.Equal(t, "wink", e.Snapshot().CurrentExpression)
	assert.Equal(t, []string{"wink", "wink"}, r.Renders())

	before := e.Snapshot()
	err := e.Override(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, faults.ErrExpressionNotFound)
	assert.Equal(t, before, e.Snapshot())
}

func TestEngine_OverrideFailureDoesNotMutate(t *testing.T) {
	r := newFakeRenderer("happy", "sad")
	e := NewEngine(twoZonePolicy(t, 2), r, Options{})
	r.fail = []error{faults.New(faults.KindBusBusy, "spi", nil)}

	err := e.Override(context.Background(), "sad")
	assert.ErrorIs(t, err, faults.ErrBusBusy)
	assert.Equal(t, "happy", e.Snapshot().CurrentExpression)
}

func TestEngine_OverrideHoldsUntilZoneChanges(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	e := NewEngine(twoZonePolicy(t, 2), newFakeRenderer("happy", "sad", "wink"), Options{Clock: clock})

	require.NoError(t, e.Override(context.Background(), "wink"))
	feed(t, e, clock, 100, 200)
	assert.Equal(t, "wink", e.Snapshot().CurrentExpression)

	feed(t, e, clock, 900, 900)
	assert.Equal(t, "sad", e.Snapshot().CurrentExpression)
}

func TestEngine_RecordFaultAndStaleness(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	e := NewEngine(twoZonePolicy(t, 2), newFakeRenderer("happy", "sad"), Options{
		Clock:      clock,
		StaleAfter: time.Second,
	})
	assert.True(t, e.Snapshot().Stale, "no sample yet")

	feed(t, e, clock, 100)
	assert.False(t, e.Snapshot().Stale)

	e.RecordFault(faults.New(faults.KindSensorTimeout, "tof.range", nil))
	st := e.Snapshot()
	assert.True(t, st.Stale)
	assert.Equal(t, faults.KindSensorTimeout, st.LastFault)

	feed(t, e, clock, 100)
	assert.False(t, e.Snapshot().Stale)

	clock.Advance(1500 * time.Millisecond)
	assert.True(t, e.Snapshot().Stale)
}

func TestEngine_Subscribe(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	e := NewEngine(twoZonePolicy(t, 1), newFakeRenderer("happy", "sad", "wink"), Options{Clock: clock})

	id, ch := e.Subscribe(0)
	assert.Equal(t, 1, e.Subscribers())

	feed(t, e, clock, 900)
	require.NoError(t, e.Override(context.Background(), "wink"))

	first := <-ch
	assert.Equal(t, "happy", first.From)
	assert.Equal(t, "sad", first.To)
	assert.Equal(t, CauseProximity, first.Cause)
	require.NotNil(t, first.DistanceMM)
	assert.Equal(t, 900, *first.DistanceMM)

	second := <-ch
	assert.Equal(t, CauseOverride, second.Cause)
	assert.Equal(t, "wink", second.To)

	assert.True(t, e.Unsubscribe(id))
	assert.False(t, e.Unsubscribe(id))
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, e.Subscribers())
}

func TestEngine_SlowSubscriberDoesNotBlock(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	e := NewEngine(twoZonePolicy(t, 1), newFakeRenderer("happy", "sad"), Options{Clock: clock})
	_, ch := e.Subscribe(1)

	feed(t, e, clock, 900, 100, 900, 100)
	assert.Len(t, ch, 1)
}
