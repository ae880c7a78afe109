package policy

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tofeyes/internal/faults"
	"github.com/banshee-data/tofeyes/internal/tof"
)

// DeviceState is a coherent snapshot of the engine's state.
type DeviceState struct {
	CurrentExpression         string      `json:"current_expression"`
	CurrentZone               string      `json:"current_zone,omitempty"`
	LastSample                *tof.Sample `json:"last_sample,omitempty"`
	ConsecutiveCandidateCount int         `json:"consecutive_candidate_count"`
	CandidateZone             string      `json:"candidate_zone,omitempty"`
	UpdatedAt                 time.Time   `json:"updated_at"`
	// Stale is set when the last sampling attempt failed or no sample has
	// arrived within the staleness window.
	Stale         bool        `json:"stale"`
	LastFault     faults.Kind `json:"last_fault,omitempty"`
	RenderPending bool        `json:"render_pending"`
}

// Cause says why an expression changed.
type Cause string

const (
	CauseProximity Cause = "proximity"
	CauseOverride  Cause = "override"
)

// Transition describes one committed expression change.
type Transition struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Zone       string    `json:"zone,omitempty"`
	Cause      Cause     `json:"cause"`
	DistanceMM *int      `json:"distance_mm,omitempty"`
	At         time.Time `json:"at"`
	// RenderError is set when the change was committed but the frame could
	// not be written yet.
	RenderError string `json:"render_error,omitempty"`
}

// DefaultSubscriberBuffer is the channel capacity given to subscribers.
const DefaultSubscriberBuffer = 16

// broadcaster fans transitions out to subscribers without blocking the
// engine: a subscriber that falls behind misses transitions.
type broadcaster struct {
	mu   sync.Mutex
	subs map[string]chan Transition
}

func (b *broadcaster) subscribe(buffer int) (string, <-chan Transition) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	id := uuid.NewString()
	ch := make(chan Transition, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[string]chan Transition)
	}
	b.subs[id] = ch
	return id, ch
}

func (b *broadcaster) unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	close(ch)
	return true
}

func (b *broadcaster) publish(t Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- t:
		default:
		}
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
