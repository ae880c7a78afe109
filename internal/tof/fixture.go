package tof

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ErrFixtureExhausted is returned by a non-looping Fixture with no steps left.
var ErrFixtureExhausted = errors.New("fixture exhausted")

// FixtureStep is one scripted ranging result.
type FixtureStep struct {
	Raw Raw
	// Err is returned instead of Raw when set.
	Err error
	// Hang blocks until the ranging deadline, like a sensor that never
	// raises its data-ready interrupt.
	Hang bool
}

// Fixture is a scripted Ranger used by dev mode and tests.
type Fixture struct {
	mu      sync.Mutex
	steps   []FixtureStep
	pos     int
	loop    bool
	initErr []error
	inits   int
	ranges  int
}

// NewFixture returns a fixture that yields one valid raw reading per value.
func NewFixture(values ...int) *Fixture {
	f := &Fixture{}
	for _, v := range values {
		f.steps = append(f.steps, FixtureStep{Raw: Raw{MM: v}})
	}
	return f
}

// Loop makes the fixture restart from its first step when exhausted.
func (f *Fixture) Loop() *Fixture {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loop = true
	return f
}

// Push appends steps.
func (f *Fixture) Push(steps ...FixtureStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

// PushValues appends one valid step per value. Each value is repeated n times,
// which lets a test feed whole median windows.
func (f *Fixture) PushValues(n int, values ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		for i := 0; i < n; i++ {
			f.steps = append(f.steps, FixtureStep{Raw: Raw{MM: v}})
		}
	}
}

// FailInit queues errors returned by successive Init calls.
func (f *Fixture) FailInit(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = append(f.initErr, errs...)
}

// Inits reports how many times Init was called.
func (f *Fixture) Inits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

// Ranges reports how many times Range was called.
func (f *Fixture) Ranges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ranges
}

func (f *Fixture) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	if len(f.initErr) > 0 {
		err := f.initErr[0]
		f.initErr = f.initErr[1:]
		return err
	}
	return ctx.Err()
}

func (f *Fixture) Range(ctx context.Context) (Raw, error) {
	f.mu.Lock()
	f.ranges++
	if f.pos >= len(f.steps) {
		if !f.loop || len(f.steps) == 0 {
			f.mu.Unlock()
			return Raw{}, ErrFixtureExhausted
		}
		f.pos = 0
	}
	step := f.steps[f.pos]
	f.pos++
	f.mu.Unlock()

	if step.Hang {
		<-ctx.Done()
		return Raw{}, ctx.Err()
	}
	if step.Err != nil {
		return Raw{}, step.Err
	}
	return step.Raw, nil
}

// LoadFixture reads a looping fixture from path. See ParseFixture.
func LoadFixture(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fx, err := ParseFixture(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fx.Loop(), nil
}

// ParseFixture reads one step per line: a distance in millimetres, "hang"
// for a ranging timeout, "error" for an I/O failure, or "status N" for a
// device fault code. Blank lines and lines starting with # are skipped.
func ParseFixture(r io.Reader) (*Fixture, error) {
	f := &Fixture{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		switch fields[0] {
		case "hang":
			f.steps = append(f.steps, FixtureStep{Hang: true})
		case "error":
			f.steps = append(f.steps, FixtureStep{Err: fmt.Errorf("fixture line %d: injected i/o error", line)})
		case "status":
			if len(fields) != 2 {
				return nil, fmt.Errorf("line %d: status needs a code", line)
			}
			code, err := strconv.ParseUint(fields[1], 10, 8)
			if err != nil || code == 0 {
				return nil, fmt.Errorf("line %d: invalid status code %q", line, fields[1])
			}
			f.steps = append(f.steps, FixtureStep{Raw: Raw{Status: uint8(code)}})
		default:
			mm, err := strconv.Atoi(fields[0])
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid distance %q", line, fields[0])
			}
			f.steps = append(f.steps, FixtureStep{Raw: Raw{MM: mm}})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(f.steps) == 0 {
		return nil, errors.New("fixture has no steps")
	}
	return f, nil
}
