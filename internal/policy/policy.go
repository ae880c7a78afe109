// Package policy turns distance samples into a stable expression decision.
//
// Zones partition [0, ∞) into distance bands, each mapped to an expression.
// The Engine applies hysteresis around the current zone and requires N
// consecutive agreeing samples before committing a change, so sensor noise
// near a boundary never makes the face flicker.
package policy

import (
	"fmt"
)

// Zone is a distance band [MinMM, MaxMM). MaxMM == 0 marks the last zone as
// unbounded.
type Zone struct {
	Name       string `json:"name" yaml:"name"`
	MinMM      int    `json:"min_mm" yaml:"min_mm"`
	MaxMM      int    `json:"max_mm" yaml:"max_mm"`
	Expression string `json:"expression" yaml:"expression"`
}

// Unbounded reports whether the zone extends to infinity.
func (z Zone) Unbounded() bool { return z.MaxMM == 0 }

// Contains reports whether mm lies in the zone.
func (z Zone) Contains(mm int) bool {
	return mm >= z.MinMM && (z.Unbounded() || mm < z.MaxMM)
}

// containsWithMargin reports whether mm lies in the zone widened by margin
// on both sides. Both widened edges are inclusive: a sample has to go
// strictly beyond MaxMM+margin (or below MinMM-margin) to leave the zone.
func (z Zone) containsWithMargin(mm, margin int) bool {
	return mm >= z.MinMM-margin && (z.Unbounded() || mm <= z.MaxMM+margin)
}

func (z Zone) String() string {
	if z.Unbounded() {
		return fmt.Sprintf("%s[%d,∞)->%s", z.Name, z.MinMM, z.Expression)
	}
	return fmt.Sprintf("%s[%d,%d)->%s", z.Name, z.MinMM, z.MaxMM, z.Expression)
}

// Policy is a validated, immutable reaction policy.
type Policy struct {
	zones             []Zone
	hysteresisMM      int
	stabilityCount    int
	initialExpression string
}

// Defaults used when the configuration leaves them unset.
const (
	DefaultHysteresisMM      = 20
	DefaultStabilityCount    = 2
	DefaultInitialExpression = "normal"
)

// DefaultZones maps close range to love, arm's length to happy, the middle
// distance to normal and anything further to sad.
func DefaultZones() []Zone {
	return []Zone{
		{Name: "close", MinMM: 0, MaxMM: 100, Expression: "love"},
		{Name: "near", MinMM: 100, MaxMM: 300, Expression: "happy"},
		{Name: "mid", MinMM: 300, MaxMM: 800, Expression: "normal"},
		{Name: "far", MinMM: 800, Expression: "sad"},
	}
}

// NewPolicy validates zones and returns a policy. Zones must start at 0, be
// contiguous and non-empty, and only the last may (and must) be unbounded.
// An empty zone name defaults to its expression.
func NewPolicy(zones []Zone, hysteresisMM, stabilityCount int, initialExpression string) (*Policy, error) {
	if len(zones) == 0 {
		return nil, fmt.Errorf("policy: no zones")
	}
	if hysteresisMM < 0 {
		return nil, fmt.Errorf("policy: hysteresis margin must not be negative, got %d", hysteresisMM)
	}
	if stabilityCount < 1 {
		return nil, fmt.Errorf("policy: stability count must be at least 1, got %d", stabilityCount)
	}
	if initialExpression == "" {
		return nil, fmt.Errorf("policy: initial expression is empty")
	}

	p := &Policy{
		zones:             make([]Zone, len(zones)),
		hysteresisMM:      hysteresisMM,
		stabilityCount:    stabilityCount,
		initialExpression: initialExpression,
	}
	seen := make(map[string]bool, len(zones))
	for i, z := range zones {
		if z.Name == "" {
			z.Name = z.Expression
		}
		if z.Expression == "" {
			return nil, fmt.Errorf("policy: zone %d has no expression", i)
		}
		if seen[z.Name] {
			return nil, fmt.Errorf("policy: duplicate zone name %q", z.Name)
		}
		seen[z.Name] = true

		last := i == len(zones)-1
		switch {
		case i == 0 && z.MinMM != 0:
			return nil, fmt.Errorf("policy: first zone %q must start at 0, starts at %d", z.Name, z.MinMM)
		case i > 0 && z.MinMM != zones[i-1].MaxMM:
			return nil, fmt.Errorf("policy: zone %q starts at %d but previous zone ends at %d",
				z.Name, z.MinMM, zones[i-1].MaxMM)
		case last && !z.Unbounded():
			return nil, fmt.Errorf("policy: last zone %q must be unbounded (max_mm 0)", z.Name)
		case !last && z.MaxMM <= z.MinMM:
			return nil, fmt.Errorf("policy: zone %q has empty range [%d,%d)", z.Name, z.MinMM, z.MaxMM)
		}
		p.zones[i] = z
	}
	return p, nil
}

// MustDefault returns the built-in policy.
func MustDefault() *Policy {
	p, err := NewPolicy(DefaultZones(), DefaultHysteresisMM, DefaultStabilityCount, DefaultInitialExpression)
	if err != nil {
		panic(err)
	}
	return p
}

// CheckExpressions verifies that every expression the policy refers to
// exists according to has.
func (p *Policy) CheckExpressions(has func(name string) bool) error {
	if !has(p.initialExpression) {
		return fmt.Errorf("policy: initial expression %q is not in the catalog", p.initialExpression)
	}
	for _, z := range p.zones {
		if !has(z.Expression) {
			return fmt.Errorf("policy: zone %q uses unknown expression %q", z.Name, z.Expression)
		}
	}
	return nil
}

func (p *Policy) Zones() []Zone             { return append([]Zone(nil), p.zones...) }
func (p *Policy) HysteresisMM() int         { return p.hysteresisMM }
func (p *Policy) StabilityCount() int       { return p.stabilityCount }
func (p *Policy) InitialExpression() string { return p.initialExpression }

// zoneIndex returns the index of the zone containing mm, or -1 for a
// negative distance.
func (p *Policy) zoneIndex(mm int) int {
	for i, z := range p.zones {
		if z.Contains(mm) {
			return i
		}
	}
	return -1
}

// resolve returns the zone a sample at mm belongs to given the current zone
// (-1 for none). The current zone is widened by the hysteresis margin.
func (p *Policy) resolve(mm, current int) int {
	if current >= 0 && p.zones[current].containsWithMargin(mm, p.hysteresisMM) {
		return current
	}
	return p.zoneIndex(mm)
}
