// Package tof is the time-of-flight distance sensor driver. It turns raw
// ranging operations on the sensor bus into filtered, classified samples.
package tof

import (
	"context"
	"time"

	"github.com/banshee-data/tofeyes/internal/faults"
)

// Raw is one ranging result as reported by the device. A non-zero Status is a
// device-signalled fault code and makes the reading invalid regardless of MM.
type Raw struct {
	MM     int
	Status uint8
}

// Ranger is a distance sensor attached to an exclusive bus. Implementations
// must honour ctx deadlines so that a silent device never blocks the caller.
type Ranger interface {
	// Init performs the device handshake. It is called before the first
	// ranging operation and again after any I/O failure.
	Init(ctx context.Context) error
	// Range performs one ranging operation.
	Range(ctx context.Context) (Raw, error)
}

// Sample is a filtered distance reading. ValueMM is nil iff Valid is false.
type Sample struct {
	ValueMM   *int        `json:"distance_mm"`
	Timestamp time.Time   `json:"timestamp"`
	Valid     bool        `json:"valid"`
	ErrorKind faults.Kind `json:"error_kind,omitempty"`
}

// ValidSample returns a valid sample for mm taken at ts.
func ValidSample(mm int, ts time.Time) Sample {
	v := mm
	return Sample{ValueMM: &v, Timestamp: ts, Valid: true}
}

// InvalidSample returns an invalid sample of the given kind taken at ts.
func InvalidSample(kind faults.Kind, ts time.Time) Sample {
	return Sample{Timestamp: ts, ErrorKind: kind}
}

// Value returns the distance and whether the sample is valid.
func (s Sample) Value() (int, bool) {
	if !s.Valid || s.ValueMM == nil {
		return 0, false
	}
	return *s.ValueMM, true
}
