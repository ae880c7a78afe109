// Package faults defines the error taxonomy shared by the sensor driver, the
// renderer, the policy engine and the API layer.
//
// Every error raised by the core carries a Kind. Callers branch on the kind
// with errors.Is against the sentinel values below, or with KindOf.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNone               Kind = ""
	KindSensorUnavailable  Kind = "sensor_unavailable"
	KindSensorTimeout      Kind = "sensor_timeout"
	KindOutOfRange         Kind = "out_of_range"
	KindExpressionNotFound Kind = "expression_not_found"
	KindBusBusy            Kind = "bus_busy"
	KindTimeout            Kind = "timeout"
	KindActuatorFault      Kind = "actuator_fault"
	KindInvalidArgument    Kind = "invalid_argument"
	KindInternal           Kind = "internal"
)

// Sentinel errors, one per kind. An *Error matches the sentinel of its kind
// under errors.Is.
var (
	ErrSensorUnavailable  = errors.New("sensor unavailable")
	ErrSensorTimeout      = errors.New("sensor timeout")
	ErrOutOfRange         = errors.New("reading out of range")
	ErrExpressionNotFound = errors.New("expression not found")
	ErrBusBusy            = errors.New("bus busy")
	ErrTimeout            = errors.New("operation timed out")
	ErrActuatorFault      = errors.New("actuator fault")
	ErrInvalidArgument    = errors.New("invalid argument")
)

var sentinels = map[Kind]error{
	KindSensorUnavailable:  ErrSensorUnavailable,
	KindSensorTimeout:      ErrSensorTimeout,
	KindOutOfRange:         ErrOutOfRange,
	KindExpressionNotFound: ErrExpressionNotFound,
	KindBusBusy:            ErrBusBusy,
	KindTimeout:            ErrTimeout,
	KindActuatorFault:      ErrActuatorFault,
	KindInvalidArgument:    ErrInvalidArgument,
}

// Error is a classified failure. Op names the operation that failed, Err is
// the underlying cause (may be nil).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Errorf returns an *Error whose cause is built from format and args.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if s, ok := sentinels[e.Kind]; ok {
		msg = s.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of err. Context deadline errors map to KindTimeout.
// A nil error has KindNone and an unclassified error has KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether a caller may reasonably retry after err.
// ExpressionNotFound and InvalidArgument are caller errors and never are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNone, KindExpressionNotFound, KindInvalidArgument:
		return false
	}
	return true
}
