// Package serialport opens and describes UART links used by serial ranging
// sensors, and provides a scriptable port for tests.
package serialport

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// Ranging drivers require it so that a silent device cannot block a read
// forever.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// InputResetter is implemented by ports that can discard unread input. Drivers
// use it to drop stale frames before issuing a request.
type InputResetter interface {
	ResetInputBuffer() error
}

// Opener opens a serial port at path with the given options.
type Opener func(path string, opts PortOptions) (TimeoutSerialPorter, error)
