package serialport

import (
	"fmt"

	"go.bug.st/serial"
)

// Open opens the serial device at path using go.bug.st/serial. The returned
// port supports read timeouts and input resets.
func Open(path string, opts PortOptions) (TimeoutSerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}

var _ Opener = Open
