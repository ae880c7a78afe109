package tof

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tofeyes/internal/serialport"
)

// TFmini command frames. The last byte of each is the low byte of the sum of
// the preceding bytes.
var (
	tfminiCmdVersion     = []byte{0x5A, 0x04, 0x01, 0x5F}
	tfminiCmdTriggerMode = []byte{0x5A, 0x06, 0x03, 0x00, 0x00, 0x63}
	tfminiCmdUnitMM      = []byte{0x5A, 0x05, 0x05, 0x06, 0x6A}
	tfminiCmdTrigger     = []byte{0x5A, 0x04, 0x04, 0x62}
)

const (
	tfminiFrameLen     = 9
	tfminiFrameHeader  = 0x59
	tfminiMinStrength  = 100
	tfminiSaturated    = 0xFFFF
	tfminiReadSlice    = 20 * time.Millisecond
	tfminiStatusWeak   = 1
	tfminiStatusNoData = 2
)

var errTFminiChecksum = errors.New("tfmini: frame checksum mismatch")

// TFmini drives a Benewake TFmini-S style UART LiDAR in trigger mode: each
// Range sends one trigger command and waits for the matching data frame.
type TFmini struct {
	port serialport.TimeoutSerialPorter
	buf  []byte
}

// NewTFmini returns a ranger on an already-open port.
func NewTFmini(port serialport.TimeoutSerialPorter) *TFmini {
	return &TFmini{port: port}
}

// Init asks the device for its firmware version, then switches it to
// millimetre output and trigger mode.
func (t *TFmini) Init(ctx context.Context) error {
	t.resetInput()
	if _, err := t.port.Write(tfminiCmdVersion); err != nil {
		return fmt.Errorf("tfmini: version request: %w", err)
	}
	if _, err := t.await(ctx, func(b []byte) (int, int, bool) {
		return matchCommandReply(b, 0x01)
	}); err != nil {
		return fmt.Errorf("tfmini: version reply: %w", err)
	}

	for _, cmd := range [][]byte{tfminiCmdTriggerMode, tfminiCmdUnitMM} {
		if _, err := t.port.Write(cmd); err != nil {
			return fmt.Errorf("tfmini: configure: %w", err)
		}
	}
	return nil
}

// Range triggers one measurement and parses the data frame.
func (t *TFmini) Range(ctx context.Context) (Raw, error) {
	t.resetInput()
	if _, err := t.port.Write(tfminiCmdTrigger); err != nil {
		return Raw{}, fmt.Errorf("tfmini: trigger: %w", err)
	}
	frame, err := t.await(ctx, matchDataFrame)
	if err != nil {
		return Raw{}, err
	}
	return decodeTFminiFrame(frame)
}

// Close closes the underlying port.
func (t *TFmini) Close() error { return t.port.Close() }

func (t *TFmini) resetInput() {
	t.buf = t.buf[:0]
	if r, ok := t.port.(serialport.InputResetter); ok {
		_ = r.ResetInputBuffer()
	}
}

// await reads until match finds a complete frame in the buffered input or ctx
// is done. match returns the frame offset, its length and whether all of it
// has been buffered.
func (t *TFmini) await(ctx context.Context, match func([]byte) (off, n int, ok bool)) ([]byte, error) {
	chunk := make([]byte, 64)
	for {
		if off, n, ok := match(t.buf); ok {
			frame := append([]byte(nil), t.buf[off:off+n]...)
			t.buf = t.buf[off+n:]
			return frame, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		slice := tfminiReadSlice
		if dl, ok := ctx.Deadline(); ok {
			if remaining := time.Until(dl); remaining < slice {
				slice = remaining
			}
		}
		if slice > 0 {
			if err := t.port.SetReadTimeout(slice); err != nil {
				return nil, err
			}
		}
		n, err := t.port.Read(chunk)
		if err != nil {
			return nil, err
		}
		t.buf = append(t.buf, chunk[:n]...)
	}
}

// matchDataFrame finds a 0x59 0x59 data frame.
func matchDataFrame(b []byte) (int, int, bool) {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == tfminiFrameHeader && b[i+1] == tfminiFrameHeader {
			return i, tfminiFrameLen, len(b)-i >= tfminiFrameLen
		}
	}
	return 0, 0, false
}

// matchCommandReply finds a 0x5A reply frame with the given command id. The
// second byte of a reply is its total length.
func matchCommandReply(b []byte, id byte) (int, int, bool) {
	for i := 0; i+2 < len(b); i++ {
		if b[i] == 0x5A && b[i+2] == id {
			n := int(b[i+1])
			return i, n, n >= 3 && len(b)-i >= n
		}
	}
	return 0, 0, false
}

func decodeTFminiFrame(f []byte) (Raw, error) {
	var sum byte
	for _, b := range f[:tfminiFrameLen-1] {
		sum += b
	}
	if sum != f[tfminiFrameLen-1] {
		return Raw{}, errTFminiChecksum
	}

	dist := int(f[2]) | int(f[3])<<8
	strength := int(f[4]) | int(f[5])<<8
	raw := Raw{MM: dist}
	switch {
	case dist == tfminiSaturated:
		raw.Status = tfminiStatusNoData
	case strength < tfminiMinStrength || strength == tfminiSaturated:
		raw.Status = tfminiStatusWeak
	}
	return raw, nil
}

// EncodeTFminiFrame builds a data frame for dist (mm) and strength. It is used
// by tests and the serial fixture responder.
func EncodeTFminiFrame(dist, strength int) []byte {
	f := []byte{
		tfminiFrameHeader, tfminiFrameHeader,
		byte(dist), byte(dist >> 8),
		byte(strength), byte(strength >> 8),
		0x00, 0x09, // chip temperature, ignored
		0,
	}
	for _, b := range f[:tfminiFrameLen-1] {
		f[tfminiFrameLen-1] += b
	}
	return f
}
