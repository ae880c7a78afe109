package tof

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// DefaultVL53L0XAddr is the sensor's power-on I²C address.
const DefaultVL53L0XAddr = 0x29

// VL53L0X registers used by the single-shot ranging sequence.
const (
	regSysRangeStart           = 0x00
	regSystemInterruptConfig   = 0x0A
	regSystemInterruptClear    = 0x0B
	regResultInterruptStatus   = 0x13
	regResultRangeStatus       = 0x14
	regResultRangeMM           = regResultRangeStatus + 10
	regI2CStandardMode         = 0x88
	regStopVariable            = 0x91
	regIdentificationModelID   = 0xC0
	vl53l0xModelID             = 0xEE
	vl53l0xRangeStatusComplete = 11
	vl53l0xOutOfRangeMM        = 8190
)

// VL53L0X drives an ST VL53L0X over I²C in single-shot mode. The handshake
// verifies the model ID and captures the stop variable the ranging sequence
// needs; the sensor's factory SPAD and timing calibration are left in place.
type VL53L0X struct {
	dev          *i2c.Dev
	stopVariable byte
	pollInterval time.Duration
}

// NewVL53L0X returns a ranger for the sensor at addr on b.
func NewVL53L0X(b i2c.Bus, addr uint16) *VL53L0X {
	if addr == 0 {
		addr = DefaultVL53L0XAddr
	}
	return &VL53L0X{
		dev:          &i2c.Dev{Bus: b, Addr: addr},
		pollInterval: time.Millisecond,
	}
}

func (v *VL53L0X) String() string { return fmt.Sprintf("vl53l0x@%#x", v.dev.Addr) }

// Init checks the model ID and prepares the device for single-shot ranging.
func (v *VL53L0X) Init(ctx context.Context) error {
	id, err := v.read(regIdentificationModelID)
	if err != nil {
		return fmt.Errorf("read model id: %w", err)
	}
	if id != vl53l0xModelID {
		return fmt.Errorf("unexpected model id %#x", id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := v.write(regI2CStandardMode, 0x00); err != nil {
		return err
	}
	err = v.withStopVariableAccess(func() error {
		sv, err := v.read(regStopVariable)
		v.stopVariable = sv
		return err
	})
	if err != nil {
		return fmt.Errorf("read stop variable: %w", err)
	}
	// Interrupt on new sample ready.
	if err := v.write(regSystemInterruptConfig, 0x04); err != nil {
		return err
	}
	return v.write(regSystemInterruptClear, 0x01)
}

// Range triggers one measurement and waits for its result.
func (v *VL53L0X) Range(ctx context.Context) (Raw, error) {
	err := v.withStopVariableAccess(func() error {
		return v.write(regStopVariable, v.stopVariable)
	})
	if err != nil {
		return Raw{}, err
	}
	if err := v.write(regSysRangeStart, 0x01); err != nil {
		return Raw{}, err
	}

	// The start bit self-clears once the measurement has begun.
	if err := v.poll(ctx, regSysRangeStart, func(b byte) bool { return b&0x01 == 0 }); err != nil {
		return Raw{}, err
	}
	if err := v.poll(ctx, regResultInterruptStatus, func(b byte) bool { return b&0x07 != 0 }); err != nil {
		return Raw{}, err
	}

	status, err := v.read(regResultRangeStatus)
	if err != nil {
		return Raw{}, err
	}
	var buf [2]byte
	if err := v.dev.Tx([]byte{regResultRangeMM}, buf[:]); err != nil {
		return Raw{}, err
	}
	if err := v.write(regSystemInterruptClear, 0x01); err != nil {
		return Raw{}, err
	}

	raw := Raw{MM: int(buf[0])<<8 | int(buf[1])}
	if rs := (status & 0x78) >> 3; rs != vl53l0xRangeStatusComplete {
		raw.Status = rs
	}
	if raw.MM >= vl53l0xOutOfRangeMM && raw.Status == 0 {
		raw.Status = 0xFF
	}
	return raw, nil
}

// withStopVariableAccess opens the private register page around fn.
func (v *VL53L0X) withStopVariableAccess(fn func() error) error {
	for _, w := range [][2]byte{{0x80, 0x01}, {0xFF, 0x01}, {0x00, 0x00}} {
		if err := v.write(w[0], w[1]); err != nil {
			return err
		}
	}
	fnErr := fn()
	for _, w := range [][2]byte{{0x00, 0x01}, {0xFF, 0x00}, {0x80, 0x00}} {
		if err := v.write(w[0], w[1]); err != nil {
			return err
		}
	}
	return fnErr
}

func (v *VL53L0X) poll(ctx context.Context, reg byte, done func(byte) bool) error {
	for {
		b, err := v.read(reg)
		if err != nil {
			return err
		}
		if done(b) {
			return nil
		}
		t := time.NewTimer(v.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (v *VL53L0X) read(reg byte) (byte, error) {
	var b [1]byte
	if err := v.dev.Tx([]byte{reg}, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (v *VL53L0X) write(reg, val byte) error {
	return v.dev.Tx([]byte{reg, val}, nil)
}
