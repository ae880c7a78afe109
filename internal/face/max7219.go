package face

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// MAX7219 register addresses.
const (
	max7219RegDigit0      = 0x01
	max7219RegDecodeMode  = 0x09
	max7219RegIntensity   = 0x0A
	max7219RegScanLimit   = 0x0B
	max7219RegShutdown    = 0x0C
	max7219RegDisplayTest = 0x0F
)

// MAX7219MaxSpeed is the SPI clock used when opening a cascade by port name.
const MAX7219MaxSpeed = 10 * physic.MegaHertz

// MAX7219 drives a daisy-chained cascade of MAX7219 8×8 modules. Module 0 is
// the one wired to the controller and shows columns 0..7; module i shows
// columns 8i..8i+7.
type MAX7219 struct {
	conn      spi.Conn
	port      spi.PortCloser
	modules   int
	intensity byte
}

// NewMAX7219 returns a cascade of modules on conn. intensity is 0..15.
func NewMAX7219(conn spi.Conn, modules int, intensity byte) (*MAX7219, error) {
	if modules < 1 {
		return nil, fmt.Errorf("max7219: need at least one module, got %d", modules)
	}
	if intensity > 0x0F {
		return nil, fmt.Errorf("max7219: intensity %d out of range 0..15", intensity)
	}
	return &MAX7219{conn: conn, modules: modules, intensity: intensity}, nil
}

// OpenMAX7219 opens the named SPI port (empty for the first available) and
// returns a cascade on it. Close releases the port.
func OpenMAX7219(portName string, modules int, intensity byte) (*MAX7219, error) {
	p, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("max7219: open spi port %q: %w", portName, err)
	}
	c, err := p.Connect(MAX7219MaxSpeed, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("max7219: connect: %w", err)
	}
	m, err := NewMAX7219(c, modules, intensity)
	if err != nil {
		p.Close()
		return nil, err
	}
	m.port = p
	return m, nil
}

func (m *MAX7219) String() string { return fmt.Sprintf("max7219x%d", m.modules) }

func (m *MAX7219) Size() (int, int) { return 8 * m.modules, 8 }

// Init leaves shutdown, disables BCD decode, scans all eight digits, sets the
// intensity and turns display test off on every module.
func (m *MAX7219) Init(ctx context.Context) error {
	for _, rv := range [][2]byte{
		{max7219RegShutdown, 0x01},
		{max7219RegDecodeMode, 0x00},
		{max7219RegScanLimit, 0x07},
		{max7219RegIntensity, m.intensity},
		{max7219RegDisplayTest, 0x00},
	} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.conn.Tx(m.broadcast(rv[0], rv[1]), nil); err != nil {
			return fmt.Errorf("max7219: init register %#x: %w", rv[0], err)
		}
	}
	return nil
}

// WriteFrame encodes the whole frame before sending the first row.
func (m *MAX7219) WriteFrame(ctx context.Context, frame Bitmap) error {
	w, h := m.Size()
	if frame.Width() != w || frame.Height() != h {
		return fmt.Errorf("max7219: frame is %dx%d, cascade is %dx%d", frame.Width(), frame.Height(), w, h)
	}
	packets := EncodeMAX7219(frame, m.modules)
	for row, pkt := range packets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.conn.Tx(pkt, nil); err != nil {
			return fmt.Errorf("max7219: row %d: %w", row, err)
		}
	}
	return nil
}

// Close blanks the display and releases the port if this cascade opened it.
func (m *MAX7219) Close() error {
	err := m.conn.Tx(m.broadcast(max7219RegShutdown, 0x00), nil)
	if m.port != nil {
		if cerr := m.port.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// broadcast writes the same register value to every module in one latch.
func (m *MAX7219) broadcast(reg, val byte) []byte {
	b := make([]byte, 0, 2*m.modules)
	for i := 0; i < m.modules; i++ {
		b = append(b, reg, val)
	}
	return b
}

// EncodeMAX7219 returns one SPI packet per row. Bytes shift through the chain,
// so each packet starts with the farthest module's (register, data) pair.
func EncodeMAX7219(frame Bitmap, modules int) [][]byte {
	packets := make([][]byte, frame.Height())
	for y := range packets {
		pkt := make([]byte, 0, 2*modules)
		for mod := modules - 1; mod >= 0; mod-- {
			pkt = append(pkt, byte(max7219RegDigit0+y), frame.RowByte(y, 8*mod))
		}
		packets[y] = pkt
	}
	return packets
}
