package face

import (
	"context"
	"fmt"
	"sync"
)

// Matrix is an LED matrix attached to an exclusive bus.
type Matrix interface {
	// Size returns the matrix dimensions in cells.
	Size() (width, height int)
	// Init configures the display controller. It is called before the first
	// frame and again after a failed write.
	Init(ctx context.Context) error
	// WriteFrame replaces the whole displayed frame.
	WriteFrame(ctx context.Context, frame Bitmap) error
}

// CheckFit reports an error when the catalog was built for a different size
// than the matrix.
func CheckFit(c *Catalog, m Matrix) error {
	cw, ch := c.Size()
	mw, mh := m.Size()
	if cw != mw || ch != mh {
		return fmt.Errorf("catalog is %dx%d but matrix is %dx%d", cw, ch, mw, mh)
	}
	return nil
}

// MemoryMatrix records frames in memory. It backs dev mode and tests.
type MemoryMatrix struct {
	mu       sync.Mutex
	w, h     int
	frames   []Bitmap
	inits    int
	failNext []error
	closed   bool
}

// NewMemoryMatrix returns an in-memory matrix of the given size.
func NewMemoryMatrix(w, h int) *MemoryMatrix {
	return &MemoryMatrix{w: w, h: h}
}

func (m *MemoryMatrix) Size() (int, int) { return m.w, m.h }

func (m *MemoryMatrix) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits++
	return ctx.Err()
}

func (m *MemoryMatrix) WriteFrame(ctx context.Context, frame Bitmap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("matrix closed")
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if frame.Width() != m.w || frame.Height() != m.h {
		return fmt.Errorf("frame is %dx%d, matrix is %dx%d", frame.Width(), frame.Height(), m.w, m.h)
	}
	m.frames = append(m.frames, frame)
	return nil
}

// Close marks the matrix closed; later writes fail.
func (m *MemoryMatrix) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailWrites makes the next len(errs) writes fail with errs in order.
func (m *MemoryMatrix) FailWrites(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

// Frames returns every frame written so far.
func (m *MemoryMatrix) Frames() []Bitmap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Bitmap(nil), m.frames...)
}

// Last returns the most recent frame.
func (m *MemoryMatrix) Last() (Bitmap, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frames) == 0 {
		return Bitmap{}, false
	}
	return m.frames[len(m.frames)-1], true
}

// Inits reports how many times Init was called.
func (m *MemoryMatrix) Inits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inits
}
