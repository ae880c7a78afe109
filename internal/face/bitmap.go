// Package face holds the expression catalog and renders expressions onto the
// LED matrix.
package face

import (
	"fmt"
	"strings"
)

// Bitmap is an immutable grid of on/off cells, row-major with (0,0) at the
// top left.
type Bitmap struct {
	w, h int
	px   []bool
}

// BlankBitmap returns an all-off bitmap of the given size.
func BlankBitmap(w, h int) Bitmap {
	return Bitmap{w: w, h: h, px: make([]bool, w*h)}
}

// ParseBitmap builds a bitmap from text rows. '#', '1', 'X' and 'x' are lit
// cells; '.', '0' and '-' are dark. Spaces are ignored so rows can be grouped
// per 8×8 module. All rows must have the same width.
func ParseBitmap(rows []string) (Bitmap, error) {
	if len(rows) == 0 {
		return Bitmap{}, fmt.Errorf("bitmap has no rows")
	}
	b := Bitmap{h: len(rows)}
	for y, row := range rows {
		row = strings.ReplaceAll(row, " ", "")
		if y == 0 {
			b.w = len(row)
			if b.w == 0 {
				return Bitmap{}, fmt.Errorf("bitmap row 0 is empty")
			}
			b.px = make([]bool, b.w*b.h)
		}
		if len(row) != b.w {
			return Bitmap{}, fmt.Errorf("bitmap row %d has width %d, want %d", y, len(row), b.w)
		}
		for x, c := range row {
			switch c {
			case '#', '1', 'X', 'x':
				b.px[y*b.w+x] = true
			case '.', '0', '-':
			default:
				return Bitmap{}, fmt.Errorf("bitmap row %d: invalid cell %q", y, c)
			}
		}
	}
	return b, nil
}

// MustParseBitmap is ParseBitmap for built-in bitmaps. It panics on error.
func MustParseBitmap(rows ...string) Bitmap {
	b, err := ParseBitmap(rows)
	if err != nil {
		panic(err)
	}
	return b
}

func (b Bitmap) Width() int  { return b.w }
func (b Bitmap) Height() int { return b.h }

// At reports whether the cell at (x, y) is lit. Out-of-range cells are dark.
func (b Bitmap) At(x, y int) bool {
	if x < 0 || y < 0 || x >= b.w || y >= b.h {
		return false
	}
	return b.px[y*b.w+x]
}

// Lit counts lit cells.
func (b Bitmap) Lit() int {
	n := 0
	for _, on := range b.px {
		if on {
			n++
		}
	}
	return n
}

// Equal reports whether b and o have the same size and cells.
func (b Bitmap) Equal(o Bitmap) bool {
	if b.w != o.w || b.h != o.h {
		return false
	}
	for i := range b.px {
		if b.px[i] != o.px[i] {
			return false
		}
	}
	return true
}

// RowByte packs the 8 cells of row y starting at column x0, leftmost cell in
// the most significant bit.
func (b Bitmap) RowByte(y, x0 int) byte {
	var v byte
	for i := 0; i < 8; i++ {
		if b.At(x0+i, y) {
			v |= 0x80 >> i
		}
	}
	return v
}

// Rows renders the bitmap back to text rows using '#' and '.'.
func (b Bitmap) Rows() []string {
	rows := make([]string, b.h)
	var sb strings.Builder
	for y := 0; y < b.h; y++ {
		sb.Reset()
		for x := 0; x < b.w; x++ {
			if b.At(x, y) {
				sb.WriteByte('#')
			} else {
				sb.WriteByte('.')
			}
		}
		rows[y] = sb.String()
	}
	return rows
}

func (b Bitmap) String() string {
	return strings.Join(b.Rows(), "\n")
}
