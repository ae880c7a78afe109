package face

import (
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/tofeyes/internal/faults"
)

// Expression is a named bitmap. A non-zero DefaultHold is the minimum time the
// expression stays up once committed, and its frame time in animations.
type Expression struct {
	Name        string        `json:"name"`
	Bitmap      Bitmap        `json:"-"`
	DefaultHold time.Duration `json:"default_hold"`
}

// Catalog is a read-only set of expressions that all match one matrix size.
type Catalog struct {
	width, height int
	exprs         map[string]Expression
	names         []string
}

// NewCatalog builds a catalog for a width×height matrix. Names must be unique
// and non-empty and every bitmap must match the matrix size.
func NewCatalog(width, height int, exprs ...Expression) (*Catalog, error) {
	if width <= 0 || height <= 0 || width%8 != 0 {
		return nil, fmt.Errorf("invalid matrix size %dx%d: width must be a positive multiple of 8", width, height)
	}
	c := &Catalog{width: width, height: height, exprs: make(map[string]Expression, len(exprs))}
	for _, e := range exprs {
		if e.Name == "" {
			return nil, fmt.Errorf("expression with empty name")
		}
		if _, dup := c.exprs[e.Name]; dup {
			return nil, fmt.Errorf("duplicate expression %q", e.Name)
		}
		if e.Bitmap.Width() != width || e.Bitmap.Height() != height {
			return nil, fmt.Errorf("expression %q is %dx%d, matrix is %dx%d",
				e.Name, e.Bitmap.Width(), e.Bitmap.Height(), width, height)
		}
		if e.DefaultHold < 0 {
			return nil, fmt.Errorf("expression %q has negative hold", e.Name)
		}
		c.exprs[e.Name] = e
		c.names = append(c.names, e.Name)
	}
	if len(c.exprs) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	sort.Strings(c.names)
	return c, nil
}

// Size returns the matrix size the catalog was built for.
func (c *Catalog) Size() (width, height int) { return c.width, c.height }

// Names returns the expression names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Has reports whether name is in the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.exprs[name]
	return ok
}

// Get returns the named expression or a faults.KindExpressionNotFound error.
func (c *Catalog) Get(name string) (Expression, error) {
	e, ok := c.exprs[name]
	if !ok {
		return Expression{}, faults.Errorf(faults.KindExpressionNotFound, "face.lookup", "%q", name)
	}
	return e, nil
}

// Blank returns an all-off frame of the catalog's size.
func (c *Catalog) Blank() Bitmap { return BlankBitmap(c.width, c.height) }

// DefaultWidth and DefaultHeight describe two cascaded 8×8 modules, one per eye.
const (
	DefaultWidth  = 16
	DefaultHeight = 8
)

// DefaultExpressions returns the built-in 16×8 eye expressions.
func DefaultExpressions() []Expression {
	return []Expression{
		{Name: "normal", Bitmap: MustParseBitmap(
			"..####.. ..####..",
			".#....#. .#....#.",
			"#......# #......#",
			"#......# #......#",
			"#......# #......#",
			"#......# #......#",
			".#....#. .#....#.",
			"..####.. ..####..",
		)},
		{Name: "happy", Bitmap: MustParseBitmap(
			"..####.. ..####..",
			".#....#. .#....#.",
			"#......# #......#",
			"#......# #......#",
			"#..##..# #..##..#",
			".##..##. .##..##.",
			"........ ........",
			"........ ........",
		)},
		{Name: "sad", Bitmap: MustParseBitmap(
			"..####.. ..####..",
			".#....#. .#....#.",
			"#......# #......#",
			"#......# #......#",
			".#....#. .#....#.",
			"..#..#.. ..#..#..",
			"...##... ...##...",
			"........ ........",
		)},
		{Name: "wink", Bitmap: MustParseBitmap(
			"..####.. ........",
			".#....#. ........",
			"#......# ..####..",
			"#......# .#....#.",
			"#......# #......#",
			"#......# ........",
			".#....#. ........",
			"..####.. ........",
		)},
		{Name: "love", Bitmap: MustParseBitmap(
			"........ ........",
			".##..##. .##..##.",
			"######## ########",
			"######## ########",
			".######. .######.",
			"..####.. ..####..",
			"...##... ...##...",
			"........ ........",
		)},
		{Name: "closed", Bitmap: MustParseBitmap(
			"........ ........",
			"........ ........",
			"........ ........",
			"######## ########",
			"######## ########",
			"........ ........",
			"........ ........",
			"........ ........",
		)},
		{Name: "off", Bitmap: BlankBitmap(DefaultWidth, DefaultHeight)},
	}
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultWidth, DefaultHeight, DefaultExpressions()...)
	if err != nil {
		panic(err)
	}
	return c
}

// Holds returns the non-zero DefaultHold of each expression, keyed by name.
func (c *Catalog) Holds() map[string]time.Duration {
	holds := make(map[string]time.Duration)
	for name, e := range c.exprs {
		if e.DefaultHold > 0 {
			holds[name] = e.DefaultHold
		}
	}
	return holds
}
