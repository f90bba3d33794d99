// Package scan converts the packed 4-bit buffers streamed by optical
// fingerprint sensors into 8-bit intensity grids.
package scan

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

const (
	// Width and Height describe the sensor image in pixels.
	Width  = 256
	Height = 288
	// RawSize is the length of a packed scan: two pixels per byte.
	RawSize = Width * Height / 2
)

// ErrMalformedScan reports a raw buffer that is not exactly RawSize bytes.
var ErrMalformedScan = errors.New("malformed scan")

// RawScan is the packed buffer read from the sensor image buffer.
type RawScan []byte

// Grid is a row-major 8-bit grayscale image.
type Grid struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewGrid allocates a zeroed grid.
func NewGrid(width, height int) *Grid {
	return &Grid{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// Decode unpacks a raw scan. Each byte yields two pixels: the high nibble
// kept in place (v & 0xF0) followed by the low nibble shifted up ((v & 0x0F) << 4).
func Decode(raw RawScan) (*Grid, error) {
	if len(raw) != RawSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedScan, len(raw), RawSize)
	}
	g := NewGrid(Width, Height)
	for i, v := range raw {
		g.Pix[2*i] = v & 0xF0
		g.Pix[2*i+1] = (v & 0x0F) << 4
	}
	return g, nil
}

// Encode packs a sensor-sized grid back into the raw wire layout. The low
// nibble of every pixel is discarded.
func Encode(g *Grid) (RawScan, error) {
	if g == nil || g.Width != Width || g.Height != Height || len(g.Pix) != Width*Height {
		return nil, fmt.Errorf("%w: grid is not %dx%d", ErrMalformedScan, Width, Height)
	}
	raw := make(RawScan, RawSize)
	for i := range raw {
		raw[i] = g.Pix[2*i]&0xF0 | g.Pix[2*i+1]>>4
	}
	return raw, nil
}

// Valid reports whether the grid dimensions agree with its pixel buffer.
func (g *Grid) Valid() bool {
	return g != nil && g.Width > 0 && g.Height > 0 && len(g.Pix) == g.Width*g.Height
}

// At returns the intensity at (x, y). Out of range reads return 0.
func (g *Grid) At(x, y int) uint8 {
	if x < 0 || y < 0 || x >= g.Width || y >= g.Height {
		return 0
	}
	return g.Pix[y*g.Width+x]
}

// Set writes the intensity at (x, y), ignoring out of range writes.
func (g *Grid) Set(x, y int, v uint8) {
	if x < 0 || y < 0 || x >= g.Width || y >= g.Height {
		return
	}
	g.Pix[y*g.Width+x] = v
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	c := NewGrid(g.Width, g.Height)
	copy(c.Pix, g.Pix)
	return c
}

// Equal reports whether both grids hold identical pixels.
func (g *Grid) Equal(o *Grid) bool {
	if g == nil || o == nil {
		return g == o
	}
	if g.Width != o.Width || g.Height != o.Height || len(g.Pix) != len(o.Pix) {
		return false
	}
	for i := range g.Pix {
		if g.Pix[i] != o.Pix[i] {
			return false
		}
	}
	return true
}

// Gray exposes the grid as an image.Gray sharing the pixel buffer.
func (g *Grid) Gray() *image.Gray {
	return &image.Gray{
		Pix:    g.Pix,
		Stride: g.Width,
		Rect:   image.Rect(0, 0, g.Width, g.Height),
	}
}

// FromImage converts any image to a grid using the standard luma weights.
func FromImage(img image.Image) *Grid {
	b := img.Bounds()
	g := NewGrid(b.Dx(), b.Dy())
	if gray, ok := img.(*image.Gray); ok {
		for y := 0; y < g.Height; y++ {
			off := gray.PixOffset(b.Min.X, b.Min.Y+y)
			copy(g.Pix[y*g.Width:(y+1)*g.Width], gray.Pix[off:off+g.Width])
		}
		return g
	}
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			c := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			g.Pix[y*g.Width+x] = c.Y
		}
	}
	return g
}
