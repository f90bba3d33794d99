// Package scantest builds deterministic synthetic sensor images for tests.
package scantest

import (
	"math/rand"

	"fingerauth/internal/scan"
)

// Texture returns a sensor-sized grid of smoothed, contrast-stretched noise
// quantized to the sensor's 16 gray levels. The same seed always yields the
// same grid.
func Texture(seed int64) *scan.Grid {
	rng := rand.New(rand.NewSource(seed))
	noise := make([]int, scan.Width*scan.Height)
	for i := range noise {
		noise[i] = rng.Intn(256)
	}
	g := scan.NewGrid(scan.Width, scan.Height)
	for y := 0; y < scan.Height; y++ {
		for x := 0; x < scan.Width; x++ {
			sum, n := 0, 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					xx, yy := x+dx, y+dy
					if xx < 0 || yy < 0 || xx >= scan.Width || yy >= scan.Height {
						continue
					}
					sum += noise[yy*scan.Width+xx]
					n++
				}
			}
			v := (sum/n-128)*2 + 128
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			g.Pix[y*scan.Width+x] = uint8(v) & 0xF0
		}
	}
	return g
}

// Shift translates g by (dx, dy). Pixels uncovered by the move take fill.
func Shift(g *scan.Grid, dx, dy int, fill uint8) *scan.Grid {
	out := scan.NewGrid(g.Width, g.Height)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			sx, sy := x-dx, y-dy
			if sx < 0 || sy < 0 || sx >= g.Width || sy >= g.Height {
				out.Pix[y*g.Width+x] = fill
				continue
			}
			out.Pix[y*g.Width+x] = g.Pix[sy*g.Width+sx]
		}
	}
	return out
}

// Blank returns a sensor-sized grid holding a single intensity.
func Blank(v uint8) *scan.Grid {
	g := scan.NewGrid(scan.Width, scan.Height)
	for i := range g.Pix {
		g.Pix[i] = v
	}
	return g
}

// Raw packs g into the sensor wire layout, panicking on a non-sensor grid.
func Raw(g *scan.Grid) scan.RawScan {
	raw, err := scan.Encode(g)
	if err != nil {
		panic(err)
	}
	return raw
}
