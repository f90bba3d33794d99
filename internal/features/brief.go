package features

import (
	"math"
	"math/rand"
)

const (
	patchSize   = 31
	patchRadius = patchSize / 2
	// patternRadius bounds every sampling point so the rotated pattern
	// never leaves the patch.
	patternRadius = 13
	patternSeed   = 0x0f1a6e5d
)

type samplePair struct {
	x1, y1, x2, y2 float64
}

// pattern is the fixed set of intensity comparisons shared by every
// descriptor. It must never change once templates have been enrolled.
var pattern = makePattern(DescriptorBits, patternSeed)

// umax[v] is the half-width of the circular patch at row offset v.
var umax = makeUmax(patchRadius)

func makePattern(n int, seed int64) []samplePair {
	rng := rand.New(rand.NewSource(seed))
	sigma := float64(patchSize) / 5
	sample := func() (float64, float64) {
		for {
			x := rng.NormFloat64() * sigma
			y := rng.NormFloat64() * sigma
			if x*x+y*y <= patternRadius*patternRadius {
				return math.Round(x), math.Round(y)
			}
		}
	}
	out := make([]samplePair, 0, n)
	for len(out) < n {
		x1, y1 := sample()
		x2, y2 := sample()
		if x1 == x2 && y1 == y2 {
			continue
		}
		out = append(out, samplePair{x1: x1, y1: y1, x2: x2, y2: y2})
	}
	return out
}

func makeUmax(r int) []int {
	u := make([]int, r+1)
	for v := 0; v <= r; v++ {
		u[v] = int(math.Floor(math.Sqrt(float64(r*r - v*v))))
	}
	return u
}

// orientation returns the intensity centroid angle of the circular patch
// around (x, y), in radians.
func orientation(p *plane, x, y int) float64 {
	var m01, m10 int
	for v := -patchRadius; v <= patchRadius; v++ {
		d := umax[absInt(v)]
		for u := -d; u <= d; u++ {
			val := p.at(x+u, y+v)
			m10 += u * val
			m01 += v * val
		}
	}
	return math.Atan2(float64(m01), float64(m10))
}

// describe computes the steered binary descriptor at (x, y) on a smoothed plane.
func describe(smooth *plane, x, y int, angle float64) Descriptor {
	var d Descriptor
	cos, sin := math.Cos(angle), math.Sin(angle)
	for i, pr := range pattern {
		x1 := x + int(math.Round(pr.x1*cos-pr.y1*sin))
		y1 := y + int(math.Round(pr.x1*sin+pr.y1*cos))
		x2 := x + int(math.Round(pr.x2*cos-pr.y2*sin))
		y2 := y + int(math.Round(pr.x2*sin+pr.y2*cos))
		if smooth.at(x1, y1) < smooth.at(x2, y2) {
			d[i/64] |= 1 << uint(i%64)
		}
	}
	return d
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
