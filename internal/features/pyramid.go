package features

import (
	"math"

	"golang.org/x/exp/constraints"

	"fingerauth/internal/scan"
)

// plane is a single pyramid level.
type plane struct {
	w, h int
	pix  []uint8
}

func (p *plane) at(x, y int) int { return int(p.pix[y*p.w+x]) }

func clampTo[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// buildPyramid downsamples g by scale per level. Levels too small to hold
// a keypoint window are dropped.
func buildPyramid(g *scan.Grid, levels int, scale float64, minSide int) []*plane {
	base := &plane{w: g.Width, h: g.Height, pix: append([]uint8(nil), g.Pix...)}
	pyr := []*plane{base}
	for l := 1; l < levels; l++ {
		s := math.Pow(scale, float64(l))
		w := int(math.Round(float64(g.Width) / s))
		h := int(math.Round(float64(g.Height) / s))
		if w < minSide || h < minSide {
			break
		}
		pyr = append(pyr, resize(base, w, h))
	}
	return pyr
}

// resize resamples src to w x h with bilinear interpolation.
func resize(src *plane, w, h int) *plane {
	dst := &plane{w: w, h: h, pix: make([]uint8, w*h)}
	sx := float64(src.w) / float64(w)
	sy := float64(src.h) / float64(h)
	for y := 0; y < h; y++ {
		fy := clampTo((float64(y)+0.5)*sy-0.5, 0, float64(src.h-1))
		y0 := int(fy)
		y1 := clampTo(y0+1, 0, src.h-1)
		wy := fy - float64(y0)
		for x := 0; x < w; x++ {
			fx := clampTo((float64(x)+0.5)*sx-0.5, 0, float64(src.w-1))
			x0 := int(fx)
			x1 := clampTo(x0+1, 0, src.w-1)
			wx := fx - float64(x0)
			top := float64(src.at(x0, y0))*(1-wx) + float64(src.at(x1, y0))*wx
			bot := float64(src.at(x0, y1))*(1-wx) + float64(src.at(x1, y1))*wx
			dst.pix[y*w+x] = uint8(clampTo(math.Round(top*(1-wy)+bot*wy), 0, 255))
		}
	}
	return dst
}

// gaussianKernel returns a normalized 1-D kernel of the given radius.
func gaussianKernel(radius int, sigma float64) []float64 {
	k := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+radius] = v
		sum += v
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// blur applies a separable Gaussian with replicated borders.
func blur(src *plane, radius int, sigma float64) *plane {
	k := gaussianKernel(radius, sigma)
	tmp := make([]float64, src.w*src.h)
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			acc := 0.0
			for i := -radius; i <= radius; i++ {
				acc += k[i+radius] * float64(src.at(clampTo(x+i, 0, src.w-1), y))
			}
			tmp[y*src.w+x] = acc
		}
	}
	dst := &plane{w: src.w, h: src.h, pix: make([]uint8, src.w*src.h)}
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			acc := 0.0
			for i := -radius; i <= radius; i++ {
				acc += k[i+radius] * tmp[clampTo(y+i, 0, src.h-1)*src.w+x]
			}
			dst.pix[y*src.w+x] = uint8(clampTo(math.Round(acc), 0, 255))
		}
	}
	return dst
}
