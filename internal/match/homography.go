package match

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Point is a 2-D image location.
type Point struct {
	X, Y float64
}

// Homography is a row-major 3x3 perspective transform with H[8] == 1.
type Homography [9]float64

// Identity is the homography that maps every point to itself.
var Identity = Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Apply maps p through h. It returns false for points sent to infinity.
func (h Homography) Apply(p Point) (Point, bool) {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if math.Abs(w) < 1e-12 {
		return Point{}, false
	}
	return Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}, true
}

func mul3(a, b Homography) Homography {
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = a[r*3]*b[c] + a[r*3+1]*b[3+c] + a[r*3+2]*b[6+c]
		}
	}
	return out
}

// normalize returns a similarity that moves the centroid of pts to the
// origin with mean distance sqrt(2), its inverse, and the mapped points.
func normalize(pts []Point) (t, inv Homography, out []Point, ok bool) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n
	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= n
	if mean < 1e-9 {
		return t, inv, nil, false
	}
	s := math.Sqrt2 / mean
	t = Homography{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}
	inv = Homography{1 / s, 0, cx, 0, 1 / s, cy, 0, 0, 1}
	out = make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Point{X: s * (p.X - cx), Y: s * (p.Y - cy)}
	}
	return t, inv, out, true
}

// fitHomography solves the direct linear transform mapping src onto dst.
// Four pairs give an exact solution; more pairs give the least squares fit.
func fitHomography(src, dst []Point) (Homography, bool) {
	n := len(src)
	if n < 4 || len(dst) != n {
		return Homography{}, false
	}
	ts, _, ns, ok := normalize(src)
	if !ok {
		return Homography{}, false
	}
	_, tdInv, nd, ok := normalize(dst)
	if !ok {
		return Homography{}, false
	}

	a := mat.NewDense(2*n, 8, nil)
	b := mat.NewVecDense(2*n, nil)
	for i := 0; i < n; i++ {
		x, y := ns[i].X, ns[i].Y
		u, v := nd[i].X, nd[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}
	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return Homography{}, false
	}
	var hn Homography
	for i := 0; i < 8; i++ {
		hn[i] = sol.AtVec(i)
	}
	hn[8] = 1

	h := mul3(mul3(tdInv, hn), ts)
	if math.Abs(h[8]) < 1e-12 {
		return Homography{}, false
	}
	for i := range h {
		h[i] /= h[8]
		if math.IsNaN(h[i]) || math.IsInf(h[i], 0) {
			return Homography{}, false
		}
	}
	return h, true
}

func cross(a, b, c Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

// goodSample rejects minimal samples with collinear triples or whose
// triangle orientations flip between the two images.
func goodSample(src, dst []Point) bool {
	const minArea = 1.0
	for i := 0; i < len(src); i++ {
		for j := i + 1; j < len(src); j++ {
			for k := j + 1; k < len(src); k++ {
				cs := cross(src[i], src[j], src[k])
				cd := cross(dst[i], dst[j], dst[k])
				if math.Abs(cs) < minArea || math.Abs(cd) < minArea {
					return false
				}
				if (cs > 0) != (cd > 0) {
					return false
				}
			}
		}
	}
	return true
}
