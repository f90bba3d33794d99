package features

// circle holds the 16 Bresenham offsets of radius 3 used by FAST.
var circle = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

const fastArc = 9

type corner struct {
	x, y  int
	score int
}

// fastScore returns the FAST-9 corner score at (x, y), or 0 when the pixel
// has no contiguous arc of 9 circle pixels all brighter or all darker than
// the centre by more than t.
func fastScore(p *plane, x, y, t int) int {
	c := p.at(x, y)
	var state [16]int8
	var diff [16]int
	bright, dark := 0, 0
	for i, o := range circle {
		v := p.at(x+o[0], y+o[1])
		switch {
		case v > c+t:
			state[i] = 1
			diff[i] = v - c - t
		case v < c-t:
			state[i] = -1
			diff[i] = c - v - t
		}
		if i%4 == 0 {
			switch state[i] {
			case 1:
				bright++
			case -1:
				dark++
			}
		}
	}
	// Any 9-pixel arc covers at least two of the four compass points.
	if bright < 2 && dark < 2 {
		return 0
	}

	best := 0
	for _, pol := range [2]int8{1, -1} {
		run, longest := 0, 0
		for i := 0; i < 2*len(circle); i++ {
			if state[i%16] == pol {
				run++
				if run > longest {
					longest = run
				}
			} else {
				run = 0
			}
		}
		if longest < fastArc {
			continue
		}
		score := 0
		for i := range state {
			if state[i] == pol {
				score += diff[i]
			}
		}
		if score > best {
			best = score
		}
	}
	return best
}

// detectFAST runs FAST-9 with 3x3 non-maximum suppression, ignoring pixels
// closer than border to an edge.
func detectFAST(p *plane, t, border int) []corner {
	if border < 3 {
		border = 3
	}
	scores := make([]int, p.w*p.h)
	for y := border; y < p.h-border; y++ {
		for x := border; x < p.w-border; x++ {
			scores[y*p.w+x] = fastScore(p, x, y, t)
		}
	}

	var out []corner
	for y := border; y < p.h-border; y++ {
		for x := border; x < p.w-border; x++ {
			idx := y*p.w + x
			s := scores[idx]
			if s == 0 || !isLocalMax(scores, p.w, x, y, s) {
				continue
			}
			out = append(out, corner{x: x, y: y, score: s})
		}
	}
	return out
}

// isLocalMax keeps the first pixel in scan order among equal neighbours.
func isLocalMax(scores []int, w, x, y, s int) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := scores[(y+dy)*w+x+dx]
			if n > s {
				return false
			}
			if n == s && (dy < 0 || (dy == 0 && dx < 0)) {
				return false
			}
		}
	}
	return true
}

// harrisResponse scores a corner with the Harris measure over a block.
func harrisResponse(p *plane, x, y, block int) float64 {
	r := block / 2
	var a, b, c float64
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			xx, yy := x+dx, y+dy
			ix := float64(p.at(xx+1, yy) - p.at(xx-1, yy))
			iy := float64(p.at(xx, yy+1) - p.at(xx, yy-1))
			a += ix * ix
			b += iy * iy
			c += ix * iy
		}
	}
	const k = 0.04
	return a*b - c*c - k*(a+b)*(a+b)
}
