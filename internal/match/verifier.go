package match

import (
	"math"
	"math/rand"

	"fingerauth/internal/features"
)

const (
	// DefaultMinMatches is the evidence gate applied to both raw matches
	// and geometric inliers.
	DefaultMinMatches = 10
	// DefaultReprojThreshold is the inlier tolerance in pixels.
	DefaultReprojThreshold = 5.0

	defaultMaxIterations = 2000
	defaultConfidence    = 0.995
	defaultSeed          = 0x5eed
	sampleSize           = 4
)

// Result is the outcome of geometric verification.
type Result struct {
	Match      bool
	Candidates int
	Inliers    int
	Found      bool
	// Insufficient is set when too few candidates existed to attempt a fit.
	Insufficient bool
	Homography   Homography
	// Mask flags which candidate matches are inliers.
	Mask []bool
}

// Verifier fits a homography between matched keypoints with RANSAC.
// Runs are deterministic for a given Seed.
type Verifier struct {
	MinMatches      int
	ReprojThreshold float64
	MaxIterations   int
	Confidence      float64
	Seed            int64
}

// NewVerifier returns a verifier with the standard thresholds.
func NewVerifier() *Verifier {
	return &Verifier{
		MinMatches:      DefaultMinMatches,
		ReprojThreshold: DefaultReprojThreshold,
		MaxIterations:   defaultMaxIterations,
		Confidence:      defaultConfidence,
		Seed:            defaultSeed,
	}
}

func (v *Verifier) minMatches() int {
	if v.MinMatches <= 0 {
		return DefaultMinMatches
	}
	return v.MinMatches
}

// Verify checks whether matches between a and b agree on a single
// perspective transform from a to b.
func (v *Verifier) Verify(a, b *features.FeatureSet, matches MatchSet) Result {
	if len(matches) <= v.minMatches() {
		return Result{Candidates: len(matches), Insufficient: true}
	}
	src := make([]Point, len(matches))
	dst := make([]Point, len(matches))
	for i, m := range matches {
		ka, kb := a.Keypoints[m.Query], b.Keypoints[m.Train]
		src[i] = Point{X: ka.X, Y: ka.Y}
		dst[i] = Point{X: kb.X, Y: kb.Y}
	}
	return v.VerifyPoints(src, dst)
}

// VerifyPoints runs the same gate over explicit correspondences.
func (v *Verifier) VerifyPoints(src, dst []Point) Result {
	n := len(src)
	res := Result{Candidates: n}
	if n <= v.minMatches() || len(dst) != n {
		res.Insufficient = true
		return res
	}
	h, mask, count, ok := v.ransac(src, dst)
	if !ok {
		return res
	}
	res.Found = true
	res.Homography = h
	res.Mask = mask
	res.Inliers = count
	res.Match = count > v.minMatches()
	return res
}

func (v *Verifier) ransac(src, dst []Point) (Homography, []bool, int, bool) {
	n := len(src)
	if n < sampleSize {
		return Homography{}, nil, 0, false
	}
	thr := v.ReprojThreshold
	if thr <= 0 {
		thr = DefaultReprojThreshold
	}
	maxIter := v.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	conf := v.Confidence
	if conf <= 0 || conf >= 1 {
		conf = defaultConfidence
	}
	seed := v.Seed
	if seed == 0 {
		seed = defaultSeed
	}
	rng := rand.New(rand.NewSource(seed))

	var (
		best      Homography
		bestMask  []bool
		bestCount int
		idx       [sampleSize]int
		ss        = make([]Point, sampleSize)
		ds        = make([]Point, sampleSize)
	)
	for iter := 0; iter < maxIter; iter++ {
		pick(rng, n, idx[:])
		for i, j := range idx {
			ss[i], ds[i] = src[j], dst[j]
		}
		if !goodSample(ss, ds) {
			continue
		}
		h, ok := fitHomography(ss, ds)
		if !ok {
			continue
		}
		mask, count := inliers(h, src, dst, thr)
		if count > bestCount {
			best, bestMask, bestCount = h, mask, count
			maxIter = min(maxIter, iterationsFor(conf, float64(n-count)/float64(n), maxIter))
		}
	}
	if bestCount < sampleSize {
		return Homography{}, nil, 0, false
	}

	// Refit on the consensus set and keep it when it does not lose support.
	var is, id []Point
	for i, in := range bestMask {
		if in {
			is = append(is, src[i])
			id = append(id, dst[i])
		}
	}
	if h, ok := fitHomography(is, id); ok {
		if mask, count := inliers(h, src, dst, thr); count >= bestCount {
			best, bestMask, bestCount = h, mask, count
		}
	}
	return best, bestMask, bestCount, true
}

// pick fills idx with distinct random indices below n.
func pick(rng *rand.Rand, n int, idx []int) {
	for i := range idx {
	retry:
		for {
			c := rng.Intn(n)
			for _, prev := range idx[:i] {
				if prev == c {
					continue retry
				}
			}
			idx[i] = c
			break
		}
	}
}

func inliers(h Homography, src, dst []Point, thr float64) ([]bool, int) {
	mask := make([]bool, len(src))
	count := 0
	limit := thr * thr
	for i := range src {
		p, ok := h.Apply(src[i])
		if !ok {
			continue
		}
		dx, dy := p.X-dst[i].X, p.Y-dst[i].Y
		if dx*dx+dy*dy <= limit {
			mask[i] = true
			count++
		}
	}
	return mask, count
}

// iterationsFor returns how many samples are needed to draw one outlier
// free sample with the given confidence at outlier ratio ep.
func iterationsFor(conf, ep float64, maxIter int) int {
	ep = math.Max(ep, 0)
	ep = math.Min(ep, 1)
	num := math.Log(1 - conf)
	denom := math.Log(1 - math.Pow(1-ep, sampleSize))
	if denom >= 0 || -num >= float64(maxIter)*(-denom) {
		return maxIter
	}
	return int(math.Round(num / denom))
}
