package features

import (
	"fmt"
	"math"
	"sort"

	"github.com/emirpasic/gods/trees/binaryheap"

	"fingerauth/internal/scan"
)

// Config tunes keypoint detection.
type Config struct {
	MaxFeatures   int     `json:"max_features" toml:"max_features" default:"1500" validate:"gt=0"`
	Levels        int     `json:"levels" toml:"levels" default:"4" validate:"gte=1,lte=8"`
	ScaleFactor   float64 `json:"scale_factor" toml:"scale_factor" default:"1.2" validate:"gt=1"`
	FastThreshold int     `json:"fast_threshold" toml:"fast_threshold" default:"20" validate:"gt=0,lt=255"`
	EdgeThreshold int     `json:"edge_threshold" toml:"edge_threshold" default:"19" validate:"gte=0"`
}

// DefaultConfig returns the settings used for enrollment and matching.
func DefaultConfig() Config {
	return Config{
		MaxFeatures:   1500,
		Levels:        4,
		ScaleFactor:   1.2,
		FastThreshold: 20,
		EdgeThreshold: 19,
	}
}

const (
	harrisBlock = 7
	blurRadius  = 2
	blurSigma   = 2.0
)

// Extractor turns grids into feature sets. It holds no mutable state and is
// safe for concurrent use.
type Extractor struct {
	cfg Config
}

// NewExtractor fills unset fields of cfg with defaults.
func NewExtractor(cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.MaxFeatures <= 0 {
		cfg.MaxFeatures = def.MaxFeatures
	}
	if cfg.Levels <= 0 {
		cfg.Levels = def.Levels
	}
	if cfg.ScaleFactor <= 1 {
		cfg.ScaleFactor = def.ScaleFactor
	}
	if cfg.FastThreshold <= 0 {
		cfg.FastThreshold = def.FastThreshold
	}
	if cfg.EdgeThreshold <= 0 {
		cfg.EdgeThreshold = def.EdgeThreshold
	}
	return &Extractor{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Extractor) Config() Config { return e.cfg }

// scored is a keypoint candidate waiting for retention.
type scored struct {
	idx      int
	response float64
}

// weaker orders candidates by response, then by discovery order so that
// retention is deterministic.
func weaker(a, b scored) int {
	switch {
	case a.response < b.response:
		return -1
	case a.response > b.response:
		return 1
	case a.idx > b.idx:
		return -1
	case a.idx < b.idx:
		return 1
	}
	return 0
}

// strongest returns the k candidates with the highest response.
func strongest(items []scored, k int) []scored {
	if len(items) <= k {
		return items
	}
	h := binaryheap.NewWith(func(a, b interface{}) int {
		return weaker(a.(scored), b.(scored))
	})
	for _, it := range items {
		if h.Size() < k {
			h.Push(it)
			continue
		}
		top, _ := h.Peek()
		if weaker(it, top.(scored)) > 0 {
			h.Pop()
			h.Push(it)
		}
	}
	out := make([]scored, 0, k)
	for h.Size() > 0 {
		v, _ := h.Pop()
		out = append(out, v.(scored))
	}
	return out
}

// levelQuotas spreads the feature budget geometrically across levels.
func levelQuotas(total, levels int, scale float64) []int {
	factor := 1 / scale
	per := float64(total) * (1 - factor) / (1 - math.Pow(factor, float64(levels)))
	quotas := make([]int, levels)
	sum := 0
	for l := 0; l < levels-1; l++ {
		quotas[l] = int(math.Round(per))
		sum += quotas[l]
		per *= factor
	}
	if rest := total - sum; rest > 0 {
		quotas[levels-1] = rest
	}
	return quotas
}

// Extract detects keypoints and computes descriptors. A grid without any
// detectable corner yields an empty set and a nil error; use Err on the
// result to turn that into ErrNoFeatures.
func (e *Extractor) Extract(g *scan.Grid) (*FeatureSet, error) {
	if !g.Valid() {
		return nil, ErrInvalidGrid
	}
	border := e.cfg.EdgeThreshold
	if border < patchRadius+1 {
		border = patchRadius + 1
	}
	pyr := buildPyramid(g, e.cfg.Levels, e.cfg.ScaleFactor, 2*border+1)
	quotas := levelQuotas(e.cfg.MaxFeatures, len(pyr), e.cfg.ScaleFactor)

	fs := &FeatureSet{Width: g.Width, Height: g.Height}
	for level, p := range pyr {
		corners := detectFAST(p, e.cfg.FastThreshold, border)
		if len(corners) == 0 {
			continue
		}
		cands := make([]scored, len(corners))
		for i, c := range corners {
			cands[i] = scored{idx: i, response: harrisResponse(p, c.x, c.y, harrisBlock)}
		}
		kept := strongest(cands, quotas[level])
		sort.Slice(kept, func(i, j int) bool { return kept[i].idx < kept[j].idx })

		smooth := blur(p, blurRadius, blurSigma)
		scale := math.Pow(e.cfg.ScaleFactor, float64(level))
		for _, k := range kept {
			c := corners[k.idx]
			angle := orientation(p, c.x, c.y)
			deg := angle * 180 / math.Pi
			if deg < 0 {
				deg += 360
			}
			fs.Keypoints = append(fs.Keypoints, Keypoint{
				X:        float64(c.x) * scale,
				Y:        float64(c.y) * scale,
				Angle:    deg,
				Response: k.response,
				Octave:   level,
				Size:     patchSize * scale,
			})
			fs.Descriptors = append(fs.Descriptors, describe(smooth, c.x, c.y, angle))
		}
	}
	if fs.Len() > e.cfg.MaxFeatures {
		retain(fs, e.cfg.MaxFeatures)
	}
	return fs, nil
}

// retain trims fs to its n strongest features, preserving detection order.
func retain(fs *FeatureSet, n int) {
	cands := make([]scored, fs.Len())
	for i, kp := range fs.Keypoints {
		cands[i] = scored{idx: i, response: kp.Response}
	}
	kept := strongest(cands, n)
	sort.Slice(kept, func(i, j int) bool { return kept[i].idx < kept[j].idx })
	kps := make([]Keypoint, len(kept))
	descs := make([]Descriptor, len(kept))
	for i, k := range kept {
		kps[i] = fs.Keypoints[k.idx]
		descs[i] = fs.Descriptors[k.idx]
	}
	fs.Keypoints, fs.Descriptors = kps, descs
}

// String summarizes the set for logs.
func (fs *FeatureSet) String() string {
	if fs == nil {
		return "features(nil)"
	}
	return fmt.Sprintf("features(%d @ %dx%d)", fs.Len(), fs.Width, fs.Height)
}
