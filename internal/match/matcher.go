// Package match pairs descriptors between two feature sets, verifies the
// pairs geometrically and turns the outcome into a match decision.
package match

import (
	"fmt"
	"math"

	"fingerauth/internal/features"
)

const (
	// DefaultRatio is the nearest/second-nearest acceptance ratio.
	DefaultRatio = 0.75
	// DefaultMaxDistance is the Hamming cutoff for mutual nearest neighbours.
	DefaultMaxDistance = 57
)

// Strategy names a descriptor matching strategy.
type Strategy string

const (
	StrategyRatio  Strategy = "ratio"
	StrategyMutual Strategy = "mutual"
)

// Match links descriptor Query in the first set to Train in the second.
type Match struct {
	Query    int
	Train    int
	Distance int
}

// MatchSet is the list of candidate correspondences for one comparison.
type MatchSet []Match

// Matcher produces candidate correspondences between two feature sets.
type Matcher interface {
	Match(a, b *features.FeatureSet) MatchSet
}

// NewMatcher builds the matcher for a strategy. Zero ratio and distance
// select the defaults.
func NewMatcher(s Strategy, ratio float64, maxDistance int) (Matcher, error) {
	switch s {
	case StrategyRatio, "":
		if ratio <= 0 {
			ratio = DefaultRatio
		}
		return RatioMatcher{Ratio: ratio}, nil
	case StrategyMutual:
		if maxDistance <= 0 {
			maxDistance = DefaultMaxDistance
		}
		return MutualMatcher{MaxDistance: maxDistance}, nil
	default:
		return nil, fmt.Errorf("unknown match strategy %q", s)
	}
}

// neighbours holds the two closest train descriptors for one query.
type neighbours struct {
	best, second       int
	bestIdx, secondIdx int
}

// nearestTwo scans b for the two descriptors closest to d. Ties keep the
// lower index as best.
func nearestTwo(d features.Descriptor, b []features.Descriptor) neighbours {
	n := neighbours{best: math.MaxInt, second: math.MaxInt, bestIdx: -1, secondIdx: -1}
	for j, o := range b {
		dist := d.Distance(o)
		switch {
		case dist < n.best:
			n.second, n.secondIdx = n.best, n.bestIdx
			n.best, n.bestIdx = dist, j
		case dist < n.second:
			n.second, n.secondIdx = dist, j
		}
	}
	return n
}

// PassesRatio applies the strict ratio test best < ratio*second.
func PassesRatio(best, second int, ratio float64) bool {
	return float64(best) < ratio*float64(second)
}

// RatioMatcher keeps a query's nearest neighbour only when it is clearly
// closer than the second nearest.
type RatioMatcher struct {
	Ratio float64
}

// Match implements Matcher. Queries without a second neighbour are dropped.
func (m RatioMatcher) Match(a, b *features.FeatureSet) MatchSet {
	if a.Empty() || b.Empty() {
		return nil
	}
	ratio := m.Ratio
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	var out MatchSet
	for i, d := range a.Descriptors {
		n := nearestTwo(d, b.Descriptors)
		if n.secondIdx < 0 {
			continue
		}
		if PassesRatio(n.best, n.second, ratio) {
			out = append(out, Match{Query: i, Train: n.bestIdx, Distance: n.best})
		}
	}
	return out
}

// MutualMatcher keeps pairs that are each other's nearest neighbour and
// closer than MaxDistance.
type MutualMatcher struct {
	MaxDistance int
}

// Match implements Matcher.
func (m MutualMatcher) Match(a, b *features.FeatureSet) MatchSet {
	if a.Empty() || b.Empty() {
		return nil
	}
	limit := m.MaxDistance
	if limit <= 0 {
		limit = DefaultMaxDistance
	}
	back := make([]int, len(b.Descriptors))
	for j, d := range b.Descriptors {
		back[j] = nearestTwo(d, a.Descriptors).bestIdx
	}
	var out MatchSet
	for i, d := range a.Descriptors {
		n := nearestTwo(d, b.Descriptors)
		if n.bestIdx < 0 || back[n.bestIdx] != i {
			continue
		}
		if n.best < limit {
			out = append(out, Match{Query: i, Train: n.bestIdx, Distance: n.best})
		}
	}
	return out
}
