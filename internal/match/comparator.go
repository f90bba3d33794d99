package match

import (
	"io"
	"log/slog"

	"fingerauth/internal/features"
	"fingerauth/internal/scan"
)

// Comparator runs the full extract, match, verify and decide chain.
type Comparator struct {
	extractor *features.Extractor
	matcher   Matcher
	verifier  *Verifier
	log       *slog.Logger
}

// NewComparator wires the stages together. Nil stages take defaults.
func NewComparator(ex *features.Extractor, m Matcher, v *Verifier, log *slog.Logger) *Comparator {
	if ex == nil {
		ex = features.NewExtractor(features.DefaultConfig())
	}
	if m == nil {
		m = RatioMatcher{Ratio: DefaultRatio}
	}
	if v == nil {
		v = NewVerifier()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Comparator{extractor: ex, matcher: m, verifier: v, log: log}
}

// Extract exposes the configured extractor.
func (c *Comparator) Extract(g *scan.Grid) (*features.FeatureSet, error) {
	return c.extractor.Extract(g)
}

// Compare decides whether two grids show the same finger. Errors are
// reserved for invalid grids; an image without features is a non-match.
func (c *Comparator) Compare(a, b *scan.Grid) (Decision, error) {
	fa, err := c.extractor.Extract(a)
	if err != nil {
		return Decision{}, err
	}
	fb, err := c.extractor.Extract(b)
	if err != nil {
		return Decision{}, err
	}
	return c.CompareFeatures(fa, fb), nil
}

// CompareFeatures decides over pre-extracted feature sets.
func (c *Comparator) CompareFeatures(a, b *features.FeatureSet) Decision {
	if a.Empty() || b.Empty() {
		c.log.Debug("comparison skipped", "reason", ReasonNoFeatures, "a", a.Len(), "b", b.Len())
		return Decision{Reason: ReasonNoFeatures}
	}
	matches := c.matcher.Match(a, b)
	d := Decide(c.verifier.Verify(a, b, matches))
	c.log.Debug("comparison finished",
		"features_a", a.Len(),
		"features_b", b.Len(),
		"candidates", d.Candidates,
		"inliers", d.Inliers,
		"match", d.Match,
		"reason", d.Reason,
	)
	return d
}
