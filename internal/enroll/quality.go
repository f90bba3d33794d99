package enroll

import (
	"errors"
	"fmt"
	"math"

	"fingerauth/internal/features"
	"fingerauth/internal/scan"
)

var (
	ErrImageTooMessy           = errors.New("image too messy")
	ErrFeatureExtractionFailed = errors.New("feature extraction failed")
	ErrInvalidImage            = errors.New("invalid image")
)

// TemplateError is a quality-gate failure for one sample (1 or 2).
type TemplateError struct {
	Sample int
	Err    error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("sample %d: %v", e.Sample, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// QualityConfig sets the quality gate thresholds.
type QualityConfig struct {
	// MinContrast is the minimum intensity standard deviation.
	MinContrast float64 `json:"min_contrast" toml:"min_contrast" default:"12" validate:"gte=0"`
	// MaxDarkFraction caps the share of near-black pixels, which indicate a
	// smeared or wet print.
	MaxDarkFraction float64 `json:"max_dark_fraction" toml:"max_dark_fraction" default:"0.7" validate:"gt=0,lte=1"`
	// MinKeypoints is the minimum number of features a usable sample has.
	MinKeypoints int `json:"min_keypoints" toml:"min_keypoints" default:"30" validate:"gte=1"`
}

// DefaultQuality returns the standard gate.
func DefaultQuality() QualityConfig {
	return QualityConfig{MinContrast: 12, MaxDarkFraction: 0.7, MinKeypoints: 30}
}

const darkLevel = 32

// Assessor applies the quality gate and returns the sample's features.
type Assessor struct {
	cfg       QualityConfig
	extractor *features.Extractor
}

// NewAssessor builds an assessor around ex.
func NewAssessor(cfg QualityConfig, ex *features.Extractor) *Assessor {
	def := DefaultQuality()
	if cfg == (QualityConfig{}) {
		cfg = def
	}
	if cfg.MaxDarkFraction <= 0 {
		cfg.MaxDarkFraction = def.MaxDarkFraction
	}
	if cfg.MinKeypoints <= 0 {
		cfg.MinKeypoints = def.MinKeypoints
	}
	if ex == nil {
		ex = features.NewExtractor(features.DefaultConfig())
	}
	return &Assessor{cfg: cfg, extractor: ex}
}

// Assess checks g and returns its feature set, or one of ErrInvalidImage,
// ErrImageTooMessy and ErrFeatureExtractionFailed.
func (a *Assessor) Assess(g *scan.Grid) (*features.FeatureSet, error) {
	if !g.Valid() {
		return nil, ErrInvalidImage
	}
	var sum, sq float64
	dark := 0
	for _, p := range g.Pix {
		v := float64(p)
		sum += v
		sq += v * v
		if p < darkLevel {
			dark++
		}
	}
	n := float64(len(g.Pix))
	mean := sum / n
	std := math.Sqrt(math.Max(sq/n-mean*mean, 0))
	if std < a.cfg.MinContrast {
		return nil, fmt.Errorf("%w: contrast %.1f below %.1f", ErrInvalidImage, std, a.cfg.MinContrast)
	}
	if frac := float64(dark) / n; frac > a.cfg.MaxDarkFraction {
		return nil, fmt.Errorf("%w: %.0f%% dark pixels", ErrImageTooMessy, frac*100)
	}
	fs, err := a.extractor.Extract(g)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeatureExtractionFailed, err)
	}
	if fs.Len() < a.cfg.MinKeypoints {
		return nil, fmt.Errorf("%w: %d keypoints, need %d", ErrFeatureExtractionFailed, fs.Len(), a.cfg.MinKeypoints)
	}
	return fs, nil
}
