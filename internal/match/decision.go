package match

// Reason explains why a comparison ended the way it did.
type Reason string

const (
	ReasonMatched             Reason = "matched"
	ReasonNoFeatures          Reason = "no_features"
	ReasonInsufficientMatches Reason = "insufficient_matches"
	ReasonNoHomography        Reason = "no_homography"
	ReasonInsufficientInliers Reason = "insufficient_inliers"
)

// Decision is the caller-facing verdict. Confidence is the inlier count.
type Decision struct {
	Match      bool   `json:"match"`
	Confidence int    `json:"confidence"`
	Inliers    int    `json:"inliers"`
	Candidates int    `json:"candidates"`
	Reason     Reason `json:"reason"`
}

// Decide wraps a verification result.
func Decide(r Result) Decision {
	d := Decision{
		Match:      r.Match,
		Confidence: r.Inliers,
		Inliers:    r.Inliers,
		Candidates: r.Candidates,
	}
	switch {
	case r.Match:
		d.Reason = ReasonMatched
	case r.Insufficient:
		d.Reason = ReasonInsufficientMatches
	case !r.Found:
		d.Reason = ReasonNoHomography
	default:
		d.Reason = ReasonInsufficientInliers
	}
	return d
}

// Meta flattens the decision for job results and API payloads.
func (d Decision) Meta() map[string]any {
	return map[string]any{
		"match":      d.Match,
		"confidence": d.Confidence,
		"inliers":    d.Inliers,
		"candidates": d.Candidates,
		"reason":     string(d.Reason),
	}
}
