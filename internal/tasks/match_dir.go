package tasks

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"

	"fingerauth/internal/features"
	"fingerauth/internal/fsutil"
	"fingerauth/internal/imageio"
	"fingerauth/internal/match"
)

// PairMatch is one pair of images from a directory judged to be the same finger.
type PairMatch struct {
	A       string `json:"a"`
	B       string `json:"b"`
	Inliers int    `json:"inliers"`
}

// DirectoryReport summarizes a pairwise directory comparison.
type DirectoryReport struct {
	Dir      string            `json:"dir"`
	Images   []string          `json:"images"`
	Skipped  map[string]string `json:"skipped,omitempty"`
	Compared int               `json:"compared"`
	Matches  []PairMatch       `json:"matches"`
}

// Meta flattens the report for job results.
func (r DirectoryReport) Meta() map[string]any {
	return map[string]any{
		"dir":      r.Dir,
		"images":   len(r.Images),
		"skipped":  len(r.Skipped),
		"compared": r.Compared,
		"matches":  r.Matches,
	}
}

// MatchDirectory compares every pair of fingerprint images under dir.
// Images that fail to load are reported and left out; matched pairs come back
// ordered by their position in the listing.
func MatchDirectory(ctx context.Context, dir string, cmp *match.Comparator, opts imageio.Options, workers int, log *slog.Logger) (DirectoryReport, error) {
	files, err := fsutil.ListImages(dir)
	if err != nil {
		return DirectoryReport{}, err
	}
	sort.Strings(files)

	rep := DirectoryReport{Dir: dir, Skipped: map[string]string{}}
	var sets []*features.FeatureSet
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rel := relName(dir, f)
		g, err := imageio.Load(f, opts)
		if err == nil {
			var fs *features.FeatureSet
			if fs, err = cmp.Extract(g); err == nil {
				rep.Images = append(rep.Images, rel)
				sets = append(sets, fs)
				continue
			}
		}
		log.Warn("skipping image", "path", f, "error", err)
		rep.Skipped[rel] = err.Error()
	}

	for i := 0; i+1 < len(sets); i++ {
		gallery := make([]match.Candidate, 0, len(sets)-i-1)
		for j := i + 1; j < len(sets); j++ {
			gallery = append(gallery, match.Candidate{ID: rep.Images[j], Features: sets[j]})
		}
		ranked, err := cmp.Identify(ctx, sets[i], gallery, workers)
		if err != nil {
			return rep, err
		}
		rep.Compared += len(ranked)

		var found []match.Ranked
		for _, r := range ranked {
			if r.Decision.Match {
				found = append(found, r)
			}
		}
		sort.Slice(found, func(a, b int) bool { return found[a].Index < found[b].Index })
		for _, r := range found {
			rep.Matches = append(rep.Matches, PairMatch{A: rep.Images[i], B: r.ID, Inliers: r.Decision.Inliers})
		}
	}

	log.Info("directory matched", "dir", dir, "images", len(rep.Images), "skipped", len(rep.Skipped), "matches", len(rep.Matches))
	return rep, nil
}

func relName(dir, path string) string {
	if rel, err := filepath.Rel(dir, path); err == nil {
		return rel
	}
	return path
}
