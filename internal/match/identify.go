package match

import (
	"context"
	"runtime"
	"sync"

	"github.com/emirpasic/gods/lists/arraylist"

	"fingerauth/internal/features"
)

// Candidate is one gallery entry.
type Candidate struct {
	ID       string
	Features *features.FeatureSet
}

// Ranked is a gallery entry scored against a probe. Index is the entry's
// position in the gallery.
type Ranked struct {
	ID       string   `json:"id"`
	Index    int      `json:"index"`
	Decision Decision `json:"decision"`
}

// rankOrder puts matches first, then more inliers, then gallery order.
func rankOrder(a, b interface{}) int {
	ra, rb := a.(Ranked), b.(Ranked)
	switch {
	case ra.Decision.Match != rb.Decision.Match:
		if ra.Decision.Match {
			return -1
		}
		return 1
	case ra.Decision.Inliers != rb.Decision.Inliers:
		if ra.Decision.Inliers > rb.Decision.Inliers {
			return -1
		}
		return 1
	case ra.Index < rb.Index:
		return -1
	case ra.Index > rb.Index:
		return 1
	}
	return 0
}

// Identify compares probe against every gallery entry using up to workers
// goroutines. The ranking does not depend on scheduling.
func (c *Comparator) Identify(ctx context.Context, probe *features.FeatureSet, gallery []Candidate, workers int) ([]Ranked, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(gallery) {
		workers = len(gallery)
	}

	jobs := make(chan int)
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		ranked = arraylist.New()
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				d := c.CompareFeatures(probe, gallery[i].Features)
				mu.Lock()
				ranked.Add(Ranked{ID: gallery[i].ID, Index: i, Decision: d})
				mu.Unlock()
			}
		}()
	}

	var err error
feed:
	for i := range gallery {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	if err != nil {
		return nil, err
	}

	ranked.Sort(rankOrder)
	out := make([]Ranked, 0, ranked.Size())
	for _, v := range ranked.Values() {
		out = append(out, v.(Ranked))
	}
	return out, nil
}

// Best returns the top ranked entry when it is a match.
func Best(ranked []Ranked) (Ranked, bool) {
	if len(ranked) == 0 || !ranked[0].Decision.Match {
		return Ranked{}, false
	}
	return ranked[0], true
}

// FirstMatch returns the matching entry that appears earliest in the gallery.
func FirstMatch(ranked []Ranked) (Ranked, bool) {
	var (
		first Ranked
		found bool
	)
	for _, r := range ranked {
		if r.Decision.Match && (!found || r.Index < first.Index) {
			first, found = r, true
		}
	}
	return first, found
}
