package search

import (
	"mediashrink/internal/media"
	"mediashrink/internal/trial"
)

// Classification groups the successful trials of an extreme run.
type Classification struct {
	Successful  []*trial.Trial
	Smallest    *trial.Trial
	Fastest     *trial.Trial
	BestQuality *trial.Trial
}

// Classify keeps the trials that fit the budget, restricted to format when
// at least one trial in that format fits.
func Classify(trials []*trial.Trial, format media.Format) Classification {
	var all, filtered []*trial.Trial
	for _, t := range trials {
		if t == nil || !t.Fits {
			continue
		}
		all = append(all, t)
		if format != "" && t.Strategy.Format == format {
			filtered = append(filtered, t)
		}
	}

	c := Classification{Successful: all}
	if len(filtered) > 0 {
		c.Successful = filtered
	}
	for _, t := range c.Successful {
		if c.Smallest == nil || t.Size < c.Smallest.Size || (t.Size == c.Smallest.Size && t.Index < c.Smallest.Index) {
			c.Smallest = t
		}
		if c.Fastest == nil || t.Elapsed < c.Fastest.Elapsed || (t.Elapsed == c.Fastest.Elapsed && t.Index < c.Fastest.Index) {
			c.Fastest = t
		}
		if c.BestQuality == nil || t.Size > c.BestQuality.Size || (t.Size == c.BestQuality.Size && t.Index < c.BestQuality.Index) {
			c.BestQuality = t
		}
	}
	return c
}

// Select applies a selection policy. headroom is the share of target that
// the best-quality trial must stay under for auto to prefer it. It returns
// nil when nothing succeeded.
func Select(c Classification, policy media.Policy, target int64, headroom float64) *trial.Trial {
	if len(c.Successful) == 0 {
		return nil
	}
	switch policy {
	case media.PolicySize:
		return c.Smallest
	case media.PolicySpeed:
		if c.Fastest != nil {
			return c.Fastest
		}
		return c.Smallest
	case media.PolicyQuality:
		if c.BestQuality != nil {
			return c.BestQuality
		}
		return c.Smallest
	default:
		if c.Fastest == c.Smallest {
			return c.Smallest
		}
		if c.BestQuality != nil && float64(c.BestQuality.Size) <= headroom*float64(target) {
			return c.BestQuality
		}
		return c.Smallest
	}
}
