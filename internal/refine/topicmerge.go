package refine

import (
	"time"
)

// TopicEvent is the subset of an Event's topic fields the merge pass
// operates on.
type TopicEvent struct {
	EventKey       string
	TopicEntities  []string
	CandidateScore float64
	LastTS         time.Time
}

// TopicMergeConfig holds the topic_merge.yml keys the merge pass reads:
// `{sim_threshold, jaccard_fallback, whitelist_boost, window_hours}`. The
// file's slope_window_10m/slope_window_30m keys are not read here.
type TopicMergeConfig struct {
	SimThreshold    float64
	JaccardFallback float64
	WhitelistBoost  float64
	WindowHours     float64
}

// JaccardSimilarity computes |A∩B| / |A∪B| over two entity sets. Two
// empty sets are defined as dissimilar (0), not a degenerate 1, so an
// empty-entity topic never spuriously merges with another empty one.
func JaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := toSet(a)
	setB := toSet(b)

	intersection := 0
	for k := range setA {
		if _, ok := setB[k]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// FindMergeTarget scans candidates (restricted by the caller to events
// within window_hours) for the best Jaccard match against incoming,
// using jaccard_fallback as a relaxed threshold when both entity sets are
// small (2 or fewer entities), where full sim_threshold is rarely
// reachable. Returns the matched event's index, or -1 if none qualifies.
func FindMergeTarget(candidates []TopicEvent, incoming TopicEvent, cfg TopicMergeConfig) int {
	best := -1
	bestSim := 0.0

	for i, c := range candidates {
		sim := JaccardSimilarity(c.TopicEntities, incoming.TopicEntities)
		threshold := cfg.SimThreshold
		if len(c.TopicEntities) <= 2 && len(incoming.TopicEntities) <= 2 {
			threshold = cfg.JaccardFallback
		}
		if sim >= threshold && sim > bestSim {
			best = i
			bestSim = sim
		}
	}
	return best
}

// ApplyWhitelistBoost adds whitelist_boost to a topic's candidate_score
// when it originates from a configured KOL handle, clamped to 1.0.
func ApplyWhitelistBoost(candidateScore float64, cfg TopicMergeConfig, isKOLSourced bool) float64 {
	if !isKOLSourced {
		return candidateScore
	}
	return clamp(candidateScore+cfg.WhitelistBoost, 0, 1)
}

// WithinWindow reports whether t falls within window_hours of now,
// restricting which existing topics a new candidate may merge into.
func WithinWindow(t, now time.Time, windowHours float64) bool {
	if windowHours <= 0 {
		return false
	}
	return now.Sub(t) <= time.Duration(windowHours*float64(time.Hour))
}
