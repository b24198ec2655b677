package refine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJaccardSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, JaccardSimilarity([]string{"a", "b"}, []string{"a", "b"}), 0.0001)
	require.InDelta(t, 0.5, JaccardSimilarity([]string{"a", "b"}, []string{"a", "c"}), 0.0001)
	require.Equal(t, 0.0, JaccardSimilarity(nil, nil))
}

func TestFindMergeTarget_MatchesAboveThreshold(t *testing.T) {
	cfg := TopicMergeConfig{SimThreshold: 0.6, JaccardFallback: 0.3, WhitelistBoost: 0.1, WindowHours: 6}
	candidates := []TopicEvent{
		{EventKey: "a", TopicEntities: []string{"musk", "doge", "tweet"}},
		{EventKey: "b", TopicEntities: []string{"sec", "lawsuit"}},
	}
	incoming := TopicEvent{TopicEntities: []string{"musk", "doge", "tweet", "news"}}

	idx := FindMergeTarget(candidates, incoming, cfg)
	require.Equal(t, 0, idx)
}

func TestFindMergeTarget_UsesFallbackThresholdForSmallEntitySets(t *testing.T) {
	cfg := TopicMergeConfig{SimThreshold: 0.9, JaccardFallback: 0.3, WindowHours: 6}
	candidates := []TopicEvent{{EventKey: "a", TopicEntities: []string{"musk", "doge"}}}
	incoming := TopicEvent{TopicEntities: []string{"musk", "sec"}}

	idx := FindMergeTarget(candidates, incoming, cfg)
	require.Equal(t, 0, idx)
}

func TestFindMergeTarget_NoMatchReturnsNegativeOne(t *testing.T) {
	cfg := TopicMergeConfig{SimThreshold: 0.6, JaccardFallback: 0.3}
	candidates := []TopicEvent{{EventKey: "a", TopicEntities: []string{"x", "y", "z"}}}
	incoming := TopicEvent{TopicEntities: []string{"p", "q", "r"}}

	require.Equal(t, -1, FindMergeTarget(candidates, incoming, cfg))
}

func TestApplyWhitelistBoost(t *testing.T) {
	cfg := TopicMergeConfig{WhitelistBoost: 0.2}
	require.InDelta(t, 0.9, ApplyWhitelistBoost(0.7, cfg, true), 0.0001)
	require.InDelta(t, 0.7, ApplyWhitelistBoost(0.7, cfg, false), 0.0001)
	require.Equal(t, 1.0, ApplyWhitelistBoost(0.95, cfg, true))
}

func TestWithinWindow(t *testing.T) {
	now := time.Now()
	require.True(t, WithinWindow(now.Add(-1*time.Hour), now, 6))
	require.False(t, WithinWindow(now.Add(-10*time.Hour), now, 6))
}
