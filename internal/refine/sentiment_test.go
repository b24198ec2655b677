package refine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeClassifier struct {
	fail bool
	pPos float64
	pNeg float64
}

func (f fakeClassifier) Classify(context.Context, string) (float64, float64, error) {
	if f.fail {
		return 0, 0, errors.New("classifier down")
	}
	return f.pPos, f.pNeg, nil
}

func TestFailRateTracker_TracksRollingRate(t *testing.T) {
	tr := NewFailRateTracker(10)
	require.Equal(t, 0.0, tr.Rate())
	tr.Record(true)
	require.Greater(t, tr.Rate(), 0.0)
}

func TestApplySentiment_ScoresEachEventWhenHealthy(t *testing.T) {
	tracker := NewFailRateTracker(50)
	classifier := fakeClassifier{pPos: 0.8, pNeg: 0.1}
	events := []*Event{{}, {}}
	texts := []string{"great project", "also great"}

	res := ApplySentiment(context.Background(), classifier, tracker, DefaultConfig(), 0.3, events, texts)
	require.False(t, res.Degrade)
	for _, e := range events {
		require.Equal(t, "positive", e.SentimentLabel)
		require.InDelta(t, 0.7, e.SentimentScore, 0.0001)
	}
}

func TestApplySentiment_DegradesBatchWhenFailRateAboveThreshold(t *testing.T) {
	tracker := NewFailRateTracker(50)
	// Push the tracker's rate above threshold before the batch runs.
	for i := 0; i < 50; i++ {
		tracker.Record(true)
	}
	classifier := fakeClassifier{pPos: 0.9, pNeg: 0.0}
	events := []*Event{{}}
	texts := []string{"should not be scored"}

	res := ApplySentiment(context.Background(), classifier, tracker, DefaultConfig(), 0.3, events, texts)
	require.True(t, res.Degrade)
	require.Equal(t, "model_off", res.Reason)
	require.Equal(t, "neutral", events[0].SentimentLabel)
}
