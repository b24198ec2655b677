package refine

import (
	"context"
	"sync"
)

// Classifier is the external sentiment model call:
// returns the positive/negative class probabilities for one text.
type Classifier interface {
	Classify(ctx context.Context, text string) (pPos, pNeg float64, err error)
}

// FailRateTracker maintains an exponentially-weighted failure rate over
// the classifier's last ~50 calls, per the documented "fail_rate over a
// rolling window" contract — a plain boolean "did the last call fail"
// flag would miss a classifier that fails intermittently rather than
// outright.
type FailRateTracker struct {
	mu    sync.Mutex
	rate  float64
	alpha float64
	seen  bool
}

// NewFailRateTracker creates a tracker with a decay constant equivalent
// to an exponential moving average over a window of size.
func NewFailRateTracker(window int) *FailRateTracker {
	if window <= 0 {
		window = 50
	}
	return &FailRateTracker{alpha: 2.0 / float64(window+1)}
}

// Record updates the rate with one call's outcome (true = failure).
func (t *FailRateTracker) Record(failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	outcome := 0.0
	if failed {
		outcome = 1.0
	}
	if !t.seen {
		t.rate = outcome
		t.seen = true
		return
	}
	t.rate = t.alpha*outcome + (1-t.alpha)*t.rate
}

// Rate returns the current estimated failure rate.
func (t *FailRateTracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

// BatchResult is the outcome of running ApplySentiment over a batch of
// events: whether the whole batch degraded to neutral because the tracked
// fail rate crossed the threshold, and why. Per-event scores and labels
// are written into the events themselves.
type BatchResult struct {
	Degrade bool
	Reason  string
}

// ApplySentiment classifies each event's underlying text and fills in
// SentimentScore/SentimentLabel, tracking the rolling fail rate. If the
// fail rate is at or above failRateThreshold *before* this batch starts,
// the whole batch is short-circuited to neutral (`degrade="model_off"`)
// without calling the classifier, per the documented "consumers treat
// every item's sentiment as neutral" rule.
func ApplySentiment(ctx context.Context, classifier Classifier, tracker *FailRateTracker, cfg Config, failRateThreshold float64, events []*Event, texts []string) BatchResult {
	if failRateThreshold <= 0 {
		failRateThreshold = 0.3
	}

	if tracker.Rate() >= failRateThreshold {
		for _, e := range events {
			e.SentimentScore = 0
			e.SentimentLabel = "neutral"
		}
		return BatchResult{Degrade: true, Reason: "model_off"}
	}

	for i, e := range events {
		pPos, pNeg, err := classifier.Classify(ctx, texts[i])
		tracker.Record(err != nil)
		if err != nil {
			e.SentimentScore = 0
			e.SentimentLabel = "neutral"
			continue
		}
		score := clamp(pPos-pNeg, -1, 1)
		e.SentimentScore = score
		e.SentimentLabel = LabelForScore(score, cfg.PosThreshold, cfg.NegThreshold)
	}

	if tracker.Rate() >= failRateThreshold {
		for _, e := range events {
			e.SentimentScore = 0
			e.SentimentLabel = "neutral"
		}
		return BatchResult{Degrade: true, Reason: "model_off"}
	}
	return BatchResult{}
}
