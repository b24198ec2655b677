package rules

import (
	"context"
	"time"
)

// RefineBudget is the hard wall-clock cap on the
// optional text-refiner pass.
const RefineBudget = 800 * time.Millisecond

// Refiner is the optional external text-refiner that may replace a
// verdict's reasons with higher-quality prose. It is a collaborator, not
// part of the engine's pure core — Evaluate never calls it directly.
type Refiner interface {
	Refine(ctx context.Context, v Verdict) ([]string, error)
}

// ApplyRefiner runs r against v under RefineBudget; on success it returns
// a copy of v with Reasons replaced and RefineUsed=true. On timeout or any
// error it returns v unchanged (refine_used stays false) — the rule
// engine's output is never degraded by a failing enrichment step, per the
// error-handling design's budget_exceeded policy ("fall back to
// template/degraded result").
func ApplyRefiner(ctx context.Context, r Refiner, v Verdict) Verdict {
	if r == nil {
		return v
	}
	ctx, cancel := context.WithTimeout(ctx, RefineBudget)
	defer cancel()

	type outcome struct {
		reasons []string
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		reasons, err := r.Refine(ctx, v)
		ch <- outcome{reasons, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil || len(o.reasons) == 0 {
			return v
		}
		v.Reasons = o.reasons
		v.RefineUsed = true
		return v
	case <-ctx.Done():
		return v
	}
}
