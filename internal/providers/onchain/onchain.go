// Package onchain implements the on-chain feature provider: a
// fixed ladder of up to 3 retries with 5/15/30s delays against a warehouse
// view, discarding any feature set whose as-of timestamp has aged past
// the freshness budget.
package onchain

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptopulse/signalpipe/pkg/apperrors"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
)

// MaxFeatureAge is the documented 90-minute freshness budget; a feature
// set whose AsofTS is older than this is discarded rather than used.
const MaxFeatureAge = 90 * time.Minute

// retryDelays mirrors the documented 5s/15s/30s fixed retry ladder (not
// exponential backoff — the warehouse view is expected to be slow, not
// flaky, so a fixed schedule is used instead of jittered exponential).
var retryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}

// Features is the parsed feature dict a warehouse view query returns.
type Features struct {
	ActiveAddrPctl float64   `json:"active_addr_pctl"`
	GrowthRatio    float64   `json:"growth_ratio"`
	Top10Share     float64   `json:"top10_share"`
	SelfLoopRatio  float64   `json:"self_loop_ratio"`
	AsofTS         time.Time `json:"asof_ts"`
}

// Config names the warehouse view this client queries.
type Config struct {
	Project       string
	Dataset       string
	View          string
	WindowMinutes int
}

// Querier is the warehouse transport; the production implementation runs
// a parameterized query against the configured project/dataset/view.
type Querier interface {
	QueryFeatures(ctx context.Context, chain, address string, windowMinutes int) (Features, error)
}

// Client is the on-chain feature provider client.
type Client struct {
	cfg     Config
	querier Querier
	log     *logger.Logger
}

// New constructs a Client.
func New(cfg Config, querier Querier, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewFromEnv("onchain")
	}
	return &Client{cfg: cfg, querier: querier, log: log}
}

// Features fetches the warehouse feature dict for (chain, address),
// retrying on the fixed 5/15/30s ladder and discarding stale results.
func (c *Client) Features(ctx context.Context, chain, address string) (Features, bool, error) {
	windowMinutes := c.cfg.WindowMinutes
	if windowMinutes <= 0 {
		windowMinutes = 60
	}

	var last Features
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		f, err := c.querier.QueryFeatures(ctx, chain, address, windowMinutes)
		if err == nil {
			last = f
			lastErr = nil
			break
		}
		lastErr = err
		if apperrors.Is(err, apperrors.KindUpstreamAuth) || apperrors.Is(err, apperrors.KindUpstreamPermanent) {
			break
		}
		if attempt < len(retryDelays) {
			if err := sleepCtx(ctx, retryDelays[attempt]); err != nil {
				return Features{}, false, err
			}
		}
	}
	if lastErr != nil {
		return Features{}, false, lastErr
	}

	if time.Since(last.AsofTS) > MaxFeatureAge {
		c.log.WithContext(ctx).WithFields(map[string]interface{}{
			"chain": chain, "address": address, "asof_ts": last.AsofTS,
		}).Warn("on-chain feature set discarded as stale")
		return Features{}, false, nil
	}
	return last, true, nil
}

// ViewFQN returns the fully qualified "<project>.<dataset>.<view>" name
// for logging and query construction.
func (c *Client) ViewFQN() string {
	return fmt.Sprintf("%s.%s.%s", c.cfg.Project, c.cfg.Dataset, c.cfg.View)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
