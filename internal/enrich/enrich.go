// Package enrich implements the enrichment scanners: batch jobs
// that page through candidate signals, pull one provider's result per row,
// and write it through onto signals/events. A scanner never deletes
// existing evidence — it only merges new keys in — and always sleeps
// between batches when a page came back short of batch_size, to yield
// rate-limit budget back to the provider it just called.
package enrich

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cryptopulse/signalpipe/internal/providers"
	"github.com/cryptopulse/signalpipe/internal/providers/market"
	"github.com/cryptopulse/signalpipe/internal/providers/security"
	"github.com/cryptopulse/signalpipe/internal/store"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
)

// SecurityScanner is the subset of security.Client a scan needs.
type SecurityScanner interface {
	TokenSecurity(ctx context.Context, chain, address string) (providers.Result, error)
}

// MarketScanner is the subset of market.Client a scan needs.
type MarketScanner interface {
	Snapshot(ctx context.Context, chain, contract string) (providers.Result, error)
}

// Config controls batch size and the inter-batch sleep, sourced from
// appconfig.EnrichConfig.
type Config struct {
	BatchSize   int
	IntervalSec int
}

// DefaultConfig applies the scanners' documented defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 50, IntervalSec: 20}
}

// Result summarizes one scan pass.
type Result struct {
	Scanned int
	Skipped int
	Updated int
	Slept   bool
}

// Scanner runs the security/market/heat enrichment passes over pages of
// candidate signals.
type Scanner struct {
	cfg      Config
	rel      *store.Store
	security SecurityScanner
	market   MarketScanner
	log      *logger.Logger
}

// New constructs a Scanner. security/market may be nil to disable the
// corresponding scan (ENABLE_<X>_SCAN=false at the caller).
func New(cfg Config, rel *store.Store, security SecurityScanner, market MarketScanner, log *logger.Logger) *Scanner {
	if log == nil {
		log = logger.NewFromEnv("enrich")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Scanner{cfg: cfg, rel: rel, security: security, market: market, log: log}
}

// RunSecurityScan pages through candidate signals, skipping rows without a
// token contract, fetching token security, and writing the risk fields
// through onto the signal plus a merged evidence snapshot on its event.
func (s *Scanner) RunSecurityScan(ctx context.Context) (Result, error) {
	return s.run(ctx, func(ctx context.Context, sig store.Signal, ev store.Event) (bool, error) {
		if ev.TokenCA == nil || *ev.TokenCA == "" {
			return false, nil
		}
		res, err := s.security.TokenSecurity(ctx, sig.MarketType, *ev.TokenCA)
		if err != nil {
			return false, err
		}
		return true, s.writeSecurityResult(ctx, sig.EventKey, res)
	})
}

// RunMarketScan pages through candidate signals, skipping rows without a
// token contract, fetching a DEX snapshot, and writing liquidity/volume
// fields through plus a merged evidence snapshot.
func (s *Scanner) RunMarketScan(ctx context.Context) (Result, error) {
	return s.run(ctx, func(ctx context.Context, sig store.Signal, ev store.Event) (bool, error) {
		if ev.TokenCA == nil || *ev.TokenCA == "" {
			return false, nil
		}
		res, err := s.market.Snapshot(ctx, sig.MarketType, *ev.TokenCA)
		if err != nil {
			return false, err
		}
		return true, s.writeMarketResult(ctx, sig.EventKey, res)
	})
}

// RunHeatScan derives heat_slope = heat_10m/10 - heat_30m/30 from each
// event's rolling post-count counters and writes it onto the signal. It
// never calls an external provider, so it ignores the scanner's security/
// market fetchers entirely.
func (s *Scanner) RunHeatScan(ctx context.Context) (Result, error) {
	return s.run(ctx, func(ctx context.Context, sig store.Signal, ev store.Event) (bool, error) {
		slope := ev.Heat10m/10 - ev.Heat30m/30
		if err := s.rel.UpdateHeatSlope(ctx, sig.EventKey, slope); err != nil {
			return false, err
		}
		return true, nil
	})
}

// run pages through candidate signals in batches of cfg.BatchSize, applying
// row to each one. A failing row is recorded in the returned multierror but
// never stops the batch; a short page (fewer rows than requested) ends the
// pass and sleeps interval_s before returning.
func (s *Scanner) run(ctx context.Context, row func(ctx context.Context, sig store.Signal, ev store.Event) (bool, error)) (Result, error) {
	var result Result
	var errs *multierror.Error
	offset := 0

	for {
		sigs, err := s.rel.CandidateSignals(ctx, s.cfg.BatchSize, offset)
		if err != nil {
			return result, err
		}
		if len(sigs) == 0 {
			break
		}

		for _, sig := range sigs {
			result.Scanned++
			ev, err := s.rel.GetEvent(ctx, sig.EventKey)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			updated, err := row(ctx, sig, ev)
			if err != nil {
				s.log.WithContext(ctx).WithField("event_key", sig.EventKey).Warn("enrichment row failed: " + err.Error())
				errs = multierror.Append(errs, err)
				continue
			}
			if updated {
				result.Updated++
			} else {
				result.Skipped++
			}
		}

		offset += len(sigs)
		if len(sigs) < s.cfg.BatchSize {
			result.Slept = true
			select {
			case <-ctx.Done():
				return result, errs.ErrorOrNil()
			case <-time.After(time.Duration(s.cfg.IntervalSec) * time.Second):
			}
			break
		}
	}

	return result, errs.ErrorOrNil()
}

func (s *Scanner) writeSecurityResult(ctx context.Context, eventKey string, res providers.Result) error {
	payload, _ := res.Payload.(security.Payload)
	var buyTax, sellTax, lpLockDays *float64
	if payload.HasTax {
		bt, st := payload.BuyTax, payload.SellTax
		buyTax, sellTax = &bt, &st
	}
	if payload.LPLockDays > 0 {
		lp := payload.LPLockDays
		lpLockDays = &lp
	}
	if err := s.rel.UpdateRiskFields(ctx, eventKey, string(payload.Risk), buyTax, sellTax, lpLockDays, nil, nil); err != nil {
		return err
	}
	return s.mergeEvidence(ctx, eventKey, "security", res)
}

func (s *Scanner) writeMarketResult(ctx context.Context, eventKey string, res providers.Result) error {
	payload, _ := res.Payload.(market.Payload)
	liq, vol := payload.LiquidityUSD, payload.OHLC.H1
	if err := s.rel.UpdateRiskFields(ctx, eventKey, "", nil, nil, nil, &liq, &vol); err != nil {
		return err
	}
	return s.mergeEvidence(ctx, eventKey, "market", res)
}

// mergeEvidence dict-merges the provider result under a reserved
// per-source key, never touching other evidence keys.
func (s *Scanner) mergeEvidence(ctx context.Context, eventKey, sourceKey string, res providers.Result) error {
	return s.rel.MergeEvidence(ctx, eventKey, store.JSONB{
		sourceKey: map[string]interface{}{
			"source":  res.Source,
			"cache":   res.Cache,
			"stale":   res.Stale,
			"degrade": res.Degrade,
			"reason":  res.Reason,
		},
	})
}
