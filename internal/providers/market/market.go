// Package market implements the DEX-snapshot market-data provider:
// a primary+secondary upstream fall-through ladder, a short-lived
// 5-minute-bucket cache, and a 24h "last known good" cache that lets the
// client degrade gracefully instead of failing outright.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cryptopulse/signalpipe/internal/kvstore"
	"github.com/cryptopulse/signalpipe/internal/providers"
	"github.com/cryptopulse/signalpipe/internal/resilience"
	"github.com/cryptopulse/signalpipe/pkg/apperrors"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"

	memo "github.com/cryptopulse/signalpipe/internal/providers/cache"
)

// OHLC holds the three candle windows the snapshot reports.
type OHLC struct {
	M5  float64 `json:"m5"`
	H1  float64 `json:"h1"`
	H24 float64 `json:"h24"`
}

// Payload is the parsed DEX snapshot shape, independent of which upstream
// produced it.
type Payload struct {
	PriceUSD     float64   `json:"price_usd"`
	LiquidityUSD float64   `json:"liquidity_usd"`
	FDV          float64   `json:"fdv"`
	OHLC         OHLC      `json:"ohlc"`
	AsOf         time.Time `json:"as_of"`
}

// Config controls TTLs and rate limits, sourced from the DEX_* env set.
type Config struct {
	BucketTTLS   int // short-lived 5-minute-bucket cache
	LastOkTTLS   int // 24h last-known-good cache
	RateLimitRPM int
	MaxRetries   int
}

// DefaultConfig matches the documented 5-minute bucket / 24h last-ok TTLs.
func DefaultConfig() Config {
	return Config{BucketTTLS: 300, LastOkTTLS: 86400, RateLimitRPM: 60, MaxRetries: 3}
}

// Fetcher is a single DEX upstream's transport.
type Fetcher interface {
	Snapshot(ctx context.Context, chain, contract string) (Payload, error)
}

// Client is the market-data provider client.
type Client struct {
	cfg       Config
	primary   Fetcher
	secondary Fetcher
	memo      *memo.Memo
	kv        *kvstore.Store
	breakerP  *resilience.CircuitBreaker
	breakerS  *resilience.CircuitBreaker
	log       *logger.Logger
}

// New constructs a Client. secondary may be nil if no fallback upstream is
// configured (the ladder skips straight to last_ok on primary failure).
func New(cfg Config, primary, secondary Fetcher, m *memo.Memo, kv *kvstore.Store, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewFromEnv("market")
	}
	if m == nil {
		m = memo.New(memo.DefaultConfig())
	}
	return &Client{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		memo:      m,
		kv:        kv,
		breakerP:  resilience.New(resilience.DefaultProviderCBConfig("market-primary", log)),
		breakerS:  resilience.New(resilience.DefaultProviderCBConfig("market-secondary", log)),
		log:       log,
	}
}

// Snapshot implements the DEX snapshot lookup with its
// fall-through ladder: fresh cache -> primary -> secondary -> last_ok
// (stale+degrade) -> fully empty (degrade, no cache).
func (c *Client) Snapshot(ctx context.Context, chain, contract string) (providers.Result, error) {
	contract = strings.ToLower(contract)
	bucketKey := c.bucketCacheKey(chain, contract)

	if res, ok := c.readCache(ctx, bucketKey); ok {
		return res, nil
	}

	payload, err := c.fetchWithBreaker(ctx, c.primary, c.breakerP, chain, contract)
	if err == nil {
		c.writeThrough(ctx, chain, contract, bucketKey, payload)
		return providers.Result{Payload: payload, Source: "primary", Reason: providers.ReasonNone}, nil
	}
	primaryErr := err

	if c.secondary != nil {
		payload, err = c.fetchWithBreaker(ctx, c.secondary, c.breakerS, chain, contract)
		if err == nil {
			c.writeThrough(ctx, chain, contract, bucketKey, payload)
			return providers.Result{Payload: payload, Source: "secondary", Reason: providers.ReasonNone}, nil
		}
	}

	if res, ok := c.readLastOk(ctx, chain, contract); ok {
		res.Stale = true
		res.Degrade = true
		res.Reason = providers.ReasonBothFailedLast
		c.log.WithContext(ctx).WithFields(map[string]interface{}{
			"chain": chain, "contract": contract,
		}).Warn("market snapshot degraded to last_ok")
		return res, nil
	}

	reason := reasonFromError(primaryErr)
	c.log.WithContext(ctx).WithFields(map[string]interface{}{
		"chain": chain, "contract": contract, "reason": reason,
	}).Warn("market snapshot fully unavailable")
	return providers.Result{
		Payload: Payload{},
		Source:  "none",
		Degrade: true,
		Reason:  providers.ReasonBothFailedEmpty,
		Notes:   []string{"both_upstreams_failed"},
	}, nil
}

func (c *Client) fetchWithBreaker(ctx context.Context, f Fetcher, breaker *resilience.CircuitBreaker, chain, contract string) (Payload, error) {
	if f == nil {
		return Payload{}, apperrors.New(apperrors.KindUpstreamPermanent, "no fetcher configured")
	}
	var payload Payload
	err := breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
			p, err := f.Snapshot(ctx, chain, contract)
			if err != nil {
				if apperrors.Is(err, apperrors.KindUpstreamAuth) || apperrors.Is(err, apperrors.KindUpstreamPermanent) {
					return resilience.Permanent(err)
				}
				return err
			}
			payload = p
			return nil
		})
	})
	return payload, err
}

func (c *Client) bucketCacheKey(chain, contract string) string {
	bucket := time.Now().Truncate(5 * time.Minute).Unix()
	return "dexcache:" + chain + ":" + contract + ":" + strconv.FormatInt(bucket, 10)
}

func (c *Client) lastOkKey(chain, contract string) string {
	return "dexlastok:" + chain + ":" + contract
}

func (c *Client) readCache(ctx context.Context, bucketKey string) (providers.Result, bool) {
	if r := c.memo.Get(bucketKey); r.Found {
		if payload, ok := r.Value.(Payload); ok {
			return providers.Result{Payload: payload, Source: "cache", Cache: r.Fresh, Stale: r.Stale, Reason: providers.ReasonNone}, true
		}
	}
	if c.kv == nil {
		return providers.Result{}, false
	}
	raw, found, err := c.kv.Get(ctx, bucketKey)
	if err != nil || !found {
		return providers.Result{}, false
	}
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return providers.Result{}, false
	}
	c.memo.Set(bucketKey, payload, time.Duration(c.cfg.BucketTTLS)*time.Second, 0)
	return providers.Result{Payload: payload, Source: "cache", Cache: true, Reason: providers.ReasonNone}, true
}

func (c *Client) readLastOk(ctx context.Context, chain, contract string) (providers.Result, bool) {
	key := c.lastOkKey(chain, contract)
	if r := c.memo.Get(key); r.Found {
		if payload, ok := r.Value.(Payload); ok {
			return providers.Result{Payload: payload, Source: "last_ok"}, true
		}
	}
	if c.kv == nil {
		return providers.Result{}, false
	}
	raw, found, err := c.kv.Get(ctx, key)
	if err != nil || !found {
		return providers.Result{}, false
	}
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return providers.Result{}, false
	}
	c.memo.Set(key, payload, time.Duration(c.cfg.LastOkTTLS)*time.Second, 0)
	return providers.Result{Payload: payload, Source: "last_ok"}, true
}

func (c *Client) writeThrough(ctx context.Context, chain, contract, bucketKey string, payload Payload) {
	payload.AsOf = time.Now()
	bucketTTL := time.Duration(c.cfg.BucketTTLS) * time.Second
	lastOkTTL := time.Duration(c.cfg.LastOkTTLS) * time.Second

	c.memo.Set(bucketKey, payload, bucketTTL, 0)
	lastOkKey := c.lastOkKey(chain, contract)
	c.memo.Set(lastOkKey, payload, lastOkTTL, 0)

	if c.kv == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.kv.Set(ctx, bucketKey, string(raw), bucketTTL)
	_ = c.kv.Set(ctx, lastOkKey, string(raw), lastOkTTL)
}

func reasonFromError(err error) string {
	if err == nil {
		return providers.ReasonNone
	}
	if strings.Contains(err.Error(), "connection refused") {
		return providers.ReasonConnRefused
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return providers.ReasonTimeout
	}
	kind, ok := apperrors.KindOf(err)
	if !ok {
		return providers.ReasonUnknown
	}
	switch kind {
	case apperrors.KindUpstreamTimeout:
		return providers.ReasonTimeout
	case apperrors.KindUpstreamAuth, apperrors.KindUpstreamPermanent:
		return providers.ReasonHTTP4xx
	case apperrors.KindUpstreamTransient:
		return providers.ReasonHTTP5xx
	default:
		return providers.ReasonProviderError
	}
}
