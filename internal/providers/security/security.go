// Package security implements the on-chain token-safety provider client
//: token_security/address_security/approval_security endpoints
// backed by a configurable goplus|rules backend, a three-tier cache
// (in-process memo -> KV -> relational) with stale-serving and jittered
// write-through TTLs, and a rules-based degrade fallback when the
// upstream is unavailable.
package security

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/cryptopulse/signalpipe/internal/kvstore"
	"github.com/cryptopulse/signalpipe/internal/providers"
	"github.com/cryptopulse/signalpipe/internal/resilience"
	"github.com/cryptopulse/signalpipe/internal/rulesconfig"
	"github.com/cryptopulse/signalpipe/internal/store"
	"github.com/cryptopulse/signalpipe/pkg/apperrors"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"

	memo "github.com/cryptopulse/signalpipe/internal/providers/cache"
)

// RiskColor is the closed enum a scan call resolves to.
type RiskColor string

const (
	RiskRed     RiskColor = "red"
	RiskYellow  RiskColor = "yellow"
	RiskGreen   RiskColor = "green"
	RiskGray    RiskColor = "gray"
	RiskUnknown RiskColor = "unknown"
)

// Payload is the parsed shape of a security-scan response, independent of
// which backend produced it.
type Payload struct {
	Honeypot   bool      `json:"honeypot"`
	HasTax     bool      `json:"has_tax"`
	BuyTax     float64   `json:"buy_tax"`
	SellTax    float64   `json:"sell_tax"`
	LPLockDays float64   `json:"lp_lock_days"`
	Risk       RiskColor `json:"risk"`
	AsOf       time.Time `json:"as_of"`
}

// Thresholds holds the numeric risk-derivation knobs.
type Thresholds struct {
	TaxRedPct     float64
	LPYellowDays  float64
	HoneypotRed   bool
	MinConfidence float64
}

// Config controls the security client's backend selection, cache TTLs,
// and risk thresholds — sourced from the GOPLUS_*/SECURITY_* env set.
type Config struct {
	Backend       string // "goplus" | "rules"
	CacheTTLS     int
	DBTTLS        int
	AllowStale    bool
	StaleMaxS     int
	RateLimitRPM  int
	MaxRetries    int
	Thresholds    Thresholds
}

// Fetcher is the upstream transport; the HTTP-backed implementation lives
// in goplus.go, kept separate so tests can supply a fake.
type Fetcher interface {
	TokenSecurity(ctx context.Context, chainID, address string) (Payload, error)
	AddressSecurity(ctx context.Context, address string) (Payload, error)
	ApprovalSecurity(ctx context.Context, chainID, address, approvalType string) (Payload, error)
}

// Client is the security provider client.
type Client struct {
	cfg      Config
	fetcher  Fetcher
	memo     *memo.Memo
	kv       *kvstore.Store
	rel      *store.Store
	rules    *rulesconfig.Registry
	breaker  *resilience.CircuitBreaker
	log      *logger.Logger
	randFn   func() float64
}

// New constructs a Client. kv and rel may be nil (best-effort caching is
// skipped for the tiers that are absent); rules may be nil if no
// blacklist/whitelist fallback namespace is configured.
func New(cfg Config, fetcher Fetcher, m *memo.Memo, kv *kvstore.Store, rel *store.Store, rules *rulesconfig.Registry, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewFromEnv("security")
	}
	if m == nil {
		m = memo.New(memo.DefaultConfig())
	}
	return &Client{
		cfg:     cfg,
		fetcher: fetcher,
		memo:    m,
		kv:      kv,
		rel:     rel,
		rules:   rules,
		breaker: resilience.New(resilience.DefaultProviderCBConfig("security", log)),
		log:     log,
		randFn:  rand.Float64,
	}
}

const endpointTokenSecurity = "token_security"
const endpointAddressSecurity = "address_security"
const endpointApprovalSecurity = "approval_security"

// TokenSecurity implements the token_security(chain_id, address) operation.
func (c *Client) TokenSecurity(ctx context.Context, chainID, address string) (providers.Result, error) {
	key := cacheKey(chainID, address)
	return c.scan(ctx, endpointTokenSecurity, chainID, key, address, func(ctx context.Context) (Payload, error) {
		return c.fetcher.TokenSecurity(ctx, chainID, address)
	})
}

// AddressSecurity implements the address_security(address) operation.
func (c *Client) AddressSecurity(ctx context.Context, address string) (providers.Result, error) {
	key := cacheKey("", address)
	return c.scan(ctx, endpointAddressSecurity, "", key, address, func(ctx context.Context) (Payload, error) {
		return c.fetcher.AddressSecurity(ctx, address)
	})
}

// ApprovalSecurity implements the approval_security(chain_id, address, type) operation.
func (c *Client) ApprovalSecurity(ctx context.Context, chainID, address, approvalType string) (providers.Result, error) {
	key := cacheKey(chainID, address+"|"+approvalType)
	return c.scan(ctx, endpointApprovalSecurity, chainID, key, address, func(ctx context.Context) (Payload, error) {
		return c.fetcher.ApprovalSecurity(ctx, chainID, address, approvalType)
	})
}

func cacheKey(chain, opaque string) string {
	sum := sha1.Sum([]byte(chain + "|" + opaque))
	return hex.EncodeToString(sum[:])
}

func (c *Client) scan(ctx context.Context, endpoint, chain, key, address string, fetch func(context.Context) (Payload, error)) (providers.Result, error) {
	memoKey := endpoint + ":" + chain + ":" + key

	if res, ok := c.readMemo(memoKey); ok {
		return res, nil
	}
	if res, ok := c.readKV(ctx, endpoint, chain, key, memoKey); ok {
		return res, nil
	}
	if res, ok := c.readRelational(ctx, endpoint, chain, key, memoKey); ok {
		return res, nil
	}

	payload, err := c.fetchUpstream(ctx, fetch)
	if err != nil {
		return c.degrade(ctx, chain, address, err), nil
	}

	risk := DeriveRisk(payload, c.cfg.Thresholds)
	payload.Risk = risk
	c.writeThrough(ctx, endpoint, chain, key, memoKey, payload)

	return providers.Result{
		Payload: payload,
		Source:  c.cfg.Backend,
		Cache:   false,
		Stale:   false,
		Degrade: false,
		Reason:  providers.ReasonNone,
	}, nil
}

func (c *Client) fetchUpstream(ctx context.Context, fetch func(context.Context) (Payload, error)) (Payload, error) {
	var payload Payload
	err := c.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
			p, err := fetch(ctx)
			if err != nil {
				if apperrors.Is(err, apperrors.KindUpstreamAuth) {
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

func (c *Client) readMemo(memoKey string) (providers.Result, bool) {
	r := c.memo.Get(memoKey)
	if !r.Found {
		return providers.Result{}, false
	}
	payload, ok := r.Value.(Payload)
	if !ok {
		return providers.Result{}, false
	}
	return providers.Result{
		Payload: payload,
		Source:  c.cfg.Backend,
		Cache:   r.Fresh,
		Stale:   r.Stale,
		Degrade: false,
		Reason:  providers.ReasonNone,
	}, true
}

func (c *Client) readKV(ctx context.Context, endpoint, chain, key, memoKey string) (providers.Result, bool) {
	if c.kv == nil {
		return providers.Result{}, false
	}
	raw, found, err := c.kv.Get(ctx, "seccache:"+endpoint+":"+chain+":"+key)
	if err != nil || !found {
		return providers.Result{}, false
	}
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return providers.Result{}, false
	}
	c.memo.Set(memoKey, payload, time.Duration(c.cfg.CacheTTLS)*time.Second, c.staleWindow())
	return providers.Result{Payload: payload, Source: c.cfg.Backend, Cache: true, Reason: providers.ReasonNone}, true
}

func (c *Client) readRelational(ctx context.Context, endpoint, chain, key, memoKey string) (providers.Result, bool) {
	if c.rel == nil {
		return providers.Result{}, false
	}
	entry, err := c.rel.GetProviderCache(ctx, endpoint, chain, key)
	if err != nil {
		return providers.Result{}, false
	}
	var payload Payload
	if err := decodeJSONB(entry.Payload, &payload); err != nil {
		return providers.Result{}, false
	}

	now := time.Now()
	fresh := now.Before(entry.ExpiresAt)
	stale := !fresh && c.cfg.AllowStale && now.Before(entry.ExpiresAt.Add(c.staleWindow()))
	if !fresh && !stale {
		return providers.Result{}, false
	}

	c.memo.Set(memoKey, payload, time.Until(entry.ExpiresAt), c.staleWindow())
	return providers.Result{
		Payload: payload,
		Source:  c.cfg.Backend,
		Cache:   fresh,
		Stale:   stale,
		Reason:  providers.ReasonNone,
	}, true
}

func (c *Client) writeThrough(ctx context.Context, endpoint, chain, key, memoKey string, payload Payload) {
	ttl := time.Duration(c.cfg.CacheTTLS) * time.Second
	jittered := jitter(ttl, c.randFn())

	c.memo.Set(memoKey, payload, jittered, c.staleWindow())

	if c.kv != nil {
		if raw, err := json.Marshal(payload); err == nil {
			_ = c.kv.Set(ctx, "seccache:"+endpoint+":"+chain+":"+key, string(raw), jittered)
		}
	}

	if c.rel != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			var jsonb store.JSONB
			_ = json.Unmarshal(raw, &jsonb)
			dbTTL := time.Duration(c.cfg.DBTTLS) * time.Second
			_ = c.rel.PutProviderCache(ctx, store.ProviderCacheEntry{
				Endpoint:  endpoint,
				Chain:     chain,
				Key:       key,
				Payload:   jsonb,
				ExpiresAt: time.Now().Add(jitter(dbTTL, c.randFn())),
			})
		}
	}
}

// degrade evaluates the local blacklist/whitelist rules namespace when the
// upstream is unavailable, producing a degrade=true result rather than
// raising.
func (c *Client) degrade(ctx context.Context, chain, address string, cause error) providers.Result {
	reason := reasonFromError(cause)
	risk := RiskUnknown
	notes := []string{"upstream_unavailable"}

	if c.rules != nil {
		if ns, ok := c.rules.GetNS("risk_rules"); ok {
			if isInList(ns["blacklist"], address) {
				risk = RiskRed
				notes = append(notes, "rules:blacklist")
			} else if isInList(ns["whitelist"], address) {
				risk = RiskGreen
				notes = append(notes, "rules:whitelist")
			}
		}
	}

	c.log.WithContext(ctx).WithFields(map[string]interface{}{
		"chain": chain, "address": address, "reason": reason,
	}).Warn("security scan degraded")

	return providers.Result{
		Payload: Payload{Risk: risk},
		Source:  "rules",
		Degrade: true,
		Reason:  reason,
		Notes:   notes,
	}
}

func isInList(v interface{}, target string) bool {
	list, ok := v.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		if s, ok := item.(string); ok && s == target {
			return true
		}
	}
	return false
}

func reasonFromError(err error) string {
	kind, ok := apperrors.KindOf(err)
	if !ok {
		return providers.ReasonUnknown
	}
	switch kind {
	case apperrors.KindUpstreamTimeout:
		return providers.ReasonTimeout
	case apperrors.KindUpstreamAuth:
		return providers.ReasonHTTP4xx
	case apperrors.KindUpstreamPermanent:
		return providers.ReasonHTTP4xx
	case apperrors.KindUpstreamTransient:
		return providers.ReasonHTTP5xx
	default:
		return providers.ReasonProviderError
	}
}

func (c *Client) staleWindow() time.Duration {
	if !c.cfg.AllowStale {
		return 0
	}
	return time.Duration(c.cfg.StaleMaxS) * time.Second
}

func jitter(d time.Duration, f float64) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*0.10*f)
}

// DeriveRisk applies the risk-derivation rules to a parsed payload. Tax
// values arriving as a fraction (<=1.0) are treated as percent*100; values
// already >1.0 are assumed to already be a percentage.
func DeriveRisk(p Payload, th Thresholds) RiskColor {
	buyTax := normalizeTaxPct(p.BuyTax)
	sellTax := normalizeTaxPct(p.SellTax)

	switch {
	case p.Honeypot && th.HoneypotRed:
		return RiskRed
	case buyTax >= th.TaxRedPct || sellTax >= th.TaxRedPct:
		return RiskRed
	case p.LPLockDays < th.LPYellowDays:
		return RiskYellow
	case p.HasTax || p.Honeypot || buyTax > 0 || sellTax > 0:
		return RiskGreen
	default:
		return RiskUnknown
	}
}

// normalizeTaxPct maps a fraction (<=1.0) to a percent by multiplying by
// 100; values already above 1.0 are assumed to be expressed as a percent.
func normalizeTaxPct(v float64) float64 {
	if v <= 1.0 {
		return v * 100
	}
	return v
}

func decodeJSONB(j store.JSONB, out interface{}) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal jsonb: %w", err)
	}
	return json.Unmarshal(raw, out)
}
