package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cryptopulse/signalpipe/internal/providers/httpkit"
	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

// DexConfig holds one upstream's DEX_PRIMARY_*/DEX_SECONDARY_* env set. The
// same shape serves both ladder rungs; Name only affects logging/errors.
type DexConfig struct {
	Name      string
	BaseURL   string
	APIKey    string
	TimeoutMS int
}

// dexSnapshotResponse is the normalized pair-snapshot shape both configured
// DEX aggregators in this deployment return.
type dexSnapshotResponse struct {
	PriceUSD     string  `json:"priceUsd"`
	FDV          float64 `json:"fdv"`
	Liquidity    struct{ USD float64 `json:"usd"` } `json:"liquidity"`
	PriceChange  struct {
		M5  float64 `json:"m5"`
		H1  float64 `json:"h1"`
		H24 float64 `json:"h24"`
	} `json:"priceChange"`
}

// DexFetcher is the HTTP-backed Fetcher implementation shared by the
// primary and secondary DEX upstreams; each rung is one DexFetcher
// instance with its own base URL and credentials.
type DexFetcher struct {
	cfg    DexConfig
	client *http.Client
	base   string
}

// NewDexFetcher builds a DexFetcher. A blank BaseURL is rejected with a
// validation error, and a non-blank one must parse.
func NewDexFetcher(cfg DexConfig) (*DexFetcher, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.New(apperrors.KindValidation, fmt.Sprintf("%s base URL not configured", cfg.Name))
	}
	client, normalized, err := httpkit.NewClientWithBaseURL(httpkit.ClientConfig{
		BaseURL: cfg.BaseURL,
		Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}, httpkit.DefaultClientDefaults())
	if err != nil {
		return nil, err
	}
	return &DexFetcher{cfg: cfg, client: client, base: normalized}, nil
}

// Snapshot implements Fetcher.
func (f *DexFetcher) Snapshot(ctx context.Context, chain, contract string) (Payload, error) {
	path := fmt.Sprintf("/pairs/%s/%s", url.PathEscape(chain), url.PathEscape(contract))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+path, nil)
	if err != nil {
		return Payload{}, apperrors.Wrap(apperrors.KindValidation, "build "+f.cfg.Name+" request", err)
	}
	if f.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", httpkit.TrimOrEmpty(f.cfg.APIKey))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Payload{}, apperrors.UpstreamTimeout(f.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := httpkit.ReadAllStrict(resp.Body, httpkit.DefaultClientDefaults().MaxBodyBytes)
	if err != nil {
		return Payload{}, apperrors.Wrap(apperrors.KindUpstreamTransient, "read "+f.cfg.Name+" response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Payload{}, apperrors.UpstreamAuth(f.cfg.Name, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Payload{}, apperrors.UpstreamTransient(f.cfg.Name, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return Payload{}, apperrors.UpstreamPermanent(f.cfg.Name, fmt.Errorf("status %d", resp.StatusCode))
	}

	var parsed dexSnapshotResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Payload{}, apperrors.Parse(f.cfg.Name+" response", err)
	}

	var priceUSD float64
	fmt.Sscanf(parsed.PriceUSD, "%f", &priceUSD)

	return Payload{
		PriceUSD:     priceUSD,
		LiquidityUSD: parsed.Liquidity.USD,
		FDV:          parsed.FDV,
		OHLC:         OHLC{M5: parsed.PriceChange.M5, H1: parsed.PriceChange.H1, H24: parsed.PriceChange.H24},
		AsOf:         time.Now(),
	}, nil
}
