package security

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cryptopulse/signalpipe/internal/providers/httpkit"
	"github.com/cryptopulse/signalpipe/internal/providers/ratelimit"
	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

// GoPlusConfig holds the GOPLUS_* environment variables for the HTTP
// fetcher.
type GoPlusConfig struct {
	BaseURL      string
	AccessToken  string
	APIKey       string
	ClientID     string
	Secret       string
	TimeoutMS    int
	RateLimitRPM int
}

// goPlusResponse mirrors the subset of the GoPlus token-security API
// response this client reads; unrecognized fields are ignored.
type goPlusResponse struct {
	Code   int                        `json:"code"`
	Result map[string]goPlusTokenInfo `json:"result"`
}

type goPlusTokenInfo struct {
	IsHoneypot      string `json:"is_honeypot"`
	BuyTax          string `json:"buy_tax"`
	SellTax         string `json:"sell_tax"`
	LPHolderCount   string `json:"lp_holder_count"`
	LPTotalLockDays string `json:"lp_total_lock_days"`
}

// GoPlusFetcher is the HTTP-backed Fetcher implementation for the GoPlus
// backend, rate-limited with a token bucket and talking over a TLS 1.2+
// client from internal/providers/httpkit.
type GoPlusFetcher struct {
	cfg     GoPlusConfig
	client  *http.Client
	baseURL string
	bucket  *ratelimit.Bucket
}

// NewGoPlusFetcher builds a GoPlusFetcher. Construction fails if
// AccessToken/APIKey are both blank — a required credential is missing.
func NewGoPlusFetcher(cfg GoPlusConfig) (*GoPlusFetcher, error) {
	if cfg.AccessToken == "" && cfg.APIKey == "" {
		return nil, apperrors.New(apperrors.KindValidation, "goplus credentials missing (GOPLUS_ACCESS_TOKEN or GOPLUS_API_KEY required)")
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.gopluslabs.io"
	}
	client, normalized, err := httpkit.NewClientWithBaseURL(httpkit.ClientConfig{
		BaseURL: base,
		Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}, httpkit.DefaultClientDefaults())
	if err != nil {
		return nil, err
	}
	rpm := cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 60
	}
	return &GoPlusFetcher{cfg: cfg, client: client, baseURL: normalized, bucket: ratelimit.NewBucket(float64(rpm))}, nil
}

func (f *GoPlusFetcher) TokenSecurity(ctx context.Context, chainID, address string) (Payload, error) {
	path := fmt.Sprintf("/api/v1/token_security/%s", url.PathEscape(chainID))
	return f.get(ctx, path, map[string]string{"contract_addresses": address})
}

func (f *GoPlusFetcher) AddressSecurity(ctx context.Context, address string) (Payload, error) {
	return f.get(ctx, "/api/v1/address_security/"+url.PathEscape(address), nil)
}

func (f *GoPlusFetcher) ApprovalSecurity(ctx context.Context, chainID, address, approvalType string) (Payload, error) {
	path := fmt.Sprintf("/api/v2/token_approval_security/%s", url.PathEscape(chainID))
	return f.get(ctx, path, map[string]string{"contract_addresses": address, "type": approvalType})
}

func (f *GoPlusFetcher) get(ctx context.Context, path string, query map[string]string) (Payload, error) {
	if err := f.bucket.Acquire(ctx, 1); err != nil {
		return Payload{}, err
	}

	reqURL := f.baseURL + path
	if len(query) > 0 {
		vals := url.Values{}
		for k, v := range query {
			vals.Set(k, v)
		}
		reqURL += "?" + vals.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Payload{}, apperrors.Wrap(apperrors.KindValidation, "build goplus request", err)
	}
	if f.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+httpkit.TrimOrEmpty(f.cfg.AccessToken))
	}
	if f.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", httpkit.TrimOrEmpty(f.cfg.APIKey))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Payload{}, apperrors.UpstreamTimeout("goplus", err)
	}
	defer resp.Body.Close()

	body, err := httpkit.ReadAllStrict(resp.Body, httpkit.DefaultClientDefaults().MaxBodyBytes)
	if err != nil {
		return Payload{}, apperrors.Wrap(apperrors.KindUpstreamTransient, "read goplus response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Payload{}, apperrors.UpstreamAuth("goplus", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Payload{}, apperrors.UpstreamTransient("goplus", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return Payload{}, apperrors.UpstreamPermanent("goplus", fmt.Errorf("status %d", resp.StatusCode))
	}

	var parsed goPlusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Payload{}, apperrors.Parse("goplus response", err)
	}

	for _, info := range parsed.Result {
		return goPlusInfoToPayload(info), nil
	}
	return Payload{AsOf: time.Now()}, nil
}

func goPlusInfoToPayload(info goPlusTokenInfo) Payload {
	return Payload{
		Honeypot:   info.IsHoneypot == "1",
		HasTax:     info.BuyTax != "" || info.SellTax != "",
		BuyTax:     parseGoPlusFloat(info.BuyTax),
		SellTax:    parseGoPlusFloat(info.SellTax),
		LPLockDays: parseGoPlusFloat(info.LPTotalLockDays),
		AsOf:       time.Now(),
	}
}

func parseGoPlusFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
