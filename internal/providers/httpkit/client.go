package httpkit

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ClientConfig holds the standard client configuration shared by every
// outbound provider client (security, market-data, on-chain, social,
// messaging).
type ClientConfig struct {
	// BaseURL is the provider's base URL (will be normalized).
	BaseURL string

	// Timeout is the request timeout. Zero means use ClientDefaults.Timeout.
	Timeout time.Duration

	// HTTPClient is the base client to copy from (e.g. one wrapped with a
	// rate limiter or circuit breaker). If nil, a default client is built.
	HTTPClient *http.Client

	// MaxBodyBytes caps response body size. Zero means use
	// ClientDefaults.MaxBodyBytes.
	MaxBodyBytes int64
}

// ClientDefaults holds default values applied when ClientConfig leaves a
// field unset.
type ClientDefaults struct {
	Timeout          time.Duration
	MaxBodyBytes     int64
	NormalizeBaseURL bool
	RequireHTTPS     bool
}

// DefaultClientDefaults mirrors the provider clients' documented timeout
// budget and 1 MiB response cap.
func DefaultClientDefaults() ClientDefaults {
	return ClientDefaults{
		Timeout:          10 * time.Second,
		MaxBodyBytes:     1 << 20,
		NormalizeBaseURL: true,
		RequireHTTPS:     false,
	}
}

// NewClient builds an *http.Client applying the defaults' timeout to
// cfg.HTTPClient (or a fresh client if none was supplied).
func NewClient(cfg ClientConfig, defaults ClientDefaults) (*http.Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	forceTimeout := cfg.Timeout != 0

	return CopyHTTPClientWithTimeout(cfg.HTTPClient, timeout, forceTimeout), nil
}

// NewClientWithBaseURL normalizes cfg.BaseURL per defaults and builds the
// client, returning both — the common construction path for provider
// clients.
func NewClientWithBaseURL(cfg ClientConfig, defaults ClientDefaults) (*http.Client, string, error) {
	var normalizedURL string
	var err error

	if defaults.NormalizeBaseURL {
		normalizedURL, _, err = NormalizeBaseURL(cfg.BaseURL, BaseURLOptions{RequireHTTPS: defaults.RequireHTTPS})
		if err != nil {
			return nil, "", fmt.Errorf("normalize base URL: %w", err)
		}
	} else {
		normalizedURL = cfg.BaseURL
	}

	client, err := NewClient(ClientConfig{
		BaseURL:    normalizedURL,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
	}, defaults)
	if err != nil {
		return nil, "", err
	}

	return client, normalizedURL, nil
}

// ResolveMaxBodyBytes returns cfg if positive, else defaultBytes.
func ResolveMaxBodyBytes(cfg int64, defaultBytes int64) int64 {
	if cfg <= 0 {
		return defaultBytes
	}
	return cfg
}

// TrimOrEmpty returns a trimmed string, used for API keys/tokens pulled
// from config before they go into a request header.
func TrimOrEmpty(s string) string {
	return strings.TrimSpace(s)
}
