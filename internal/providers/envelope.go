// Package providers holds the shared result envelope and reason-code
// vocabulary every upstream client (security, market, on-chain, social)
// returns. Downstream code treats these five flags as authoritative.
package providers

// Result is the envelope every provider call returns. Cache, Stale, and
// Degrade are independent flags: Cache/Stale describe provenance, Degrade
// describes whether the payload is a safe fallback rather than a live
// answer.
type Result struct {
	Payload interface{}
	Source  string
	Cache   bool
	Stale   bool
	Degrade bool
	Reason  string
	Notes   []string
}

// Reason is the closed set of values Result.Reason may take, per the
// market-data provider's documented vocabulary — reused across
// providers for consistency, each one only populating the subset it needs.
const (
	ReasonNone            = ""
	ReasonTimeout         = "timeout"
	ReasonConnRefused     = "conn_refused"
	ReasonHTTP4xx         = "http_4xx"
	ReasonHTTP5xx         = "http_5xx"
	ReasonUnknown         = "unknown"
	ReasonBothFailedLast  = "both_failed_last_ok"
	ReasonBothFailedEmpty = "both_failed_no_cache"
	ReasonProviderError   = "provider_error"
)
