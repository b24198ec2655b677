package httpkit

import (
	"net/http"
	"time"
)

// CopyHTTPClientWithTimeout returns a shallow copy of base with its Timeout
// set, never mutating the caller-provided instance.
//
// If base is nil, it returns a new http.Client. If base.Timeout is zero,
// the timeout is always set; if force is true it is set regardless.
func CopyHTTPClientWithTimeout(base *http.Client, timeout time.Duration, force bool) *http.Client {
	if base == nil {
		return &http.Client{Timeout: timeout, Transport: DefaultTransportWithMinTLS12()}
	}

	copied := *base
	if copied.Timeout == 0 || force {
		copied.Timeout = timeout
	}
	return &copied
}
