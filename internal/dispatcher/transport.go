package dispatcher

import (
	"net"
	"net/http"
	"time"
)

// newPooledTransport builds the shared transport used for the common case:
// keep-alive on, a high per-host connection cap, and a generous idle
// timeout so credential-bound requests reuse warm connections (§4.6 step 3).
func newPooledTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        2000,
		MaxIdleConnsPerHost: 500,
		MaxConnsPerHost:     0,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
		ForceAttemptHTTP2:   true,
	}
}

// newFreshTransport builds a short-lived, unpooled transport for the retry
// attempt that follows an EOF-flavored failure, so the retry never reuses a
// connection the previous attempt may have left in a poisoned state.
func newFreshTransport() *http.Transport {
	t := newPooledTransport()
	t.DisableKeepAlives = true
	t.MaxIdleConnsPerHost = 1
	return t
}
