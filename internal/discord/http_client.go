package discord

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient creates an HTTP client tuned for Discord API calls:
// connection pooling, keep-alive, and timeouts that prevent a hung
// request from stalling a reconciliation sweep. The overall client
// timeout deliberately excludes the rate-limit sleep, which happens
// before the request is issued.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout: 10 * time.Second,

		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		ForceAttemptHTTP2: true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}
