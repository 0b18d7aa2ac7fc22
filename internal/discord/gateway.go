package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tkhamez/neucore-discord-plugin/internal/logging"
)

// https://discord.com/developers/docs/topics/rate-limits
const (
	headerRateLimitRemaining  = "X-RateLimit-Remaining"
	headerRateLimitResetAfter = "X-RateLimit-Reset-After"
	headerRateLimitBucket     = "X-RateLimit-Bucket"

	// Synthetic bucket for a global 429 cooldown.
	bucket429 = "http429"

	userAgent = "Neucore Discord Plugin (https://github.com/tkhamez/neucore-discord-plugin)"
)

// APIError is a non-2xx response, decoded at the gateway boundary.
// Code is the numeric error code from the response body (0 when the body
// carries none), e.g. 10007 "Unknown Member" or 40007 "banned".
type APIError struct {
	Status int
	Code   int
	Body   string

	retryAfterMS float64
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("discord api: status %d, code %d", e.Status, e.Code)
	}
	return fmt.Sprintf("discord api: status %d", e.Status)
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Body: string(body)}
	var parsed struct {
		Code       int     `json:"code"`
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Code
		apiErr.retryAfterMS = parsed.RetryAfter
	}
	return apiErr
}

type bucketState struct {
	remaining  int
	resetAfter float64 // seconds
	observed   time.Time
}

// Gateway issues HTTP calls against the Discord API and keeps per-bucket
// rate-limit state rebuilt from response headers on every call. When any
// bucket is exhausted the next call blocks until the longest outstanding
// reset has passed. The throttle is deliberately coarse: one exhausted
// bucket stalls all traffic issued through this gateway instance.
//
// The bucket map is shared mutable state; all access is mutex-protected
// so concurrent sweeps may share one gateway.
type Gateway struct {
	log        *slog.Logger
	httpClient *http.Client

	mu     sync.Mutex
	limits map[string]bucketState

	// injectable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

func NewGateway(log *slog.Logger) *Gateway {
	return &Gateway{
		log:        log,
		httpClient: NewHTTPClient(),
		limits:     make(map[string]bucketState),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Request issues a rate-limited call. It blocks first if the tracked
// buckets demand it, then records the rate-limit headers of the response.
// On a non-2xx response the returned error is an *APIError.
func (g *Gateway) Request(ctx context.Context, method, url string, header http.Header, body []byte) ([]byte, error) {
	if wait := g.waitDuration(); wait > 0 {
		g.log.Info("rate_limit_wait", "seconds", wait.Seconds())
		g.sleep(wait)
	}

	data, resp, err := g.send(ctx, method, url, header, body)
	if resp != nil {
		g.recordLimits(resp, err)
	}
	return data, err
}

// Send issues a call without touching the bucket accounting. Used for the
// OAuth endpoints, which are not part of the bot-token budget.
func (g *Gateway) Send(ctx context.Context, method, url string, header http.Header, body []byte) ([]byte, error) {
	data, _, err := g.send(ctx, method, url, header, body)
	return data, err
}

// waitDuration computes the coarse global throttle: the minimum remaining
// call count across all known buckets and the maximum outstanding reset
// time. Only when the minimum remaining is below one does an exhausted
// bucket force a wait.
func (g *Gateway) waitDuration() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.limits) == 0 {
		return 0
	}

	now := g.now()
	var maxReset float64
	remaining := math.MaxInt32
	for _, limit := range g.limits {
		reset := limit.resetAfter + 0.01 - now.Sub(limit.observed).Seconds()
		if reset > maxReset {
			maxReset = reset
		}
		if limit.remaining < remaining {
			remaining = limit.remaining
		}
	}

	waitSeconds := math.Ceil(maxReset)
	if remaining < 1 && waitSeconds > 0 {
		return time.Duration(waitSeconds) * time.Second
	}
	return 0
}

// recordLimits rebuilds bucket state from the response headers. Reset-After
// is used instead of X-RateLimit-Reset so a wrong local clock does not
// matter. A 429 with a retry_after body value (milliseconds) becomes the
// synthetic global cooldown bucket.
func (g *Gateway) recordLimits(resp *http.Response, callErr error) {
	remaining := resp.Header.Get(headerRateLimitRemaining)
	resetAfter := resp.Header.Get(headerRateLimitResetAfter)
	bucket := resp.Header.Get(headerRateLimitBucket)

	g.mu.Lock()
	defer g.mu.Unlock()

	if remaining != "" && resetAfter != "" && bucket != "" {
		remainingN, err1 := strconv.Atoi(remaining)
		resetAfterS, err2 := strconv.ParseFloat(resetAfter, 64)
		if err1 == nil && err2 == nil {
			g.limits[bucket] = bucketState{
				remaining:  remainingN,
				resetAfter: resetAfterS,
				observed:   g.now(),
			}
		}
	}

	var apiErr *APIError
	if errors.As(callErr, &apiErr) && apiErr.Status == http.StatusTooManyRequests && apiErr.retryAfterMS > 0 {
		g.limits[bucket429] = bucketState{
			remaining:  0,
			resetAfter: math.Round(apiErr.retryAfterMS/1000*10) / 10,
			observed:   g.now(),
		}
	}
}

func (g *Gateway) send(ctx context.Context, method, url string, header http.Header, body []byte) ([]byte, *http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	for name, values := range header {
		req.Header[name] = values
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.log.Error("request_failed", "method", method, "url", url, "error", err)
		return nil, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		g.log.Error("response_read_failed", "method", method, "url", url, "error", err)
		return nil, resp, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseAPIError(resp.StatusCode, data)
		g.log.Error("request_error",
			"method", method,
			"url", url,
			"request_headers", redactedHeaders(header),
			"status", resp.StatusCode,
			"body", apiErr.Body,
			"response_headers", debugHeaders(resp.Header),
		)
		return nil, resp, apiErr
	}

	return data, resp, nil
}

// redactedHeaders keeps only the scheme token of the Authorization value.
func redactedHeaders(header http.Header) map[string]string {
	result := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		if http.CanonicalHeaderKey(name) == "Authorization" {
			value = logging.RedactAuthorization(value)
		}
		result[name] = value
	}
	return result
}

func debugHeaders(header http.Header) map[string]string {
	keep := []string{
		"Retry-After",
		"X-RateLimit-Global",
		"X-RateLimit-Limit",
		headerRateLimitRemaining,
		"X-RateLimit-Reset",
		headerRateLimitResetAfter,
		headerRateLimitBucket,
	}
	result := make(map[string]string)
	for _, name := range keep {
		if v := header.Get(name); v != "" {
			result[name] = v
		}
	}
	return result
}
