// Package hevyclient implements the resilient client described in
// spec.md §4.5: it composes the circuit breaker, response cache, rate
// limit tracker, and HTTP executor into a single request operation with
// retry and exponential jittered backoff. This is the only layer
// pagination and delta import call into directly.
package hevyclient

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"hevysync.dev/agent/breaker"
	"hevysync.dev/agent/cache"
	"hevysync.dev/agent/internal/clock"
	"hevysync.dev/agent/internal/herrors"
	"hevysync.dev/agent/internal/logging"
	"hevysync.dev/agent/ratelimit"
	"hevysync.dev/agent/transport"
)

// Client is the resilient request operation: circuit breaker + response
// cache + rate-limit tracker + HTTP executor, wired together.
type Client struct {
	executor  *transport.Executor
	breaker   *breaker.Breaker
	cache     *cache.Cache
	rateLimit *ratelimit.Tracker
	log       *logging.ContextLogger
	clock     clock.Clock

	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int

	validationTimeout time.Duration
	requestTimeout    time.Duration

	rng func() float64
}

// Config wires a Client's collaborators and tunables.
type Config struct {
	Executor          *transport.Executor
	Breaker           *breaker.Breaker
	Cache             *cache.Cache
	RateLimit         *ratelimit.Tracker
	Log               *logging.ContextLogger
	Clock             clock.Clock
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxRetries        int
	RequestTimeout    time.Duration
	ValidationTimeout time.Duration
}

func New(cfg Config) *Client {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Client{
		executor:          cfg.Executor,
		breaker:           cfg.Breaker,
		cache:             cfg.Cache,
		rateLimit:         cfg.RateLimit,
		log:               cfg.Log,
		clock:             c,
		baseDelay:         cfg.BaseDelay,
		maxDelay:          cfg.MaxDelay,
		maxRetries:        cfg.MaxRetries,
		requestTimeout:    cfg.RequestTimeout,
		validationTimeout: cfg.ValidationTimeout,
		rng:               rand.Float64,
	}
}

// Request is the single public operation named in spec.md §4.5.
type Request struct {
	Path    string
	Method  string
	Headers map[string]string
	Query   url.Values
	Payload interface{}
	// Out, if non-nil, receives the JSON-decoded successful response.
	Out interface{}
	// Timeout overrides the client's default request timeout, used for
	// key-validation's shorter deadline.
	Timeout time.Duration
}

// Request executes req per spec.md §4.5's algorithm: breaker check,
// cache lookup for GETs, then a bounded retry loop with jittered
// exponential backoff.
func (c *Client) Request(ctx context.Context, req Request) error {
	if err := c.breaker.Check(req.Path); err != nil {
		return err
	}

	isGet := strings.EqualFold(req.Method, "GET")
	var fingerprint string
	if isGet {
		fingerprint = cache.Fingerprint(req.Path, req.Query)
		if cached, hit := c.cache.Get(fingerprint); hit {
			return decodeCached(cached, req.Out)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.requestTimeout
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, err := c.executor.Do(ctx, transport.Request{
			Method:  req.Method,
			Path:    req.Path,
			Query:   req.Query,
			Headers: req.Headers,
			Payload: req.Payload,
			Timeout: timeout,
		})
		if err != nil {
			lastErr = err
			if !c.retryable(err, attempt) {
				c.breaker.RecordFailure(err)
				return err
			}
			c.sleepBackoff(ctx, attempt)
			continue
		}

		c.rateLimit.Observe(resp.Headers)

		classifyErr := transport.Classify(resp, req.Out)
		if classifyErr == nil {
			c.breaker.RecordSuccess()
			if isGet && resp.Status != 204 && len(resp.Body) > 0 {
				c.cache.Put(fingerprint, resp.Body)
			}
			return nil
		}

		lastErr = classifyErr
		if !c.retryable(classifyErr, attempt) {
			c.breaker.RecordFailure(classifyErr)
			return classifyErr
		}
		c.sleepBackoff(ctx, attempt)
	}

	return lastErr
}

func (c *Client) retryable(err error, attempt int) bool {
	if attempt >= c.maxRetries-1 {
		return false
	}
	apiErr, ok := err.(*herrors.ApiError)
	if !ok {
		return false
	}
	return apiErr.Retryable()
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) {
	d := Backoff(attempt, c.baseDelay, c.maxDelay, c.rng())
	select {
	case <-ctx.Done():
	case <-c.clock.After(d):
	}
}

// Backoff implements spec.md §4.5's formula:
//
//	delay(attempt) = min(BASE*2^attempt, MAX) * (0.5 + u*0.5)
//
// where u is a caller-supplied uniform sample in [0, 1). Factored out
// as a pure function so it can be checked against cenkalti/backoff's
// exponential curve in tests without needing a real clock.
func Backoff(attempt int, base, max time.Duration, u float64) time.Duration {
	capped := base * time.Duration(1<<uint(attempt))
	if capped > max || capped <= 0 {
		capped = max
	}
	jitterFactor := 0.5 + u*0.5
	return time.Duration(float64(capped) * jitterFactor)
}

func decodeCached(payload []byte, out interface{}) error {
	if out == nil || len(payload) == 0 {
		return nil
	}
	return transport.Classify(&transport.ResponseView{Status: 200, Body: payload}, out)
}
