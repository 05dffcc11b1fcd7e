// Package ratelimit implements the rate-limit tracker described in
// spec.md §4.3: it extracts remaining/reset/limit headers from every
// response, persists a snapshot to the durable tier, and emits a
// low-headroom warning. It also carries a local token bucket
// (golang.org/x/time/rate), independent of the header-derived
// snapshot, that callers can query through Allow. The bucket only
// reports; it does not delay or reject requests by itself.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"hevysync.dev/agent/internal/clock"
	"hevysync.dev/agent/internal/logging"
	"hevysync.dev/agent/kv"
)

// SnapshotKey is the well-known durable-tier key the latest snapshot is
// persisted under (RATE_LIMIT_INFO in spec.md §6).
const SnapshotKey = "RATE_LIMIT_INFO"

const lowHeadroomThreshold = 0.10

// Snapshot is the latest rate-limit state observed from response headers.
type Snapshot struct {
	Remaining  *int      `json:"remaining,omitempty"`
	Limit      *int      `json:"limit,omitempty"`
	Reset      *int      `json:"reset,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Tracker persists rate-limit snapshots and holds a local token bucket.
type Tracker struct {
	durable kv.DurableCache
	log     *logging.ContextLogger
	clock   clock.Clock
	bucket  *rate.Limiter
}

// Config configures a Tracker. RequestsPerSecond/Burst configure the
// local token bucket; a zero RequestsPerSecond disables local
// throttling (rate.Inf), leaving only the header-derived snapshot and
// warning behavior.
type Config struct {
	Durable           kv.DurableCache
	Log               *logging.ContextLogger
	Clock             clock.Clock
	RequestsPerSecond float64
	Burst             int
}

func New(cfg Config) *Tracker {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Tracker{
		durable: cfg.Durable,
		log:     cfg.Log,
		clock:   c,
		bucket:  rate.NewLimiter(limit, burst),
	}
}

// Allow reports whether the local token bucket currently permits a
// request, consuming a token if so; it never blocks. The resilient
// client (hevyclient) does not call it, so requests are not throttled
// by the bucket.
func (t *Tracker) Allow() bool { return t.bucket.Allow() }

// Observe extracts the rate-limit headers from resp (case-insensitively
// named X-RateLimit-Remaining/X-RateLimit-Reset/X-RateLimit-Limit, per
// spec.md §4.3), persists a snapshot if at least one was present, and
// emits a warning when remaining/limit drops under 10%.
func (t *Tracker) Observe(header http.Header) {
	remaining, hasRemaining := parseHeaderInt(header, "X-RateLimit-Remaining")
	reset, hasReset := parseHeaderInt(header, "X-RateLimit-Reset")
	limit, hasLimit := parseHeaderInt(header, "X-RateLimit-Limit")

	if !hasRemaining && !hasReset && !hasLimit {
		return
	}

	snap := Snapshot{ObservedAt: t.clock.Now()}
	if hasRemaining {
		snap.Remaining = &remaining
	}
	if hasReset {
		snap.Reset = &reset
	}
	if hasLimit {
		snap.Limit = &limit
	}

	if hasRemaining && hasLimit && limit > 0 {
		if float64(remaining)/float64(limit) < lowHeadroomThreshold {
			t.logf("rate limit headroom low: %d/%d remaining", remaining, limit)
		}
	}

	if t.durable == nil {
		return
	}
	encoded, err := json.Marshal(snap)
	if err != nil {
		t.logf("failed to encode rate limit snapshot: %v", err)
		return
	}
	if err := t.durable.Put(SnapshotKey, encoded, 0); err != nil {
		t.logf("failed to persist rate limit snapshot: %v", err)
	}
}

// GetRateLimitInfo returns the latest durable snapshot, or false if
// none has been observed yet.
func (t *Tracker) GetRateLimitInfo() (Snapshot, bool) {
	if t.durable == nil {
		return Snapshot{}, false
	}
	raw, found, err := t.durable.Get(SnapshotKey)
	if err != nil || !found {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

func (t *Tracker) logf(format string, args ...interface{}) {
	if t.log != nil {
		t.log.Warnf(format, args...)
	}
}

// parseHeaderInt looks up name case-insensitively (http.Header.Get
// already canonicalizes) and parses it as an integer.
func parseHeaderInt(header http.Header, name string) (int, bool) {
	v := header.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
