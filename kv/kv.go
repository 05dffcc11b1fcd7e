// Package kv defines the durable key/value collaborators the core relies
// on: a string property store (spec.md §6, "Property store") and a
// byte-oriented durable cache with per-entry TTL (the durable tier behind
// cache.Cache and the backing store for ratelimit.Tracker's snapshot).
// Both interfaces are implemented here on top of go.etcd.io/bbolt, an
// embedded store already carried by the teacher's dependency graph.
package kv

import "time"

// PropertyStore is the external string-keyed property collaborator
// named in spec.md §6. Keys used by the core: HEVY_API_KEY,
// LAST_WORKOUT_UPDATE, IMPORT_PROGRESS, IMPORT_ACTIVE. The
// RATE_LIMIT_INFO snapshot is kept in the DurableCache instead.
type PropertyStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// DurableCache is a byte-oriented store with per-entry TTL, used as the
// durable tier beneath cache.Cache's bounded memory tier.
type DurableCache interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
}
