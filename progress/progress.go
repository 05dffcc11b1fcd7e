// Package progress implements the progress tracker described in
// spec.md §4.7: a durable record of completed import steps plus a
// {started-at, last-heartbeat} active-import marker used to detect a
// crashed run. Both records are JSON blobs kept in a kv.PropertyStore,
// following the same started-at/completed-at record shape the
// teacher's statemanager package tracked in memory, adapted here to
// survive process restarts.
package progress

import (
	"encoding/json"
	"time"

	"hevysync.dev/agent/internal/clock"
	"hevysync.dev/agent/kv"
)

// Well-known property keys (spec.md §6).
const (
	progressKey = "IMPORT_PROGRESS"
	activeKey   = "IMPORT_ACTIVE"
)

// Record is the durable progress record: the set of step names already
// completed in the current run.
type Record struct {
	CompletedSteps map[string]bool `json:"completed_steps"`
}

// ActiveMarker is the {started-at, last-heartbeat} pair that lets a
// second execution detect a still-live run versus a crashed one.
type ActiveMarker struct {
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Tracker persists Record and ActiveMarker to a PropertyStore.
type Tracker struct {
	store      kv.PropertyStore
	clock      clock.Clock
	staleAfter time.Duration
}

// Config configures a Tracker.
type Config struct {
	Store      kv.PropertyStore
	Clock      clock.Clock
	StaleAfter time.Duration // ACTIVE_IMPORT_STALE_MS
}

func New(cfg Config) *Tracker {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Tracker{store: cfg.Store, clock: c, staleAfter: cfg.StaleAfter}
}

// LoadProgress reads the durable progress record. A missing record
// returns an empty Record and found=false.
func (t *Tracker) LoadProgress() (Record, bool, error) {
	raw, found, err := t.store.Get(progressKey)
	if err != nil || !found || raw == "" {
		return Record{CompletedSteps: map[string]bool{}}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{CompletedSteps: map[string]bool{}}, false, err
	}
	if rec.CompletedSteps == nil {
		rec.CompletedSteps = map[string]bool{}
	}
	return rec, true, nil
}

// SaveProgress persists rec, overwriting any existing record.
func (t *Tracker) SaveProgress(rec Record) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.store.Set(progressKey, string(encoded))
}

// ClearProgress removes the durable progress record, called on
// successful completion of the full step sequence.
func (t *Tracker) ClearProgress() error {
	return t.store.Delete(progressKey)
}

// MarkActive writes a fresh active-import marker with the current time
// as both started-at and last-heartbeat.
func (t *Tracker) MarkActive() error {
	now := t.clock.Now()
	return t.writeMarker(ActiveMarker{StartedAt: now, LastHeartbeat: now})
}

// Heartbeat updates last-heartbeat on the existing marker, preserving
// started-at. If no marker exists yet, it behaves like MarkActive.
func (t *Tracker) Heartbeat() error {
	marker, found, err := t.readMarker()
	if err != nil {
		return err
	}
	now := t.clock.Now()
	if !found {
		return t.writeMarker(ActiveMarker{StartedAt: now, LastHeartbeat: now})
	}
	marker.LastHeartbeat = now
	return t.writeMarker(marker)
}

// IsActive reports whether a marker exists and its last heartbeat is
// recent enough (now - last-heartbeat < StaleAfter). A stale marker is
// treated as absent, per spec.md §4.7.
func (t *Tracker) IsActive() (bool, error) {
	marker, found, err := t.readMarker()
	if err != nil || !found {
		return false, err
	}
	return t.clock.Now().Sub(marker.LastHeartbeat) < t.staleAfter, nil
}

// ClearActive removes the active-import marker.
func (t *Tracker) ClearActive() error {
	return t.store.Delete(activeKey)
}

func (t *Tracker) readMarker() (ActiveMarker, bool, error) {
	raw, found, err := t.store.Get(activeKey)
	if err != nil || !found || raw == "" {
		return ActiveMarker{}, false, err
	}
	var marker ActiveMarker
	if err := json.Unmarshal([]byte(raw), &marker); err != nil {
		return ActiveMarker{}, false, err
	}
	return marker, true, nil
}

func (t *Tracker) writeMarker(marker ActiveMarker) error {
	encoded, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	return t.store.Set(activeKey, string(encoded))
}
