package healthcheck

import (
	"sync"
	"time"
)

// Snapshot describes the latest monitor cycle.
type Snapshot struct {
	LastCycleTime     *time.Time `json:"last_cycle_time"`
	CycleDurationMS   int64      `json:"cycle_duration_ms"`
	ServicesProbed    int        `json:"services_probed"`
	ServicesUnhealthy int        `json:"services_unhealthy"`
	Generation        string     `json:"generation,omitempty"`
}

// Tracker records monitor cycle timing for the health endpoints.
type Tracker struct {
	mu         sync.RWMutex
	now        func() time.Time
	lastCycle  time.Time
	duration   time.Duration
	probed     int
	unhealthy  int
	generation string
	ready      bool
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{now: func() time.Time { return time.Now().UTC() }}
}

// RecordCycle updates cycle timing and marks the tracker ready.
func (t *Tracker) RecordCycle(generation string, duration time.Duration, probed, unhealthy int) {
	if t == nil {
		return
	}
	now := t.now()
	t.mu.Lock()
	t.lastCycle = now
	t.duration = duration
	t.probed = probed
	t.unhealthy = unhealthy
	t.generation = generation
	t.ready = true
	t.mu.Unlock()
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last *time.Time
	if !t.lastCycle.IsZero() {
		value := t.lastCycle
		last = &value
	}
	return Snapshot{
		LastCycleTime:     last,
		CycleDurationMS:   int64(t.duration / time.Millisecond),
		ServicesProbed:    t.probed,
		ServicesUnhealthy: t.unhealthy,
		Generation:        t.generation,
	}
}

// Ready reports whether at least one monitor cycle has completed.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether the last cycle completed within 2x the probe interval.
func (t *Tracker) Healthy(now time.Time, interval time.Duration) bool {
	if t == nil || interval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastCycle.IsZero() {
		return false
	}
	return now.Sub(t.lastCycle) <= 2*interval
}
