package status

import (
	"sync"
	"time"

	"github.com/tastythames/deployd/internal/deploy"
)

// Snapshot is the live view of one deployment's execution. Mid-run a
// poller sees the current state plus whatever per-host results exist
// so far.
type Snapshot struct {
	State     deploy.State
	Hosts     []deploy.HostResult
	StartedAt time.Time
	UpdatedAt time.Time
}

// Tracker is the interface the metrics renderer and ops surface read.
type Tracker interface {
	Update(deploymentID string, state deploy.State, hosts []deploy.HostResult)
	Get(deploymentID string) (Snapshot, bool)
	All() map[string]Snapshot
}

// DefaultRetention is how long a finished deployment stays visible to
// pollers and /metrics before its snapshot is evicted.
const DefaultRetention = time.Hour

// MemTracker is an in-memory implementation of Tracker. Terminal
// snapshots age out after the retention window, so the map stays
// bounded by recent activity rather than by every deployment ever run.
type MemTracker struct {
	mu        sync.RWMutex
	data      map[string]Snapshot
	retention time.Duration
	now       func() time.Time
}

func NewMemTracker() *MemTracker {
	return &MemTracker{
		data:      make(map[string]Snapshot),
		retention: DefaultRetention,
		now:       time.Now,
	}
}

func (t *MemTracker) Update(deploymentID string, state deploy.State, hosts []deploy.HostResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, ok := t.data[deploymentID]
	if !ok || state == deploy.StatePreparing {
		snap = Snapshot{StartedAt: t.now()}
	}
	snap.State = state
	snap.Hosts = append([]deploy.HostResult(nil), hosts...)
	snap.UpdatedAt = t.now()
	t.data[deploymentID] = snap

	t.evictLocked()
}

// evictLocked drops terminal snapshots older than the retention window.
// Caller holds the write lock.
func (t *MemTracker) evictLocked() {
	cutoff := t.now().Add(-t.retention)
	for id, snap := range t.data {
		if terminal(snap.State) && snap.UpdatedAt.Before(cutoff) {
			delete(t.data, id)
		}
	}
}

func terminal(s deploy.State) bool {
	return s == deploy.StateSucceeded || s == deploy.StateFailed
}

func (t *MemTracker) Get(deploymentID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.data[deploymentID]
	return snap, ok
}

// All returns a copy; callers may hold it without locking.
func (t *MemTracker) All() map[string]Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Snapshot, len(t.data))
	for k, v := range t.data {
		out[k] = v
	}
	return out
}
