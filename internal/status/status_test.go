package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tastythames/deployd/internal/deploy"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewMemTracker()

	tr.Update("dep-1", deploy.StatePreparing, nil)
	tr.Update("dep-1", deploy.StateDeploying, []deploy.HostResult{{HostID: "h1", Success: true}})

	snap, ok := tr.Get("dep-1")
	require.True(t, ok)
	assert.Equal(t, deploy.StateDeploying, snap.State)
	require.Len(t, snap.Hosts, 1)
	assert.Equal(t, "h1", snap.Hosts[0].HostID)

	tr.Update("dep-1", deploy.StateSucceeded, []deploy.HostResult{{HostID: "h1", Success: true}, {HostID: "h2", Success: true}})
	snap, _ = tr.Get("dep-1")
	assert.Equal(t, deploy.StateSucceeded, snap.State)
	assert.Len(t, snap.Hosts, 2)
}

func TestTrackerNewRunResetsSnapshot(t *testing.T) {
	tr := NewMemTracker()
	tr.Update("dep-1", deploy.StateFailed, []deploy.HostResult{{HostID: "h1"}})
	first, _ := tr.Get("dep-1")

	tr.Update("dep-1", deploy.StatePreparing, nil)
	second, _ := tr.Get("dep-1")
	assert.Equal(t, deploy.StatePreparing, second.State)
	assert.Empty(t, second.Hosts)
	assert.False(t, second.StartedAt.Before(first.StartedAt))
}

func TestTrackerAllReturnsCopy(t *testing.T) {
	tr := NewMemTracker()
	tr.Update("dep-1", deploy.StateDeploying, nil)

	all := tr.All()
	require.Contains(t, all, "dep-1")
	delete(all, "dep-1")

	_, ok := tr.Get("dep-1")
	assert.True(t, ok, "mutating the copy must not touch the tracker")
}

func TestTrackerGetMissing(t *testing.T) {
	_, ok := NewMemTracker().Get("nope")
	assert.False(t, ok)
}

func TestTrackerEvictsAgedTerminalSnapshots(t *testing.T) {
	tr := NewMemTracker()
	clock := time.Now()
	tr.now = func() time.Time { return clock }

	tr.Update("old-done", deploy.StateSucceeded, nil)
	tr.Update("old-running", deploy.StateDeploying, nil)

	clock = clock.Add(DefaultRetention + time.Minute)
	tr.Update("fresh", deploy.StatePreparing, nil)

	_, ok := tr.Get("old-done")
	assert.False(t, ok, "aged terminal snapshot is evicted")
	_, ok = tr.Get("old-running")
	assert.True(t, ok, "non-terminal snapshots never age out")
	_, ok = tr.Get("fresh")
	assert.True(t, ok)
}
