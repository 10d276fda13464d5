package team

import (
	"testing"
	"time"

	"github.com/cuemby/distributor/pkg/manager"
	"github.com/cuemby/distributor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "test-dd",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	require.NoError(t, mgr.Bootstrap())
	for i := 0; i < 50; i++ {
		if mgr.IsLeader() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.True(t, mgr.IsLeader(), "manager failed to become leader")
	return mgr
}

func putServer(t *testing.T, mgr *manager.Manager, id, dc, zone, machine string) *types.StorageServer {
	t.Helper()
	s := &types.StorageServer{
		ID:         types.StorageServerID(id),
		DataCenter: dc,
		Zone:       zone,
		Machine:    machine,
		CreatedAt:  time.Now().Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, mgr.PutStorageServer(s))
	return s
}

func TestPickDestinationPrefersFaultDomainDiversity(t *testing.T) {
	mgr := newTestManager(t)
	putServer(t, mgr, "s1", "dc1", "z1", "m1")
	putServer(t, mgr, "s2", "dc1", "z2", "m2")
	putServer(t, mgr, "s3", "dc2", "z3", "m3")

	coll := New(mgr)
	require.NoError(t, coll.Refresh())

	source := types.Team{Servers: []types.StorageServerID{"s1"}}
	dest, err := coll.PickDestination(source, nil)
	require.NoError(t, err)

	assert.NotContains(t, dest.Servers, types.StorageServerID("s1"))
	assert.NotEmpty(t, dest.Servers)
}

func TestPickDestinationHonorsExclusionAndExcludedFlag(t *testing.T) {
	mgr := newTestManager(t)
	putServer(t, mgr, "s1", "dc1", "z1", "m1")
	putServer(t, mgr, "s2", "dc1", "z2", "m2")
	putServer(t, mgr, "s4", "dc3", "z4", "m4")
	excluded := &types.StorageServer{
		ID: "s3", DataCenter: "dc2", Zone: "z3", Machine: "m3",
		CreatedAt: time.Now().Add(-30 * 24 * time.Hour), Excluded: true,
	}
	require.NoError(t, mgr.PutStorageServer(excluded))

	coll := New(mgr)
	require.NoError(t, coll.Refresh())

	source := types.Team{Servers: []types.StorageServerID{"s1"}}
	dest, err := coll.PickDestination(source, map[types.StorageServerID]bool{"s2": true})
	require.NoError(t, err)

	assert.NotContains(t, dest.Servers, types.StorageServerID("s2"))
	assert.NotContains(t, dest.Servers, types.StorageServerID("s3"))
}

func TestPickDestinationErrorsWithNoCandidates(t *testing.T) {
	mgr := newTestManager(t)
	putServer(t, mgr, "s1", "dc1", "z1", "m1")

	coll := New(mgr)
	require.NoError(t, coll.Refresh())

	source := types.Team{Servers: []types.StorageServerID{"s1"}}
	_, err := coll.PickDestination(source, map[types.StorageServerID]bool{"s1": true})
	assert.Error(t, err)
}

func TestWigglerOrdersByMisconfiguredThenAge(t *testing.T) {
	now := time.Now()
	old := &types.StorageServer{ID: "old", CreatedAt: now.Add(-30 * 24 * time.Hour)}
	newer := &types.StorageServer{ID: "newer", CreatedAt: now.Add(-20 * 24 * time.Hour)}
	misconfigured := &types.StorageServer{ID: "bad", CreatedAt: now.Add(-10 * 24 * time.Hour), Misconfigured: true}

	w := NewWiggler(types.Knobs{StorageWiggleMinServerAge: 7 * 24 * time.Hour})
	w.Reset([]*types.StorageServer{newer, old, misconfigured})

	first, ok := w.GetNextServerID(false)
	require.True(t, ok)
	assert.Equal(t, types.StorageServerID("bad"), first, "misconfigured servers should wiggle first")

	second, ok := w.GetNextServerID(false)
	require.True(t, ok)
	assert.Equal(t, types.StorageServerID("old"), second, "among equally-configured servers, oldest wiggles first")

	third, ok := w.GetNextServerID(false)
	require.True(t, ok)
	assert.Equal(t, types.StorageServerID("newer"), third)

	_, ok = w.GetNextServerID(false)
	assert.False(t, ok)
}

func TestWigglerExcludesYoungServers(t *testing.T) {
	now := time.Now()
	young := &types.StorageServer{ID: "young", CreatedAt: now.Add(-1 * time.Hour)}
	old := &types.StorageServer{ID: "old", CreatedAt: now.Add(-30 * 24 * time.Hour)}

	w := NewWiggler(types.Knobs{StorageWiggleMinServerAge: 7 * 24 * time.Hour})
	w.Reset([]*types.StorageServer{young, old})

	// Both servers stay in the candidate set; only eligibility differs.
	assert.Equal(t, 2, w.Len())
	id, ok := w.GetNextServerID(false)
	require.True(t, ok)
	assert.Equal(t, types.StorageServerID("old"), id, "the young server is skipped until it ages past the minimum")

	_, ok = w.GetNextServerID(false)
	assert.False(t, ok, "the young server stays ineligible once the old one is consumed")
}

func TestWigglerNecessaryOnlyPausesVoluntaryWiggles(t *testing.T) {
	now := time.Now()
	old := &types.StorageServer{ID: "old", CreatedAt: now.Add(-30 * 24 * time.Hour)}

	w := NewWiggler(types.Knobs{StorageWiggleMinServerAge: 7 * 24 * time.Hour})
	w.Reset([]*types.StorageServer{old})

	_, ok := w.GetNextServerID(true)
	assert.False(t, ok, "necessaryOnly must skip a non-misconfigured server regardless of age")

	id, ok := w.GetNextServerID(false)
	require.True(t, ok)
	assert.Equal(t, types.StorageServerID("old"), id, "the server remains in the heap for a later non-necessary call")
}

func TestWigglerNecessaryOnlyStillWigglesMisconfiguredYoungServer(t *testing.T) {
	now := time.Now()
	young := &types.StorageServer{ID: "young-bad", CreatedAt: now.Add(-1 * time.Hour), Misconfigured: true}

	w := NewWiggler(types.Knobs{StorageWiggleMinServerAge: 7 * 24 * time.Hour})
	w.Reset([]*types.StorageServer{young})

	id, ok := w.GetNextServerID(true)
	require.True(t, ok, "a misconfigured server must be wiggled even when young and necessaryOnly is set")
	assert.Equal(t, types.StorageServerID("young-bad"), id)
}

func TestWigglerExcludesAdministrativelyExcludedServers(t *testing.T) {
	now := time.Now()
	excluded := &types.StorageServer{ID: "gone", CreatedAt: now.Add(-30 * 24 * time.Hour), Excluded: true}

	w := NewWiggler(types.Knobs{StorageWiggleMinServerAge: 7 * 24 * time.Hour})
	w.Reset([]*types.StorageServer{excluded})

	assert.Equal(t, 0, w.Len())
}
