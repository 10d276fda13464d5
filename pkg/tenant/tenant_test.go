package tenant

import (
	"sync"
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

func TestCreateRejectsDuplicateName(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	_, err := m.Create("acme", "")
	require.NoError(t, err)

	_, err = m.Create("acme", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTenantExists)
}

func TestCreateRejectsInvalidName(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	_, err := m.Create("\xff-bad", "")
	require.Error(t, err)
	assert.True(t, types.IsClientVisible(err))
}

func TestDeleteLeavesTombstoneBlockingReanimation(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	_, err := m.Create("acme", "")
	require.NoError(t, err)
	require.NoError(t, m.Delete("acme"))

	_, err = m.Create("acme", "")
	require.Error(t, err, "a tombstoned name must stay blocked until cleanup confirms safety")
}

func TestDeleteUnknownTenantIsClientVisible(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	err := m.Delete("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTenantNotFound)
}

func TestRenameIsIdempotentOnRetry(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	_, err := m.Create("acme", "")
	require.NoError(t, err)
	require.NoError(t, m.Rename("acme", "acme-corp"))

	// A retried rename of the already-renamed tenant should succeed as a no-op.
	require.NoError(t, m.Rename("acme", "acme-corp"))

	_, err = mgr.GetTenantByName("acme-corp")
	require.NoError(t, err)
}

func TestRenameRejectsCollisionWithDifferentTenant(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	_, err := m.Create("acme", "")
	require.NoError(t, err)
	_, err = m.Create("other", "")
	require.NoError(t, err)

	err = m.Rename("acme", "other")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTenantExists)
}

func TestGroupMembershipAddAndRemove(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	t1, err := m.Create("tenant-a", "group-1")
	require.NoError(t, err)
	_, err = m.Create("tenant-b", "group-1")
	require.NoError(t, err)

	group, err := mgr.GetTenantGroup("group-1")
	require.NoError(t, err)
	assert.Len(t, group.Tenants, 2)

	require.NoError(t, m.Delete("tenant-a"))
	group, err = mgr.GetTenantGroup("group-1")
	require.NoError(t, err)
	assert.Len(t, group.Tenants, 1)
	assert.NotContains(t, group.Tenants, t1.ID)
}

func TestGroupIsRemovedWhenLastMemberLeaves(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	_, err := m.Create("tenant-a", "group-1")
	require.NoError(t, err)
	require.NoError(t, m.Delete("tenant-a"))

	_, err = mgr.GetTenantGroup("group-1")
	assert.Error(t, err, "an empty group should be removed rather than left dangling")
}

func TestConfigureMovesBetweenGroups(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	_, err := m.Create("tenant-a", "group-1")
	require.NoError(t, err)

	newGroup := "group-2"
	require.NoError(t, m.Configure("tenant-a", &newGroup, nil, nil))

	g1, err := mgr.GetTenantGroup("group-1")
	assert.Error(t, err)
	_ = g1
	g2, err := mgr.GetTenantGroup("group-2")
	require.NoError(t, err)
	assert.Len(t, g2.Tenants, 1)
}

func TestLockThenLockByDifferentOwnerFails(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	_, err := m.Create("acme", "")
	require.NoError(t, err)

	require.NoError(t, m.Lock("acme", types.LockLocked, "owner-1"))

	err = m.Lock("acme", types.LockLocked, "owner-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTenantLocked)
}

func TestLockIsNoopWhenStateAlreadyMatches(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	_, err := m.Create("acme", "")
	require.NoError(t, err)

	require.NoError(t, m.Lock("acme", types.LockLocked, "owner-1"))
	require.NoError(t, m.Lock("acme", types.LockLocked, "owner-1"))
}

func TestLockSameOwnerCanUnlock(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	_, err := m.Create("acme", "")
	require.NoError(t, err)

	require.NoError(t, m.Lock("acme", types.LockLocked, "owner-1"))
	require.NoError(t, m.Lock("acme", types.LockUnlocked, "owner-1"))

	ten, err := mgr.GetTenantByName("acme")
	require.NoError(t, err)
	assert.Equal(t, types.LockUnlocked, ten.Lock)
}

func TestCreateConcurrentSameNameOnlyOneWins(t *testing.T) {
	mgr := newTestManager(t)
	m := New(mgr, types.DefaultKnobs())

	const attempts = 8
	var wg sync.WaitGroup
	successes := make(chan *types.Tenant, attempts)
	failures := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tenant, err := m.Create("race", "")
			if err != nil {
				failures <- err
				return
			}
			successes <- tenant
		}()
	}
	wg.Wait()
	close(successes)
	close(failures)

	var ok []*types.Tenant
	for t := range successes {
		ok = append(ok, t)
	}
	assert.Len(t, ok, 1, "exactly one concurrent Create of the same name must win")

	for err := range failures {
		assert.ErrorIs(t, err, types.ErrTenantExists)
	}
}

func TestCreateRejectsOverCapacity(t *testing.T) {
	mgr := newTestManager(t)
	knobs := types.DefaultKnobs()
	knobs.MaxTenantsPerCluster = 1
	m := New(mgr, knobs)

	_, err := m.Create("tenant-a", "")
	require.NoError(t, err)

	_, err = m.Create("tenant-b", "")
	require.Error(t, err)
	assert.True(t, types.IsClientVisible(err))
}
