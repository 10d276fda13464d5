package audit

import (
	"context"
	"fmt"
	"sync/atomic"
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

// fakeProber lets tests script per-call outcomes without a real storage
// server on the other end.
type fakeProber struct {
	calls int32
	probe func(n int32) error
}

func (f *fakeProber) Probe(ctx context.Context, server types.StorageServerID, r types.KeyRange, auditType types.AuditType) error {
	n := atomic.AddInt32(&f.calls, 1)
	return f.probe(n)
}

func waitTerminal(t *testing.T, mgr *manager.Manager, auditType types.AuditType, id types.AuditID) *types.Audit {
	t.Helper()
	var row *types.Audit
	require.Eventually(t, func() bool {
		a, err := mgr.GetAudit(auditType, id)
		if err != nil {
			return false
		}
		if a.Phase == types.AuditRunning {
			return false
		}
		row = a
		return true
	}, 5*time.Second, 50*time.Millisecond)
	return row
}

func TestTriggerCompletesOnSuccess(t *testing.T) {
	mgr := newTestManager(t)
	prober := &fakeProber{probe: func(int32) error { return nil }}
	e := New(mgr, prober, types.Knobs{ConcurrentAuditTaskCountMax: 4, AuditRetryCountMax: 3})

	id, err := e.Trigger(context.Background(), types.KeyRange{Begin: []byte("a"), End: []byte("z")}, types.AuditReplicaConsistency)
	require.NoError(t, err)

	row := waitTerminal(t, mgr, types.AuditReplicaConsistency, id)
	assert.Equal(t, types.AuditComplete, row.Phase)
}

func TestTriggerLatchesOnClientVisibleMismatch(t *testing.T) {
	mgr := newTestManager(t)
	prober := &fakeProber{probe: func(int32) error {
		return types.ClientVisible(fmt.Errorf("replica mismatch"))
	}}
	e := New(mgr, prober, types.Knobs{ConcurrentAuditTaskCountMax: 4, AuditRetryCountMax: 3})

	id, err := e.Trigger(context.Background(), types.KeyRange{Begin: []byte("a"), End: []byte("z")}, types.AuditReplicaConsistency)
	require.NoError(t, err)

	row := waitTerminal(t, mgr, types.AuditReplicaConsistency, id)
	assert.Equal(t, types.AuditError, row.Phase)
}

func TestTriggerExhaustsRetriesOnTransientFailure(t *testing.T) {
	mgr := newTestManager(t)
	prober := &fakeProber{probe: func(int32) error { return fmt.Errorf("transient probe failure") }}
	e := New(mgr, prober, types.Knobs{ConcurrentAuditTaskCountMax: 4, AuditRetryCountMax: 2})

	id, err := e.Trigger(context.Background(), types.KeyRange{Begin: []byte("a"), End: []byte("z")}, types.AuditReplicaConsistency)
	require.NoError(t, err)

	row := waitTerminal(t, mgr, types.AuditReplicaConsistency, id)
	assert.Equal(t, types.AuditFailed, row.Phase)
	assert.GreaterOrEqual(t, row.RetryCount, 2)
}

func TestTriggerRejectsSecondConcurrentAuditOfSameType(t *testing.T) {
	mgr := newTestManager(t)
	blocking := make(chan struct{})
	prober := &fakeProber{probe: func(int32) error {
		<-blocking
		return nil
	}}
	e := New(mgr, prober, types.Knobs{ConcurrentAuditTaskCountMax: 4, AuditRetryCountMax: 3})

	_, err := e.Trigger(context.Background(), types.KeyRange{Begin: []byte("a"), End: []byte("m")}, types.AuditReplicaConsistency)
	require.NoError(t, err)

	_, err = e.Trigger(context.Background(), types.KeyRange{Begin: []byte("n"), End: []byte("z")}, types.AuditReplicaConsistency)
	assert.Error(t, err, "a disjoint range of the same audit type should be rejected while one is already live")

	close(blocking)
}

func TestTriggerReturnsExistingIDForCoveredRange(t *testing.T) {
	mgr := newTestManager(t)
	blocking := make(chan struct{})
	prober := &fakeProber{probe: func(int32) error {
		<-blocking
		return nil
	}}
	e := New(mgr, prober, types.Knobs{ConcurrentAuditTaskCountMax: 4, AuditRetryCountMax: 3})

	id, err := e.Trigger(context.Background(), types.KeyRange{Begin: []byte("a"), End: []byte("z")}, types.AuditReplicaConsistency)
	require.NoError(t, err)

	sameID, err := e.Trigger(context.Background(), types.KeyRange{Begin: []byte("c"), End: []byte("d")}, types.AuditReplicaConsistency)
	require.NoError(t, err)
	assert.Equal(t, id, sameID)

	close(blocking)
}

func TestCancelLatchesFailedAndClearsProgress(t *testing.T) {
	mgr := newTestManager(t)
	blocking := make(chan struct{})
	prober := &fakeProber{probe: func(int32) error {
		<-blocking
		return nil
	}}
	e := New(mgr, prober, types.Knobs{ConcurrentAuditTaskCountMax: 4, AuditRetryCountMax: 3})

	id, err := e.Trigger(context.Background(), types.KeyRange{Begin: []byte("a"), End: []byte("z")}, types.AuditReplicaConsistency)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		progress, err := mgr.ListRangeProgress(id)
		return err == nil && len(progress) > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, e.Cancel(types.AuditReplicaConsistency, id))

	row, err := mgr.GetAudit(types.AuditReplicaConsistency, id)
	require.NoError(t, err)
	assert.Equal(t, types.AuditFailed, row.Phase)

	progress, err := mgr.ListRangeProgress(id)
	require.NoError(t, err)
	assert.Empty(t, progress)

	close(blocking)
}
