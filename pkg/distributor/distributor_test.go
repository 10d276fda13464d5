package distributor

import (
	"context"
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

func TestRunAcquiresLockAndEntersSteadyState(t *testing.T) {
	mgr := newTestManager(t)
	d := New(mgr, types.DefaultKnobs())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return d.Running()
	}, 2*time.Second, 20*time.Millisecond)

	lock, err := mgr.GetMoveKeysLock()
	require.NoError(t, err)
	assert.Equal(t, mgr.NodeID(), lock.Owner)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case err := <-errCh:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	assert.False(t, d.Running())
}

func TestRunReleasesLockOnContextCancel(t *testing.T) {
	mgr := newTestManager(t)
	d := New(mgr, types.DefaultKnobs())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return d.Running() }, 2*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	lock, err := mgr.GetMoveKeysLock()
	require.NoError(t, err)
	assert.Empty(t, lock.Owner, "the lock should be released on shutdown")
}

func TestWaitEnabledBlocksUntilModeEnabled(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.SaveMode(types.ModeDisabled))
	d := New(mgr, types.DefaultKnobs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		_ = d.waitEnabled(ctx)
		close(started)
	}()

	select {
	case <-started:
		t.Fatal("waitEnabled returned while dd-mode was disabled")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, mgr.SaveMode(types.ModeEnabled))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("waitEnabled did not unblock after mode was enabled")
	}
}

func TestResumeDataMovesReenqueuesInFlightOnly(t *testing.T) {
	mgr := newTestManager(t)
	d := New(mgr, types.DefaultKnobs())

	inFlight := &types.DataMove{
		ID:       types.DataMoveID("move-inflight"),
		Phase:    types.MovePhaseRunning,
		Priority: types.PriorityRecoverMove,
		Source:   types.Team{Servers: []types.StorageServerID{"s1"}},
		Ranges:   []types.KeyRange{{Begin: []byte("a"), End: []byte("b")}},
		Reason:   "recover",
	}
	complete := &types.DataMove{
		ID:       types.DataMoveID("move-complete"),
		Phase:    types.MovePhaseComplete,
		Priority: types.PriorityRecoverMove,
		Source:   types.Team{Servers: []types.StorageServerID{"s1"}},
		Ranges:   []types.KeyRange{{Begin: []byte("c"), End: []byte("d")}},
		Reason:   "recover",
	}
	require.NoError(t, mgr.PutDataMove(inFlight))
	require.NoError(t, mgr.PutDataMove(complete))

	require.NoError(t, d.resumeDataMoves())

	assert.Equal(t, 1, d.Queue.Len(), "only the in-flight move should be re-enqueued")
}

func TestResumeShardsScansSynchronouslyAtBootstrap(t *testing.T) {
	mgr := newTestManager(t)
	knobs := types.DefaultKnobs()
	knobs.MoveKeysParallelism = 2
	d := New(mgr, knobs)

	for i := 0; i < 5; i++ {
		begin := []byte{byte('a' + i)}
		end := []byte{byte('a' + i + 1)}
		require.NoError(t, mgr.PutShard(&types.Shard{
			Range:   types.KeyRange{Begin: begin, End: end},
			Primary: types.Team{Servers: []types.StorageServerID{"s1"}},
		}))
	}

	require.NoError(t, d.resumeShards())

	assert.Equal(t, 2, d.Queue.Len(), "resumeShards must bound enqueues by MoveKeysParallelism")
}

func TestHaltDisablesMode(t *testing.T) {
	mgr := newTestManager(t)
	d := New(mgr, types.DefaultKnobs())

	require.NoError(t, mgr.SaveMode(types.ModeEnabled))
	require.NoError(t, d.Halt())

	mode, err := mgr.GetMode()
	require.NoError(t, err)
	assert.Equal(t, types.ModeDisabled, mode)
}
