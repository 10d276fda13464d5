package relocation

import (
	"context"
	"errors"
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

func fixedDestination(dest types.Team) Destination {
	return func(types.Team, map[types.StorageServerID]bool) (types.Team, error) {
		return dest, nil
	}
}

func TestQueueExecutesHighestPriorityFirst(t *testing.T) {
	mgr := newTestManager(t)
	dest := types.Team{Servers: []types.StorageServerID{"s2"}}
	q := New(mgr, fixedDestination(dest), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	q.Enqueue(Request{
		Ranges:   []types.KeyRange{{Begin: []byte("b")}},
		Source:   types.Team{Servers: []types.StorageServerID{"s1"}},
		Priority: types.PriorityWiggle,
		Reason:   "wiggle",
	})
	q.Enqueue(Request{
		Ranges:   []types.KeyRange{{Begin: []byte("a")}},
		Source:   types.Team{Servers: []types.StorageServerID{"s1"}},
		Priority: types.PriorityRecoverMove,
		Reason:   "recover-move",
	})

	require.Eventually(t, func() bool {
		moves, err := mgr.ListDataMoves()
		return err == nil && len(moves) == 2
	}, 3*time.Second, 50*time.Millisecond)

	moves, err := mgr.ListDataMoves()
	require.NoError(t, err)

	var recoverMove, wiggleMove *types.DataMove
	for _, m := range moves {
		switch m.Reason {
		case "recover-move":
			recoverMove = m
		case "wiggle":
			wiggleMove = m
		}
	}
	require.NotNil(t, recoverMove)
	require.NotNil(t, wiggleMove)
	assert.True(t, recoverMove.CreatedAt.Before(wiggleMove.CreatedAt) || recoverMove.CreatedAt.Equal(wiggleMove.CreatedAt))
	assert.Equal(t, types.MovePhaseComplete, recoverMove.Phase)
	assert.Equal(t, types.MovePhaseComplete, wiggleMove.Phase)
}

func TestQueueDedupesQueuedRange(t *testing.T) {
	mgr := newTestManager(t)
	dest := types.Team{Servers: []types.StorageServerID{"s2"}}
	q := New(mgr, fixedDestination(dest), 1)

	req := Request{
		Ranges:   []types.KeyRange{{Begin: []byte("a"), End: []byte("z")}},
		Source:   types.Team{Servers: []types.StorageServerID{"s1"}},
		Priority: types.PriorityRebalanceFewer,
		Reason:   "rebalance",
	}
	q.Enqueue(req)
	q.Enqueue(req) // duplicate range, should be dropped

	assert.Len(t, q.heap, 1)
}

func TestExecuteSplitCreatesTwoShardsOnSameTeam(t *testing.T) {
	mgr := newTestManager(t)
	team := types.Team{Servers: []types.StorageServerID{"s1"}}
	q := New(mgr, fixedDestination(types.Team{}), 1)

	original := &types.Shard{
		Range:              types.KeyRange{Begin: []byte("a"), End: []byte("c")},
		Primary:            team,
		EstimatedBytes:     1000,
		EstimatedBandwidth: 200,
	}
	require.NoError(t, mgr.PutShard(original))

	q.executeSplit(Request{
		Ranges:   []types.KeyRange{original.Range},
		Source:   team,
		Priority: types.PrioritySplitShard,
		Reason:   "split",
	})

	shards, err := mgr.ListShards()
	require.NoError(t, err)
	require.Len(t, shards, 2)

	var total int64
	for _, s := range shards {
		assert.True(t, team.Equal(s.Primary))
		total += s.EstimatedBytes
	}
	assert.Equal(t, original.EstimatedBytes, total)
}

func TestExecuteMergeCombinesAdjacentShards(t *testing.T) {
	mgr := newTestManager(t)
	team := types.Team{Servers: []types.StorageServerID{"s1"}}
	q := New(mgr, fixedDestination(types.Team{}), 1)

	a := &types.Shard{Range: types.KeyRange{Begin: []byte("a"), End: []byte("m")}, Primary: team, EstimatedBytes: 10}
	b := &types.Shard{Range: types.KeyRange{Begin: []byte("m"), End: []byte("z")}, Primary: team, EstimatedBytes: 20}
	require.NoError(t, mgr.PutShard(a))
	require.NoError(t, mgr.PutShard(b))

	q.executeMerge(Request{
		Ranges:   []types.KeyRange{a.Range, b.Range},
		Source:   team,
		Priority: types.PriorityMergeShard,
		Reason:   "merge",
	})

	shards, err := mgr.ListShards()
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, []byte("a"), shards[0].Range.Begin)
	assert.Equal(t, []byte("z"), shards[0].Range.End)
	assert.Equal(t, int64(30), shards[0].EstimatedBytes)
}

func TestQueueDropsRequestWhenNoDestination(t *testing.T) {
	mgr := newTestManager(t)
	failing := func(types.Team, map[types.StorageServerID]bool) (types.Team, error) {
		return types.Team{}, errors.New("no destination")
	}
	q := New(mgr, failing, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	q.Enqueue(Request{
		Ranges:   []types.KeyRange{{Begin: []byte("a")}},
		Source:   types.Team{Servers: []types.StorageServerID{"s1"}},
		Priority: types.PriorityRecoverMove,
		Reason:   "recover-move",
	})

	require.Eventually(t, func() bool {
		moves, err := mgr.ListDataMoves()
		return err == nil && len(moves) == 0
	}, 2*time.Second, 50*time.Millisecond, "destination failure should not persist a move")
}
