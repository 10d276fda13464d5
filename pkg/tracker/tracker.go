// Package tracker scans the shard map for conditions that require a data
// move — missing replicas, unhealthy teams, oversized or undersized
// shards, and load imbalance — and turns them into relocation.Request
// values for the relocation queue to service.
package tracker

import (
	"bytes"
	"sync"
	"time"

	"github.com/cuemby/distributor/pkg/log"
	"github.com/cuemby/distributor/pkg/manager"
	"github.com/cuemby/distributor/pkg/metrics"
	"github.com/cuemby/distributor/pkg/relocation"
	"github.com/cuemby/distributor/pkg/types"
	"github.com/rs/zerolog"
)

// MaxShardsPerTeam bounds how many shards a single team may hold before
// the tracker requests a rebalance to spread load more evenly.
const MaxShardsPerTeam = 64

// Tracker periodically scans the shard map for relocation triggers.
type Tracker struct {
	manager *manager.Manager
	queue   *relocation.Queue
	knobs   types.Knobs
	logger  zerolog.Logger
	mu      sync.Mutex
	stopCh  chan struct{}
}

// New creates a new Tracker.
func New(mgr *manager.Manager, queue *relocation.Queue, knobs types.Knobs) *Tracker {
	return &Tracker{
		manager: mgr,
		queue:   queue,
		knobs:   knobs,
		logger:  log.WithComponent("tracker"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the tracker's scan loop.
func (t *Tracker) Start() {
	go t.run()
}

// Stop stops the tracker.
func (t *Tracker) Stop() {
	close(t.stopCh)
}

func (t *Tracker) run() {
	interval := t.knobs.TrackerInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := t.scan(0); err != nil {
				t.logger.Error().Err(err).Msg("shard scan failed")
			}
		case <-t.stopCh:
			return
		}
	}
}

// Resume performs one synchronous shard-map scan, enqueueing at most limit
// relocation requests (limit<=0 means unbounded). It is meant to run once
// at bootstrap, before Start, so shards needing recovery begin moving
// immediately instead of waiting for the first ticker fire.
func (t *Tracker) Resume(limit int) (int, error) {
	return t.scan(limit)
}

// scan performs one shard-map scan cycle, stopping once limit relocations
// have been enqueued (limit<=0 means no cap).
func (t *Tracker) scan(limit int) (int, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.TrackerScanDuration)
		metrics.TrackerScansTotal.Inc()
	}()

	t.mu.Lock()
	defer t.mu.Unlock()

	shards, err := t.manager.ListShards()
	if err != nil {
		return 0, err
	}

	cfg, err := t.manager.GetConfig()
	if err != nil {
		cfg = &types.Config{ReplicationFactor: 3}
	}

	servers, err := t.manager.ListStorageServers()
	if err != nil {
		return 0, err
	}
	excluded := make(map[types.StorageServerID]bool)
	for _, s := range servers {
		if s.Excluded {
			excluded[s.ID] = true
		}
	}

	teamShardCounts := make(map[string]int)
	for _, shard := range shards {
		teamShardCounts[teamKey(shard.Primary)]++
	}

	enqueued := 0
	budgetExhausted := func() bool { return limit > 0 && enqueued >= limit }
	enqueue := func(req relocation.Request) {
		t.queue.Enqueue(req)
		enqueued++
	}

	for _, shard := range shards {
		if budgetExhausted() {
			break
		}
		if shard.MoveID != nil {
			continue // already in flight
		}

		if healthy := t.healthyServerCount(shard.Primary, excluded); healthy < cfg.ReplicationFactor {
			enqueue(relocation.Request{
				Ranges:   []types.KeyRange{shard.Range},
				Source:   shard.Primary,
				Priority: types.PriorityRecoverMove,
				Reason:   "recover-move",
			})
			continue
		}

		if t.teamHasExcludedServer(shard.Primary, excluded) {
			enqueue(relocation.Request{
				Ranges:   []types.KeyRange{shard.Range},
				Source:   shard.Primary,
				Priority: types.PriorityTeamUnhealthy,
				Reason:   "team-unhealthy",
			})
			continue
		}

		if t.shardNeedsSplit(shard) {
			enqueue(relocation.Request{
				Ranges:   []types.KeyRange{shard.Range},
				Source:   shard.Primary,
				Priority: types.PrioritySplitShard,
				Reason:   "split",
			})
			continue
		}

		if teamShardCounts[teamKey(shard.Primary)] > MaxShardsPerTeam {
			enqueue(relocation.Request{
				Ranges:   []types.KeyRange{shard.Range},
				Source:   shard.Primary,
				Priority: types.PriorityRebalanceFewer,
				Reason:   "rebalance",
			})
		}
	}

	t.scanForMerges(shards, enqueue, budgetExhausted)

	return enqueued, nil
}

// shardNeedsSplit reports whether shard's estimated size or bandwidth
// exceeds the configured threshold and its range is wide enough to admit
// a midpoint key.
func (t *Tracker) shardNeedsSplit(shard *types.Shard) bool {
	overSize := t.knobs.ShardSplitBytes > 0 && shard.EstimatedBytes > t.knobs.ShardSplitBytes
	overBandwidth := t.knobs.ShardSplitBandwidth > 0 && shard.EstimatedBandwidth > t.knobs.ShardSplitBandwidth
	if !overSize && !overBandwidth {
		return false
	}
	_, ok := types.MidpointKey(shard.Range.Begin, shard.Range.End)
	return ok
}

// scanForMerges requests a merge for each adjacent pair of shards sharing
// a primary team whose combined estimated size stays under the merge
// threshold. ListShards returns shards ordered by range begin key, so
// adjacency only needs to be checked against the next entry.
func (t *Tracker) scanForMerges(shards []*types.Shard, enqueue func(relocation.Request), budgetExhausted func() bool) {
	mergeBytes := t.knobs.ShardMergeBytes
	if mergeBytes <= 0 {
		return
	}

	for i := 0; i+1 < len(shards); i++ {
		if budgetExhausted() {
			return
		}
		a, b := shards[i], shards[i+1]
		if a.MoveID != nil || b.MoveID != nil {
			continue
		}
		if !a.Primary.Equal(b.Primary) {
			continue
		}
		if !bytes.Equal(a.Range.End, b.Range.Begin) {
			continue // not adjacent
		}
		if a.EstimatedBytes+b.EstimatedBytes >= mergeBytes {
			continue
		}

		enqueue(relocation.Request{
			Ranges:   []types.KeyRange{a.Range, b.Range},
			Source:   a.Primary,
			Priority: types.PriorityMergeShard,
			Reason:   "merge",
		})
	}
}

func (t *Tracker) healthyServerCount(team types.Team, excluded map[types.StorageServerID]bool) int {
	count := 0
	for _, id := range team.Servers {
		if !excluded[id] {
			count++
		}
	}
	return count
}

// teamHasExcludedServer reports whether team still carries an
// administratively excluded server even though enough other members
// remain to satisfy replication — the "team-unhealthy" condition, distinct
// from (and lower priority than) a hard under-replication.
func (t *Tracker) teamHasExcludedServer(team types.Team, excluded map[types.StorageServerID]bool) bool {
	for _, id := range team.Servers {
		if excluded[id] {
			return true
		}
	}
	return false
}

func teamKey(team types.Team) string {
	key := ""
	for _, id := range team.Servers {
		key += string(id) + ","
	}
	return key
}
