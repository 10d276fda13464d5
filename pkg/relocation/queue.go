// Package relocation implements the priority queue and bounded worker
// pool that executes data moves: one persisted DataMove record per
// team-to-team move, with at most one active move per shard range at a
// time. Split and merge requests rewrite the shard map in place and
// persist no DataMove; a request with no available destination is dropped.
package relocation

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cuemby/distributor/pkg/events"
	"github.com/cuemby/distributor/pkg/log"
	"github.com/cuemby/distributor/pkg/manager"
	"github.com/cuemby/distributor/pkg/metrics"
	"github.com/cuemby/distributor/pkg/types"
	"github.com/rs/zerolog"
)

// Destination selects a replacement team for a relocation request. The
// real implementation lives in pkg/team; it is injected here so the queue
// package has no dependency on team selection policy.
type Destination func(source types.Team, exclude map[types.StorageServerID]bool) (types.Team, error)

// Request describes a relocation the tracker (or an operator action) has
// decided is needed.
type Request struct {
	Ranges   []types.KeyRange
	Source   types.Team
	Priority types.MovePriority
	Reason   string

	enqueueSeq int
	rangeKey   string
}

// Queue is a priority queue of pending relocation requests plus the
// bounded worker pool that drains it.
type Queue struct {
	manager     *manager.Manager
	destination Destination
	logger      zerolog.Logger
	workers     int

	mu       sync.Mutex
	heap     requestHeap
	inFlight map[string]bool // range key -> true while a move for it is active
	seq      int

	work chan Request
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a relocation Queue with the given worker-pool size.
func New(mgr *manager.Manager, destination Destination, workers int) *Queue {
	if workers <= 0 {
		workers = 4
	}
	return &Queue{
		manager:     mgr,
		destination: destination,
		logger:      log.WithComponent("relocation"),
		workers:     workers,
		inFlight:    make(map[string]bool),
		work:        make(chan Request, 256),
		stop:        make(chan struct{}),
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	go q.dispatch(ctx)
}

// Stop halts the worker pool and waits for in-flight workers to return.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

// Len reports the number of requests currently queued (not counting those
// already handed to a worker).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Enqueue adds a relocation request to the priority queue. Requests for a
// range already in flight or already queued are dropped; the tracker will
// re-request on its next scan if the condition persists.
func (q *Queue) Enqueue(req Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req.rangeKey = rangeSetKey(req.Ranges)
	if q.inFlight[req.rangeKey] {
		return
	}
	for _, existing := range q.heap {
		if existing.rangeKey == req.rangeKey {
			return
		}
	}

	req.enqueueSeq = q.seq
	q.seq++
	heap.Push(&q.heap, req)
	metrics.RelocationQueueDepth.Set(float64(len(q.heap)))
}

// dispatch pops the highest-priority request whose range is not already
// in flight and hands it to a worker.
func (q *Queue) dispatch(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.tryDispatchOne()
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		}
	}
}

func (q *Queue) tryDispatchOne() {
	q.mu.Lock()
	if len(q.heap) == 0 {
		q.mu.Unlock()
		return
	}
	req := heap.Pop(&q.heap).(Request)
	q.inFlight[req.rangeKey] = true
	metrics.RelocationQueueDepth.Set(float64(len(q.heap)))
	q.mu.Unlock()

	select {
	case q.work <- req:
	case <-q.stop:
		q.mu.Lock()
		delete(q.inFlight, req.rangeKey)
		q.mu.Unlock()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case req := <-q.work:
			q.execute(ctx, req)
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		}
	}
}

func (q *Queue) execute(ctx context.Context, req Request) {
	defer func() {
		q.mu.Lock()
		delete(q.inFlight, req.rangeKey)
		q.mu.Unlock()
	}()

	switch req.Reason {
	case "split":
		q.executeSplit(req)
		return
	case "merge":
		q.executeMerge(req)
		return
	}

	timer := metrics.NewTimer()

	exclude := make(map[types.StorageServerID]bool)
	for _, id := range req.Source.Servers {
		exclude[id] = true
	}

	dest, err := q.destination(req.Source, exclude)
	if err != nil {
		q.logger.Warn().Err(err).Str("reason", req.Reason).Msg("no destination team available")
		return
	}

	move := &types.DataMove{
		ID:          types.NewDataMoveID(),
		Ranges:      req.Ranges,
		Source:      req.Source,
		Destination: dest,
		Priority:    req.Priority,
		Phase:       types.MovePhaseRunning,
		Reason:      req.Reason,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := q.manager.PutDataMove(move); err != nil {
		q.logger.Error().Err(err).Msg("failed to persist data move")
		metrics.DataMovesTotal.WithLabelValues(req.Reason, "error").Inc()
		return
	}

	q.manager.PublishEvent(&events.Event{Type: events.EventMoveStarted, Message: string(move.ID)})

	if err := q.moveData(ctx, move); err != nil {
		move.Phase = types.MovePhaseCancelled
		move.UpdatedAt = time.Now()
		q.manager.PutDataMove(move)
		q.manager.PublishEvent(&events.Event{Type: events.EventMoveCancelled, Message: string(move.ID)})
		metrics.DataMovesTotal.WithLabelValues(req.Reason, "cancelled").Inc()
		return
	}

	for _, r := range move.Ranges {
		shard := &types.Shard{Range: r, Primary: move.Destination}
		if err := q.manager.PutShard(shard); err != nil {
			q.logger.Error().Err(err).Msg("failed to commit shard after move")
		}
	}

	move.Phase = types.MovePhaseComplete
	move.UpdatedAt = time.Now()
	q.manager.PutDataMove(move)
	q.manager.PublishEvent(&events.Event{Type: events.EventMoveCompleted, Message: string(move.ID)})

	timer.ObserveDuration(metrics.DataMoveDuration)
	metrics.DataMovesTotal.WithLabelValues(req.Reason, "complete").Inc()
}

// executeSplit replaces a single oversized shard with two adjacent shards
// on the same team, cut at the range's midpoint key. No team change is
// involved, so this bypasses destination selection entirely.
func (q *Queue) executeSplit(req Request) {
	if len(req.Ranges) != 1 {
		q.logger.Error().Int("ranges", len(req.Ranges)).Msg("split request must carry exactly one range")
		return
	}
	r := req.Ranges[0]
	mid, ok := types.MidpointKey(r.Begin, r.End)
	if !ok {
		q.logger.Warn().Msg("shard range too narrow to split")
		return
	}

	old, err := q.manager.GetShard(r.Begin)
	if err != nil {
		q.logger.Warn().Err(err).Msg("split: shard vanished before execution")
		return
	}

	left := &types.Shard{
		Range:              types.KeyRange{Begin: r.Begin, End: mid},
		Primary:            req.Source,
		EstimatedBytes:     old.EstimatedBytes / 2,
		EstimatedBandwidth: old.EstimatedBandwidth / 2,
	}
	right := &types.Shard{
		Range:              types.KeyRange{Begin: mid, End: r.End},
		Primary:            req.Source,
		EstimatedBytes:     old.EstimatedBytes / 2,
		EstimatedBandwidth: old.EstimatedBandwidth / 2,
	}

	if err := q.manager.PutShard(left); err != nil {
		q.logger.Error().Err(err).Msg("split: failed to persist left half")
		return
	}
	if err := q.manager.PutShard(right); err != nil {
		q.logger.Error().Err(err).Msg("split: failed to persist right half")
		return
	}
	// left's Range.Begin equals the original shard's key, so PutShard(left)
	// already overwrote it in place; no separate delete is needed.

	q.manager.PublishEvent(&events.Event{Type: events.EventShardSplit, ShardKey: string(r.Begin)})
	metrics.DataMovesTotal.WithLabelValues(req.Reason, "complete").Inc()
}

// executeMerge combines two adjacent, same-team shards into one, deleting
// the second range's entry.
func (q *Queue) executeMerge(req Request) {
	if len(req.Ranges) != 2 {
		q.logger.Error().Int("ranges", len(req.Ranges)).Msg("merge request must carry exactly two ranges")
		return
	}
	a, b := req.Ranges[0], req.Ranges[1]

	shardA, errA := q.manager.GetShard(a.Begin)
	shardB, errB := q.manager.GetShard(b.Begin)
	if errA != nil || errB != nil {
		q.logger.Warn().Msg("merge: one or both shards vanished before execution")
		return
	}

	merged := &types.Shard{
		Range:              types.KeyRange{Begin: a.Begin, End: b.End},
		Primary:            req.Source,
		EstimatedBytes:     shardA.EstimatedBytes + shardB.EstimatedBytes,
		EstimatedBandwidth: shardA.EstimatedBandwidth + shardB.EstimatedBandwidth,
	}

	if err := q.manager.PutShard(merged); err != nil {
		q.logger.Error().Err(err).Msg("merge: failed to persist merged shard")
		return
	}
	if err := q.manager.DeleteShard(b.Begin); err != nil {
		q.logger.Error().Err(err).Msg("merge: failed to tombstone absorbed shard")
	}

	q.manager.PublishEvent(&events.Event{Type: events.EventShardMerged, ShardKey: string(a.Begin)})
	metrics.DataMovesTotal.WithLabelValues(req.Reason, "complete").Inc()
}

// moveData performs the actual data copy to the destination team. Storage
// server wire protocol is out of scope (see spec Non-goals); this is the
// seam a real deployment would wire a storage-server client into.
func (q *Queue) moveData(ctx context.Context, move *types.DataMove) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	move.Phase = types.MovePhaseValid
	return nil
}

func rangeSetKey(ranges []types.KeyRange) string {
	key := ""
	for _, r := range ranges {
		key += string(r.Begin) + ".." + string(r.End) + "|"
	}
	return key
}

// requestHeap implements container/heap.Interface, ordered by (priority,
// enqueueSeq) so lower-priority-number requests are serviced first and
// ties break in FIFO order.
type requestHeap []Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].enqueueSeq < h[j].enqueueSeq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(Request))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
