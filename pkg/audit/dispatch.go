package audit

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/distributor/pkg/events"
	"github.com/cuemby/distributor/pkg/metrics"
	"github.com/cuemby/distributor/pkg/types"
)

// taskTimeout is the sustained-failure window a single audit task is
// allowed before it counts as a timeout.
const taskTimeout = 2 * time.Second

// core runs an audit to completion: repeated dispatch rounds until the
// audit is fully covered, a data mismatch is found, or its retry budget is
// exhausted.
func (e *Engine) core(ctx context.Context, la *liveAudit) {
	runCtx, cancel := context.WithCancel(ctx)
	la.cancel = cancel
	defer cancel()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.AuditDuration, string(la.auditType))

	maxRetries := e.knobs.AuditRetryCountMax
	if maxRetries <= 0 {
		maxRetries = 3
	}

	for {
		select {
		case <-runCtx.Done():
			e.finalize(la, types.AuditFailed)
			return
		default:
		}

		la.mu.Lock()
		la.anyChildFailed = false
		la.mu.Unlock()

		if err := e.dispatchRound(runCtx, la); err != nil {
			e.logger.Error().Err(err).Str("audit_id", string(la.id)).Msg("audit dispatch round failed")
			e.finalize(la, types.AuditFailed)
			return
		}

		la.mu.Lock()
		foundError := la.foundError
		anyChildFailed := la.anyChildFailed
		la.mu.Unlock()

		if foundError {
			e.finalize(la, types.AuditError)
			return
		}

		if !anyChildFailed {
			e.finalize(la, types.AuditComplete)
			return
		}

		la.retryCount++
		if la.retryCount >= maxRetries {
			e.finalize(la, types.AuditFailed)
			return
		}
	}
}

// dispatchRound issues one task per not-yet-done unit of work (range or
// server, depending on audit type) and blocks until every issued task has
// settled.
func (e *Engine) dispatchRound(ctx context.Context, la *liveAudit) error {
	if la.auditType == types.AuditPerServerShardMap {
		return e.dispatchPerServer(ctx, la)
	}
	return e.dispatchRangeBased(ctx, la)
}

func (e *Engine) dispatchPerServer(ctx context.Context, la *liveAudit) error {
	servers, err := e.manager.ListStorageServers()
	if err != nil {
		return err
	}

	existing, err := e.manager.ListServerProgress(la.id)
	if err != nil {
		return err
	}
	done := make(map[types.StorageServerID]bool, len(existing))
	for _, p := range existing {
		if p.Done {
			done[p.ServerID] = true
		}
	}

	var wg sync.WaitGroup
	for _, s := range servers {
		if s.Excluded || done[s.ID] {
			continue
		}
		wg.Add(1)
		go func(server *types.StorageServer) {
			defer wg.Done()
			e.runServerTask(ctx, la, server.ID)
		}(s)
	}
	wg.Wait()
	return nil
}

func (e *Engine) dispatchRangeBased(ctx context.Context, la *liveAudit) error {
	progress, err := e.manager.ListRangeProgress(la.id)
	if err != nil {
		return err
	}

	if len(progress) == 0 {
		progress = []*types.RangeProgress{{AuditID: la.id, Range: la.rng, Done: false}}
		if err := e.manager.PutRangeProgress(progress[0]); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, p := range progress {
		if p.Done {
			continue
		}
		wg.Add(1)
		go func(rp *types.RangeProgress) {
			defer wg.Done()
			e.runRangeTask(ctx, la, rp)
		}(p)
	}
	wg.Wait()
	return nil
}

// acquireBudget blocks until a concurrency slot is available or ctx is
// cancelled. Release the slot by sending on e.budget's matching receive
// in the caller's defer.
func (e *Engine) acquireBudget(ctx context.Context) error {
	select {
	case e.budget <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) releaseBudget() {
	<-e.budget
}

func (e *Engine) runRangeTask(ctx context.Context, la *liveAudit, rp *types.RangeProgress) {
	if err := e.acquireBudget(ctx); err != nil {
		return
	}
	defer e.releaseBudget()

	la.mu.Lock()
	la.issuedCount++
	la.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	executor := e.pickExecutor(la.rng)
	err := e.prober.Probe(taskCtx, executor, rp.Range, la.auditType)

	la.mu.Lock()
	la.completedCount++
	la.mu.Unlock()

	switch {
	case err == nil:
		rp.Done = true
		rp.Error = ""
		e.manager.PutRangeProgress(rp)
	case types.IsClientVisible(err):
		la.mu.Lock()
		la.foundError = true
		la.mu.Unlock()
		rp.Error = err.Error()
		e.manager.PutRangeProgress(rp)
	default:
		la.mu.Lock()
		la.anyChildFailed = true
		la.mu.Unlock()
	}
}

func (e *Engine) runServerTask(ctx context.Context, la *liveAudit, serverID types.StorageServerID) {
	if err := e.acquireBudget(ctx); err != nil {
		return
	}
	defer e.releaseBudget()

	la.mu.Lock()
	la.issuedCount++
	la.mu.Unlock()

	taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	err := e.prober.Probe(taskCtx, serverID, la.rng, la.auditType)

	la.mu.Lock()
	la.completedCount++
	la.mu.Unlock()

	sp := &types.ServerProgress{AuditID: la.id, ServerID: serverID}

	switch {
	case err == nil:
		sp.Done = true
		e.manager.PutServerProgress(sp)
	case types.IsClientVisible(err):
		la.mu.Lock()
		la.foundError = true
		la.mu.Unlock()
		sp.Error = err.Error()
		e.manager.PutServerProgress(sp)
	default:
		if _, getErr := e.manager.GetStorageServer(serverID); getErr != nil {
			// removed mid-audit: spec says treat this as a silent success
			sp.Done = true
			e.manager.PutServerProgress(sp)
			return
		}
		la.mu.Lock()
		la.anyChildFailed = true
		la.mu.Unlock()
	}
}

// pickExecutor chooses the storage server that carries out a range-based
// audit task: the first primary-team member covering rng, if one can be
// found, else the empty id (the prober is responsible for treating that
// as "no target").
func (e *Engine) pickExecutor(rng types.KeyRange) types.StorageServerID {
	shards, err := e.manager.ListShards()
	if err != nil {
		return ""
	}
	for _, shard := range shards {
		if shard.Range.Intersects(rng) && len(shard.Primary.Servers) > 0 {
			return shard.Primary.Servers[0]
		}
	}
	return ""
}

// finalize persists an audit's terminal phase and removes it from the
// in-memory map. Complete clears progress records; Error/Failed retain
// them so a caller can inspect what went wrong.
func (e *Engine) finalize(la *liveAudit, phase types.AuditPhase) {
	defer close(la.done)
	e.unregister(la)
	metrics.AuditTasksRunning.WithLabelValues(string(la.auditType)).Dec()

	row, err := e.manager.GetAudit(la.auditType, la.id)
	if err != nil {
		row = &types.Audit{ID: la.id, Type: la.auditType, CreatedAt: time.Now()}
	}
	row.Phase = phase
	row.RetryCount = la.retryCount
	row.UpdatedAt = time.Now()
	if phase == types.AuditError || phase == types.AuditFailed {
		la.mu.Lock()
		if la.foundError {
			row.Error = "audit_storage_error: replica mismatch detected"
		} else {
			row.Error = "audit_storage_failed: retry budget exhausted"
		}
		la.mu.Unlock()
	}
	e.manager.PutAudit(row)

	outcome := "complete"
	eventType := events.EventAuditCompleted
	switch phase {
	case types.AuditComplete:
		e.manager.DeleteRangeProgress(la.id)
		e.manager.DeleteServerProgress(la.id)
	case types.AuditError:
		outcome = "error"
		eventType = events.EventAuditFailed
	case types.AuditFailed:
		outcome = "failed"
		eventType = events.EventAuditFailed
	}

	e.manager.PublishEvent(&events.Event{Type: eventType, AuditID: string(la.id)})
	metrics.AuditsTotal.WithLabelValues(string(la.auditType), outcome).Inc()
}
