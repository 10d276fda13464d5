// Package audit implements the Audit Storage engine: a concurrent,
// retryable, persisted background sweep that verifies replica
// consistency, cross-region HA placement, location metadata, and
// per-storage-server shard maps over an arbitrary key range, without
// blocking client traffic.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/distributor/pkg/events"
	"github.com/cuemby/distributor/pkg/log"
	"github.com/cuemby/distributor/pkg/manager"
	"github.com/cuemby/distributor/pkg/metrics"
	"github.com/cuemby/distributor/pkg/types"
	"github.com/rs/zerolog"
)

// Prober sends one audit task to a storage server. The real storage-server
// wire protocol is out of scope (see spec Non-goals); this is the seam a
// deployment wires a client into. The default Prober used when none is
// supplied always succeeds, so the engine is exercisable without one.
type Prober interface {
	Probe(ctx context.Context, server types.StorageServerID, r types.KeyRange, auditType types.AuditType) error
}

// NoopProber always succeeds; useful for tests and as Engine's default.
type NoopProber struct{}

// Probe implements Prober.
func (NoopProber) Probe(ctx context.Context, server types.StorageServerID, r types.KeyRange, auditType types.AuditType) error {
	return nil
}

// liveAudit is the in-memory state for one running audit; mirrors the
// persisted Audit row plus bookkeeping not worth persisting per-task.
type liveAudit struct {
	id         types.AuditID
	auditType  types.AuditType
	rng        types.KeyRange
	retryCount int

	mu             sync.Mutex
	foundError     bool
	anyChildFailed bool
	issuedCount    int
	completedCount int

	cancel context.CancelFunc
	done   chan struct{}
}

// Engine is the two-level audits[type][id] map plus the dispatch loop and
// concurrency budget described by the audit storage design.
type Engine struct {
	manager *manager.Manager
	prober  Prober
	knobs   types.Knobs
	logger  zerolog.Logger

	mu   sync.Mutex
	live map[types.AuditType]map[types.AuditID]*liveAudit

	budget chan struct{} // buffered to CONCURRENT_AUDIT_TASK_COUNT_MAX; acquire/release pair
}

// New creates an Engine. prober may be nil, in which case NoopProber is used.
func New(mgr *manager.Manager, prober Prober, knobs types.Knobs) *Engine {
	if prober == nil {
		prober = NoopProber{}
	}
	max := knobs.ConcurrentAuditTaskCountMax
	if max <= 0 {
		max = 64
	}
	return &Engine{
		manager: mgr,
		prober:  prober,
		knobs:   knobs,
		logger:  log.WithComponent("audit"),
		live:    make(map[types.AuditType]map[types.AuditID]*liveAudit),
		budget:  make(chan struct{}, max),
	}
}

// Resume scans persisted audits on Data Distributor startup: every row
// still Running is re-enqueued as if freshly dispatched, and finished rows
// beyond the retained-generations threshold are swept.
func (e *Engine) Resume(ctx context.Context) error {
	audits, err := e.manager.ListAudits()
	if err != nil {
		return err
	}

	byType := make(map[types.AuditType][]*types.Audit)
	for _, a := range audits {
		byType[a.Type] = append(byType[a.Type], a)
	}

	for auditType, rows := range byType {
		finished := make([]*types.Audit, 0, len(rows))
		for _, row := range rows {
			switch row.Phase {
			case types.AuditRunning:
				e.logger.Info().Str("audit_id", string(row.ID)).Str("type", string(auditType)).Msg("resuming audit from persisted Running row")
				e.resumeOne(ctx, row)
			case types.AuditComplete, types.AuditFailed:
				finished = append(finished, row)
			}
		}
		e.sweepFinished(auditType, finished)
	}
	return nil
}

// sweepFinished deletes finished audit rows beyond PersistFinishAuditCount,
// oldest first; Failed rows also have their progress records deleted.
func (e *Engine) sweepFinished(auditType types.AuditType, finished []*types.Audit) {
	keep := e.knobs.PersistFinishAuditCount
	if keep <= 0 {
		keep = 5
	}
	if len(finished) <= keep {
		return
	}

	for i := 1; i < len(finished); i++ {
		for j := i; j > 0 && finished[j].UpdatedAt.Before(finished[j-1].UpdatedAt); j-- {
			finished[j], finished[j-1] = finished[j-1], finished[j]
		}
	}

	toDrop := finished[:len(finished)-keep]
	for _, row := range toDrop {
		if row.Phase == types.AuditFailed {
			e.manager.DeleteRangeProgress(row.ID)
			e.manager.DeleteServerProgress(row.ID)
		}
		if err := e.manager.DeleteAudit(auditType, row.ID); err != nil {
			e.logger.Error().Err(err).Str("audit_id", string(row.ID)).Msg("failed to sweep finished audit")
		}
	}
}

func (e *Engine) resumeOne(ctx context.Context, row *types.Audit) {
	la := &liveAudit{
		id:         row.ID,
		auditType:  row.Type,
		retryCount: row.RetryCount,
		done:       make(chan struct{}),
	}
	e.register(la)
	go e.core(ctx, la)
}

// Trigger launches a new audit over r of the given type, or returns the id
// of an existing live audit of that type whose range already contains r.
// If a different audit of that type is already live, it fails with a
// client-visible (types.ClientVisible) exceeded-request-limit error per
// the single-live-audit-per-type invariant.
func (e *Engine) Trigger(ctx context.Context, r types.KeyRange, auditType types.AuditType) (types.AuditID, error) {
	if len(r.Begin) == 0 && r.End != nil && len(r.End) == 0 {
		return "", types.ClientVisible(fmt.Errorf("audit_storage_failed: empty range"))
	}

	e.mu.Lock()
	for _, la := range e.live[auditType] {
		if rangeCovers(la.rng, r) {
			e.mu.Unlock()
			return la.id, nil
		}
	}
	if len(e.live[auditType]) > 0 {
		e.mu.Unlock()
		return "", types.ClientVisible(fmt.Errorf("exceeded-request-limit: audit of type %s already running", auditType))
	}
	e.mu.Unlock()

	id := types.NewAuditID()
	row := &types.Audit{
		ID:        id,
		Type:      auditType,
		Phase:     types.AuditRunning,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := e.manager.PutAudit(row); err != nil {
		return "", err
	}

	la := &liveAudit{id: id, auditType: auditType, rng: r, done: make(chan struct{})}
	e.register(la)
	e.manager.PublishEvent(&events.Event{Type: events.EventAuditLaunched, AuditID: string(id)})
	metrics.AuditTasksRunning.WithLabelValues(string(auditType)).Inc()

	go e.core(ctx, la)
	return id, nil
}

// Cancel flips a live (or persisted) audit's phase to Failed and clears
// its progress records, then removes it from the in-memory map, which
// cancels its outstanding tasks.
func (e *Engine) Cancel(auditType types.AuditType, id types.AuditID) error {
	e.mu.Lock()
	la, ok := e.live[auditType][id]
	if ok {
		delete(e.live[auditType], id)
	}
	e.mu.Unlock()

	if ok && la.cancel != nil {
		la.cancel()
	}

	row, err := e.manager.GetAudit(auditType, id)
	if err != nil {
		return types.ClientVisible(types.ErrAuditNotFound)
	}

	row.Phase = types.AuditFailed
	row.UpdatedAt = time.Now()
	if err := e.manager.PutAudit(row); err != nil {
		return err
	}
	e.manager.DeleteRangeProgress(id)
	e.manager.DeleteServerProgress(id)
	metrics.AuditsTotal.WithLabelValues(string(auditType), "cancelled").Inc()
	return nil
}

func (e *Engine) register(la *liveAudit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.live[la.auditType] == nil {
		e.live[la.auditType] = make(map[types.AuditID]*liveAudit)
	}
	e.live[la.auditType][la.id] = la
}

func (e *Engine) unregister(la *liveAudit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live[la.auditType], la.id)
}

// rangeCovers reports whether outer fully contains inner.
func rangeCovers(outer, inner types.KeyRange) bool {
	if !outer.Contains(inner.Begin) {
		return false
	}
	if inner.End == nil {
		return outer.End == nil
	}
	return outer.End == nil || len(inner.End) == 0 || !greaterBytes(inner.End, outer.End)
}

func greaterBytes(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return len(a) > len(b)
}
