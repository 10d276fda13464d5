// Package distributor wires together the shard tracker, relocation
// queue, team collection, audit engine, and tenant lifecycle manager
// behind the bootstrap/lifecycle loop described by the specification:
// wait-enabled, take the move-keys lock, resume in-flight work, then run
// steady-state until the lock is lost or the process is asked to stop.
package distributor

import (
	"context"
	"time"

	"github.com/cuemby/distributor/pkg/audit"
	"github.com/cuemby/distributor/pkg/log"
	"github.com/cuemby/distributor/pkg/manager"
	"github.com/cuemby/distributor/pkg/relocation"
	"github.com/cuemby/distributor/pkg/team"
	"github.com/cuemby/distributor/pkg/tenant"
	"github.com/cuemby/distributor/pkg/tracker"
	"github.com/cuemby/distributor/pkg/types"
	"github.com/rs/zerolog"
)

// lockRenewInterval is how often a leading Distributor re-asserts the
// move-keys lock, standing in for the spec's writer-token keepalive.
const lockRenewInterval = 2 * time.Second

// Distributor runs the bootstrap/lifecycle loop for one Data Distributor
// process. Exactly one instance should hold the move-keys lock at a time;
// Run restarts from step 1 whenever that invariant is threatened.
type Distributor struct {
	manager *manager.Manager
	knobs   types.Knobs
	logger  zerolog.Logger

	owner string

	Team    *team.Collection
	Wiggler *team.Wiggler
	Queue   *relocation.Queue
	Tracker *tracker.Tracker
	Audit   *audit.Engine
	Tenant  *tenant.Manager

	running bool
}

// New wires every subordinate component against mgr and knobs but does
// not start anything; call Run to enter the lifecycle loop.
func New(mgr *manager.Manager, knobs types.Knobs) *Distributor {
	teamColl := team.New(mgr)
	queue := relocation.New(mgr, teamColl.PickDestination, knobs.RelocationWorkerCount)

	return &Distributor{
		manager: mgr,
		knobs:   knobs,
		logger:  log.WithComponent("distributor"),
		owner:   mgr.NodeID(),
		Team:    teamColl,
		Wiggler: team.NewWiggler(knobs),
		Queue:   queue,
		Tracker: tracker.New(mgr, queue, knobs),
		Audit:   audit.New(mgr, nil, knobs),
		Tenant:  tenant.New(mgr, knobs),
	}
}

// Run enters the bootstrap/lifecycle loop and blocks until ctx is
// cancelled. It restarts from step 1 only when acquiring or renewing the
// move-keys lock fails with an expected-control error. Errors from resuming
// audits, shards or data moves are logged and do not restart the loop.
func (d *Distributor) Run(ctx context.Context) error {
	for {
		if err := d.waitEnabled(ctx); err != nil {
			return err
		}

		if err := d.manager.AcquireMoveKeysLock(d.owner); err != nil {
			if types.IsExpectedControl(err) {
				d.logger.Warn().Err(err).Msg("move-keys-conflict, retrying lock acquisition")
				if !sleepOrDone(ctx, lockRenewInterval) {
					return ctx.Err()
				}
				continue
			}
			return err
		}

		unwind, err := d.runOneGeneration(ctx)
		if err != nil {
			return err
		}
		if unwind {
			continue
		}
		return nil
	}
}

// runOneGeneration performs steps 3-10 once the lock is held: resume
// in-flight work, start steady-state actors, then block until the lock is
// lost (unwind=true, caller restarts) or ctx is cancelled (unwind=false).
func (d *Distributor) runOneGeneration(ctx context.Context) (unwind bool, err error) {
	if err := d.Team.Refresh(); err != nil {
		return false, err
	}
	if err := d.Audit.Resume(ctx); err != nil {
		d.logger.Error().Err(err).Msg("failed to resume persisted audits")
	}

	if err := d.resumeShards(); err != nil {
		d.logger.Error().Err(err).Msg("failed to resume shard map")
	}
	if err := d.resumeDataMoves(); err != nil {
		d.logger.Error().Err(err).Msg("failed to resume in-flight data moves")
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.Tracker.Start()
	d.Queue.Start(genCtx)
	d.running = true
	defer func() {
		d.Tracker.Stop()
		d.Queue.Stop()
		d.running = false
	}()

	ticker := time.NewTicker(lockRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.manager.ReleaseMoveKeysLock(d.owner)
			return false, nil
		case <-ticker.C:
			if err := d.manager.AcquireMoveKeysLock(d.owner); err != nil {
				if types.IsExpectedControl(err) {
					d.logger.Warn().Err(err).Msg("lost move-keys lock, unwinding")
					return true, nil
				}
				return false, err
			}
		}
	}
}

// waitEnabled blocks until the persisted dd-mode is Enabled, re-checking
// every lockRenewInterval.
func (d *Distributor) waitEnabled(ctx context.Context) error {
	for {
		mode, err := d.manager.GetMode()
		if err != nil || mode == types.ModeEnabled {
			return nil
		}
		if !sleepOrDone(ctx, lockRenewInterval) {
			return ctx.Err()
		}
	}
}

// resumeShards runs one synchronous tracker scan before steady-state
// actors start, so shards needing recovery begin moving immediately
// instead of waiting for the first ticker fire. The enqueue count is
// bounded by MoveKeysParallelism, matching the cap the spec places on
// concurrent data moves at bootstrap.
func (d *Distributor) resumeShards() error {
	n, err := d.Tracker.Resume(d.knobs.MoveKeysParallelism)
	if err != nil {
		return err
	}
	d.logger.Info().Int("enqueued", n).Msg("resumed shard map")
	return nil
}

// resumeDataMoves re-registers every persisted, still-active data move so
// the relocation queue does not lose track of it across a restart.
// Moves already Complete or Cancelled need no action.
func (d *Distributor) resumeDataMoves() error {
	moves, err := d.manager.ListDataMoves()
	if err != nil {
		return err
	}
	for _, move := range moves {
		if move.Phase == types.MovePhaseComplete || move.Phase == types.MovePhaseCancelled {
			continue
		}
		d.Queue.Enqueue(relocation.Request{
			Ranges:   move.Ranges,
			Source:   move.Source,
			Priority: move.Priority,
			Reason:   "resume:" + move.Reason,
		})
	}
	return nil
}

// Halt sets dd-mode to Disabled, which causes Run's next wait-enabled
// check to park the loop. It does not itself stop a running generation;
// the caller is expected to cancel Run's context for an immediate halt.
func (d *Distributor) Halt() error {
	return d.manager.SaveMode(types.ModeDisabled)
}

// Running reports whether the current generation's steady-state actors
// are active (i.e. this process currently believes it holds the lock).
func (d *Distributor) Running() bool {
	return d.running
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
