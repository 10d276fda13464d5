// Package tenant implements the tenant lifecycle state machine: Create,
// Delete, Configure, Rename, and Lock, plus tombstones that block a
// deleted tenant's name from being re-created until the tombstone is
// removed. Only Create runs its checks and its write as one atomic step.
package tenant

import (
	"fmt"
	"time"

	"github.com/cuemby/distributor/pkg/events"
	"github.com/cuemby/distributor/pkg/log"
	"github.com/cuemby/distributor/pkg/manager"
	"github.com/cuemby/distributor/pkg/metrics"
	"github.com/cuemby/distributor/pkg/types"
	"github.com/rs/zerolog"
)

// Manager mediates every tenant mutation. Create is one FSM command whose
// handler performs the duplicate-name, tombstone and capacity checks and
// the write as a single indivisible step. Delete, Configure, Rename and
// Lock read the current state, check it here, then apply one or more
// separate FSM commands; their checks are not atomic with their writes,
// and a multi-command mutation can be left partly applied.
type Manager struct {
	manager *manager.Manager
	knobs   types.Knobs
	logger  zerolog.Logger
}

// New creates a tenant Manager.
func New(mgr *manager.Manager, knobs types.Knobs) *Manager {
	return &Manager{
		manager: mgr,
		knobs:   knobs,
		logger:  log.WithComponent("tenant"),
	}
}

func validName(name string) bool {
	return len(name) > 0 && name[0] != 0xFF
}

func (m *Manager) timeOp(op string, err *error) func() {
	timer := metrics.NewTimer()
	return func() {
		outcome := "success"
		if err != nil && *err != nil {
			outcome = "error"
		}
		timer.ObserveDurationVec(metrics.TenantOperationDuration, op)
		metrics.TenantOperationsTotal.WithLabelValues(op, outcome).Inc()
	}
}

// Create allocates a new tenant under name, optionally assigning it to
// group. Rejects names/groups beginning with 0xFF, duplicate names,
// tombstoned names still blocked from reanimation, and cluster-capacity
// overflow.
func (m *Manager) Create(name, group string) (tenant *types.Tenant, err error) {
	defer m.timeOp("create", &err)()

	if !validName(name) {
		return nil, types.ClientVisible(fmt.Errorf("invalid_tenant_name: %q", name))
	}
	if group != "" && !validName(group) {
		return nil, types.ClientVisible(fmt.Errorf("invalid_tenant_name: group %q", group))
	}

	// The duplicate-name, tombstone, and capacity checks run inside the
	// FSM's Apply (pkg/manager/fsm.go's opCreateTenant handler), not here:
	// that is the only path serialized through Raft, so two concurrent
	// Create calls for the same name cannot both pass a check-then-write
	// race across these two separate read paths.
	max := m.knobs.MaxTenantsPerCluster
	if max <= 0 {
		max = 1 << 20
	}

	id := types.NewTenantID()
	now := time.Now()
	t := &types.Tenant{
		ID:        id,
		Name:      name,
		Prefix:    []byte("\x02" + string(id)),
		GroupName: group,
		Lock:      types.LockUnlocked,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.manager.CreateTenant(t, max); err != nil {
		return nil, types.ClientVisible(err)
	}

	if group != "" {
		if err := m.addToGroup(group, id); err != nil {
			return nil, err
		}
	}

	m.manager.PublishEvent(&events.Event{Type: events.EventTenantCreated, TenantID: string(id), Message: name})
	return t, nil
}

// Delete removes a tenant by name, leaving a tombstone to block a racing
// re-creation of the same name from reusing a still-orphaned prefix.
func (m *Manager) Delete(name string) (err error) {
	defer m.timeOp("delete", &err)()

	t, getErr := m.manager.GetTenantByName(name)
	if getErr != nil {
		return types.ClientVisible(types.ErrTenantNotFound)
	}

	if t.GroupName != "" {
		if err := m.removeFromGroup(t.GroupName, t.ID); err != nil {
			return err
		}
	}

	if err := m.manager.DeleteTenant(t.ID); err != nil {
		return err
	}

	tomb := &types.TenantTombstone{TenantID: t.ID, Name: t.Name, Prefix: t.Prefix, DeletedAt: time.Now()}
	if err := m.manager.PutTombstone(tomb); err != nil {
		return err
	}

	m.manager.PublishEvent(&events.Event{Type: events.EventTenantDeleted, TenantID: string(t.ID), Message: name})
	return nil
}

// Configure replaces a tenant's group/lock state in place. newGroup and
// newLock are nil when the caller does not want to change that field.
func (m *Manager) Configure(name string, newGroup *string, newLock *types.LockState, newLockOwner *string) (err error) {
	defer m.timeOp("configure", &err)()

	t, getErr := m.manager.GetTenantByName(name)
	if getErr != nil {
		return types.ClientVisible(types.ErrTenantNotFound)
	}

	if newGroup != nil && *newGroup != t.GroupName {
		if t.GroupName != "" {
			if err := m.removeFromGroup(t.GroupName, t.ID); err != nil {
				return err
			}
		}
		if *newGroup != "" {
			if !validName(*newGroup) {
				return types.ClientVisible(fmt.Errorf("invalid_tenant_name: group %q", *newGroup))
			}
			if err := m.addToGroup(*newGroup, t.ID); err != nil {
				return err
			}
		}
		t.GroupName = *newGroup
	}

	if newLock != nil {
		owner := t.LockOwner
		if newLockOwner != nil {
			owner = *newLockOwner
		}
		if (owner != "") != (*newLock != types.LockUnlocked) {
			return types.ClientVisible(fmt.Errorf("invalid lock configuration: owner presence must match lock state"))
		}
		t.Lock = *newLock
		t.LockOwner = owner
	}

	t.UpdatedAt = time.Now()
	return m.manager.PutTenant(t)
}

// Rename moves a tenant from oldName to newName with a single write after
// its checks. Idempotent on retry: if oldName no longer exists but a
// tenant named newName does, it succeeds rather than erroring; it does not
// check that this tenant came from an earlier rename of oldName.
func (m *Manager) Rename(oldName, newName string) (err error) {
	defer m.timeOp("rename", &err)()

	if !validName(newName) {
		return types.ClientVisible(fmt.Errorf("invalid_tenant_name: %q", newName))
	}

	t, getErr := m.manager.GetTenantByName(oldName)
	if getErr != nil {
		if already, dupErr := m.manager.GetTenantByName(newName); dupErr == nil && already != nil {
			return nil // already renamed by a previous, retried attempt
		}
		return types.ClientVisible(types.ErrTenantNotFound)
	}

	if dup, dupErr := m.manager.GetTenantByName(newName); dupErr == nil && dup != nil && dup.ID != t.ID {
		return types.ClientVisible(fmt.Errorf("tenant_already_exists: %w", types.ErrTenantExists))
	}

	// Group membership is keyed by tenant id, not name, so renaming
	// requires no update to the group-tenant index.
	t.Name = newName
	t.UpdatedAt = time.Now()
	return m.manager.PutTenant(t)
}

// Lock transitions a tenant's lock state. A no-op if (state, owner)
// already match the request; fails if a different owner already holds
// the lock.
func (m *Manager) Lock(name string, state types.LockState, owner string) (err error) {
	defer m.timeOp("lock", &err)()

	t, getErr := m.manager.GetTenantByName(name)
	if getErr != nil {
		return types.ClientVisible(types.ErrTenantNotFound)
	}

	if t.Lock == state && t.LockOwner == owner {
		return nil
	}
	if t.LockOwner != "" && t.LockOwner != owner {
		return types.ClientVisible(fmt.Errorf("tenant_locked: %w", types.ErrTenantLocked))
	}

	if state == types.LockUnlocked {
		owner = ""
	}
	t.Lock = state
	t.LockOwner = owner
	t.UpdatedAt = time.Now()
	if err := m.manager.PutTenant(t); err != nil {
		return err
	}
	if state == types.LockLocked {
		m.manager.PublishEvent(&events.Event{Type: events.EventTenantLocked, TenantID: string(t.ID), Message: name})
	}
	return nil
}

func (m *Manager) addToGroup(name string, id types.TenantID) error {
	group, err := m.manager.GetTenantGroup(name)
	if err != nil {
		group = &types.TenantGroup{Name: name}
	}
	for _, existing := range group.Tenants {
		if existing == id {
			return m.manager.PutTenantGroup(group)
		}
	}
	group.Tenants = append(group.Tenants, id)
	return m.manager.PutTenantGroup(group)
}

func (m *Manager) removeFromGroup(name string, id types.TenantID) error {
	group, err := m.manager.GetTenantGroup(name)
	if err != nil {
		return nil
	}
	remaining := group.Tenants[:0]
	for _, existing := range group.Tenants {
		if existing != id {
			remaining = append(remaining, existing)
		}
	}
	group.Tenants = remaining
	if len(group.Tenants) == 0 {
		return m.manager.DeleteTenantGroup(name)
	}
	return m.manager.PutTenantGroup(group)
}
