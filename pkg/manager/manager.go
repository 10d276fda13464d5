package manager

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/distributor/pkg/events"
	"github.com/cuemby/distributor/pkg/metrics"
	"github.com/cuemby/distributor/pkg/storage"
	"github.com/cuemby/distributor/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Manager wraps Raft consensus and the persisted system keyspace. Raft
// leadership stands in for the specification's move-keys-lock single-writer
// requirement: only the elected leader may successfully apply mutating
// commands, and AcquireMoveKeysLock further records which logical Data
// Distributor instance (by owner id) is entitled to run move-keys
// operations on top of that.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	fsm         *DistributorFSM
	store       storage.Store
	eventBroker *events.Broker
}

// Config holds configuration for creating a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates a new Manager instance.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	fsm := NewDistributorFSM(store)

	eventBroker := events.NewBroker()
	eventBroker.Start()

	m := &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         fsm,
		store:       store,
		eventBroker: eventBroker,
	}

	return m, nil
}

func raftConfig(nodeID string) *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)

	// The move-keys lock is only meaningful if leadership failover is fast:
	// a stuck Data Distributor must hand off to a standby quickly. Hashicorp
	// Raft's WAN-tuned defaults (1s heartbeat/election) are conservative for
	// a same-datacenter control plane, so tighten them.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	return config
}

func (m *Manager) newRaft(config *raft.Config) (*raft.Raft, raft.ServerAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStorePath := filepath.Join(m.dataDir, "raft-log.db")
	logStore, err := raftboltdb.NewBoltStore(logStorePath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create log store: %w", err)
	}

	stableStorePath := filepath.Join(m.dataDir, "raft-stable.db")
	stableStore, err := raftboltdb.NewBoltStore(stableStorePath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create raft: %w", err)
	}

	return r, transport.LocalAddr(), nil
}

// Bootstrap initializes a new single-node Raft cluster.
func (m *Manager) Bootstrap() error {
	config := raftConfig(m.nodeID)

	r, localAddr, err := m.newRaft(config)
	if err != nil {
		return err
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: config.LocalID, Address: localAddr},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	return nil
}

// joinRequest is posted to a running leader's /internal/join endpoint to
// request Raft membership for this node.
type joinRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

// Join adds this manager to an existing cluster by asking the leader
// (reached over the control API) to add it as a Raft voter, then starts
// this node's own Raft instance so it can replicate.
func (m *Manager) Join(leaderAPIAddr string) error {
	config := raftConfig(m.nodeID)

	r, _, err := m.newRaft(config)
	if err != nil {
		return err
	}
	m.raft = r

	body, err := json.Marshal(joinRequest{NodeID: m.nodeID, Address: m.bindAddr})
	if err != nil {
		return err
	}

	resp, err := http.Post(fmt.Sprintf("http://%s/internal/join", leaderAPIAddr), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to contact leader: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("leader rejected join request: status %d", resp.StatusCode)
	}

	return nil
}

// AddVoter adds a new manager node to the Raft cluster. Called by the
// leader in response to a /internal/join request.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}

	return nil
}

// RemoveServer removes a server from the Raft cluster.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}

	return nil
}

// GetClusterServers returns information about all servers in the Raft cluster.
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}

	return future.Configuration().Servers, nil
}

// IsLeader returns true if this manager is the Raft leader.
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// GetRaftStats returns Raft statistics.
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = string(m.raft.Leader())

	configFuture := m.raft.GetConfiguration()
	if err := configFuture.Error(); err == nil {
		stats["peers"] = uint64(len(configFuture.Configuration().Servers))
	} else {
		stats["peers"] = uint64(0)
	}

	return stats
}

// GetEventBroker returns the event broker.
func (m *Manager) GetEventBroker() *events.Broker {
	return m.eventBroker
}

// PublishEvent publishes an event to all subscribers.
func (m *Manager) PublishEvent(event *events.Event) {
	if m.eventBroker != nil {
		m.eventBroker.Publish(event)
	}
}

// Apply submits a command to the Raft cluster.
func (m *Manager) Apply(cmd Command) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}

	return nil
}

func apply(m *Manager, op string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.Apply(Command{Op: op, Data: data})
}

// --- Shard map ---

func (m *Manager) PutShard(shard *types.Shard) error { return apply(m, opPutShard, shard) }

func (m *Manager) DeleteShard(begin []byte) error {
	return apply(m, opDeleteShard, deleteShardArgs{Begin: begin})
}

func (m *Manager) GetShard(begin []byte) (*types.Shard, error) { return m.store.GetShard(begin) }

func (m *Manager) ListShards() ([]*types.Shard, error) { return m.store.ListShards() }

// --- Storage servers ---

func (m *Manager) PutStorageServer(server *types.StorageServer) error {
	return apply(m, opPutStorageServer, server)
}

func (m *Manager) DeleteStorageServer(id types.StorageServerID) error {
	return apply(m, opDeleteStorageServer, deleteByIDArgs{ID: string(id)})
}

func (m *Manager) GetStorageServer(id types.StorageServerID) (*types.StorageServer, error) {
	return m.store.GetStorageServer(id)
}

func (m *Manager) ListStorageServers() ([]*types.StorageServer, error) {
	return m.store.ListStorageServers()
}

// --- Data moves ---

func (m *Manager) PutDataMove(move *types.DataMove) error { return apply(m, opPutDataMove, move) }

func (m *Manager) DeleteDataMove(id types.DataMoveID) error {
	return apply(m, opDeleteDataMove, deleteByIDArgs{ID: string(id)})
}

func (m *Manager) GetDataMove(id types.DataMoveID) (*types.DataMove, error) {
	return m.store.GetDataMove(id)
}

func (m *Manager) ListDataMoves() ([]*types.DataMove, error) { return m.store.ListDataMoves() }

// --- Audits ---

func (m *Manager) PutAudit(audit *types.Audit) error { return apply(m, opPutAudit, audit) }

func (m *Manager) DeleteAudit(auditType types.AuditType, id types.AuditID) error {
	return apply(m, opDeleteAudit, deleteAuditArgs{Type: auditType, ID: id})
}

func (m *Manager) GetAudit(auditType types.AuditType, id types.AuditID) (*types.Audit, error) {
	return m.store.GetAudit(auditType, id)
}

func (m *Manager) ListAudits() ([]*types.Audit, error) { return m.store.ListAudits() }

func (m *Manager) ListAuditsByType(auditType types.AuditType) ([]*types.Audit, error) {
	return m.store.ListAuditsByType(auditType)
}

func (m *Manager) PutRangeProgress(p *types.RangeProgress) error {
	return apply(m, opPutRangeProgress, p)
}

func (m *Manager) DeleteRangeProgress(auditID types.AuditID) error {
	return apply(m, opDeleteRangeProgress, deleteProgressArgs{AuditID: auditID})
}

func (m *Manager) ListRangeProgress(auditID types.AuditID) ([]*types.RangeProgress, error) {
	return m.store.ListRangeProgress(auditID)
}

func (m *Manager) PutServerProgress(p *types.ServerProgress) error {
	return apply(m, opPutServerProgress, p)
}

func (m *Manager) DeleteServerProgress(auditID types.AuditID) error {
	return apply(m, opDeleteServerProgress, deleteProgressArgs{AuditID: auditID})
}

func (m *Manager) ListServerProgress(auditID types.AuditID) ([]*types.ServerProgress, error) {
	return m.store.ListServerProgress(auditID)
}

// --- Tenants ---

// CreateTenant applies an opCreateTenant command: the duplicate-name,
// tombstone, and capacity checks run inside the FSM's single-threaded
// Apply, not here, so two concurrent creates of the same name can never
// both win.
func (m *Manager) CreateTenant(tenant *types.Tenant, maxTenantsPerCluster int) error {
	return apply(m, opCreateTenant, createTenantArgs{Tenant: tenant, MaxTenantsPerCluster: maxTenantsPerCluster})
}

func (m *Manager) PutTenant(tenant *types.Tenant) error { return apply(m, opPutTenant, tenant) }

func (m *Manager) DeleteTenant(id types.TenantID) error {
	return apply(m, opDeleteTenant, deleteByIDArgs{ID: string(id)})
}

func (m *Manager) GetTenant(id types.TenantID) (*types.Tenant, error) { return m.store.GetTenant(id) }

func (m *Manager) GetTenantByName(name string) (*types.Tenant, error) {
	return m.store.GetTenantByName(name)
}

func (m *Manager) ListTenants() ([]*types.Tenant, error) { return m.store.ListTenants() }

func (m *Manager) PutTenantGroup(group *types.TenantGroup) error {
	return apply(m, opPutTenantGroup, group)
}

func (m *Manager) DeleteTenantGroup(name string) error {
	return apply(m, opDeleteTenantGroup, deleteNamedArgs{Name: name})
}

func (m *Manager) GetTenantGroup(name string) (*types.TenantGroup, error) {
	return m.store.GetTenantGroup(name)
}

func (m *Manager) ListTenantGroups() ([]*types.TenantGroup, error) {
	return m.store.ListTenantGroups()
}

func (m *Manager) PutTombstone(t *types.TenantTombstone) error { return apply(m, opPutTombstone, t) }

func (m *Manager) DeleteTombstone(tenantID types.TenantID) error {
	return apply(m, opDeleteTombstone, deleteByIDArgs{ID: string(tenantID)})
}

func (m *Manager) GetTombstoneByName(name string) (*types.TenantTombstone, error) {
	return m.store.GetTombstoneByName(name)
}

func (m *Manager) ListTombstones() ([]*types.TenantTombstone, error) {
	return m.store.ListTombstones()
}

// --- Move-keys lock ---

// AcquireMoveKeysLock succeeds if no owner currently holds the lock, or
// owner already holds it (idempotent re-acquire, e.g. after a leader
// restart without losing leadership). Only the owner id is compared: there
// is no separate writer token, and the read of the current owner and the
// write of the new record are two separate steps, not one compare-and-swap.
func (m *Manager) AcquireMoveKeysLock(owner string) error {
	current, err := m.store.GetMoveKeysLock()
	if err == nil && current.Owner != "" && current.Owner != owner {
		return types.ExpectedControl(fmt.Errorf("%w: held by %s", types.ErrLockStolen, current.Owner))
	}

	lock := &types.MoveKeysLock{Owner: owner, Acquired: time.Now()}
	if err := apply(m, opSaveMoveKeysLock, lock); err != nil {
		return err
	}
	metrics.MoveKeysLockHeld.Set(1)
	return nil
}

// ReleaseMoveKeysLock clears the lock if owner currently holds it.
func (m *Manager) ReleaseMoveKeysLock(owner string) error {
	current, err := m.store.GetMoveKeysLock()
	if err != nil {
		return nil
	}
	if current.Owner != owner {
		return types.ErrLockNotHeld
	}
	if err := apply(m, opSaveMoveKeysLock, &types.MoveKeysLock{}); err != nil {
		return err
	}
	metrics.MoveKeysLockHeld.Set(0)
	return nil
}

func (m *Manager) GetMoveKeysLock() (*types.MoveKeysLock, error) { return m.store.GetMoveKeysLock() }

// --- Config and mode ---

func (m *Manager) SaveConfig(cfg *types.Config) error { return apply(m, opSaveConfig, cfg) }

func (m *Manager) GetConfig() (*types.Config, error) { return m.store.GetConfig() }

func (m *Manager) SaveMode(mode types.DDMode) error { return apply(m, opSaveMode, mode) }

func (m *Manager) GetMode() (types.DDMode, error) { return m.store.GetMode() }

// NodeID returns the manager's node ID.
func (m *Manager) NodeID() string { return m.nodeID }

// Shutdown gracefully shuts down the manager.
func (m *Manager) Shutdown() error {
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}
