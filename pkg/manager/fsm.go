package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/distributor/pkg/storage"
	"github.com/cuemby/distributor/pkg/types"
	"github.com/hashicorp/raft"
)

// DistributorFSM implements the Raft Finite State Machine for the Data
// Distributor's system keyspace. It is the only path that may mutate
// persisted state: every command enters through Apply after Raft commits
// it, so concurrent Data Distributor instances can never diverge.
type DistributorFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewDistributorFSM creates a new FSM instance.
func NewDistributorFSM(store storage.Store) *DistributorFSM {
	return &DistributorFSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Command op names.
const (
	opPutShard          = "put_shard"
	opDeleteShard       = "delete_shard"
	opPutStorageServer  = "put_storage_server"
	opDeleteStorageServer = "delete_storage_server"
	opPutDataMove       = "put_data_move"
	opDeleteDataMove    = "delete_data_move"
	opPutAudit          = "put_audit"
	opDeleteAudit       = "delete_audit"
	opPutRangeProgress  = "put_range_progress"
	opDeleteRangeProgress = "delete_range_progress"
	opPutServerProgress = "put_server_progress"
	opDeleteServerProgress = "delete_server_progress"
	opCreateTenant      = "create_tenant"
	opPutTenant         = "put_tenant"
	opDeleteTenant      = "delete_tenant"
	opPutTenantGroup    = "put_tenant_group"
	opDeleteTenantGroup = "delete_tenant_group"
	opPutTombstone      = "put_tombstone"
	opDeleteTombstone   = "delete_tombstone"
	opSaveMoveKeysLock  = "save_move_keys_lock"
	opSaveConfig        = "save_config"
	opSaveMode          = "save_mode"
)

type deleteShardArgs struct {
	Begin []byte `json:"begin"`
}

type deleteByIDArgs struct {
	ID string `json:"id"`
}

type deleteAuditArgs struct {
	Type types.AuditType `json:"type"`
	ID   types.AuditID   `json:"id"`
}

type deleteProgressArgs struct {
	AuditID types.AuditID `json:"audit_id"`
}

type deleteNamedArgs struct {
	Name string `json:"name"`
}

// createTenantArgs carries both the tenant to create and the cluster's
// current capacity knob, so opCreateTenant's duplicate-name/tombstone/
// capacity checks run inside Apply's single-threaded, Raft-serialized
// critical section instead of racing against a caller-side pre-check.
type createTenantArgs struct {
	Tenant               *types.Tenant `json:"tenant"`
	MaxTenantsPerCluster int           `json:"max_tenants_per_cluster"`
}

// validateNewTenant enforces the Create invariants — name not already
// taken, name not blocked by a pending tombstone, cluster not at capacity
// — against the FSM's own store, which is only ever written here under
// f.mu, so no other Apply call can interleave.
func (f *DistributorFSM) validateNewTenant(t *types.Tenant, max int) error {
	if _, err := f.store.GetTenantByName(t.Name); err == nil {
		return fmt.Errorf("tenant_already_exists: %w", types.ErrTenantExists)
	}
	if tomb, err := f.store.GetTombstoneByName(t.Name); err == nil && tomb != nil {
		return fmt.Errorf("tenant_creation_blocked: %q was deleted and is pending cleanup", t.Name)
	}
	if max > 0 {
		existing, err := f.store.ListTenants()
		if err != nil {
			return err
		}
		if len(existing)+1 > max {
			return fmt.Errorf("cluster_no_capacity: max_tenants_per_cluster (%d) exceeded: %w", max, types.ErrTenantQuotaExceeded)
		}
	}
	return nil
}

// Apply applies a Raft log entry to the FSM. Called by Raft when a log
// entry is committed.
func (f *DistributorFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPutShard:
		var shard types.Shard
		if err := json.Unmarshal(cmd.Data, &shard); err != nil {
			return err
		}
		return f.store.PutShard(&shard)

	case opDeleteShard:
		var args deleteShardArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.DeleteShard(args.Begin)

	case opPutStorageServer:
		var server types.StorageServer
		if err := json.Unmarshal(cmd.Data, &server); err != nil {
			return err
		}
		return f.store.PutStorageServer(&server)

	case opDeleteStorageServer:
		var args deleteByIDArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.DeleteStorageServer(types.StorageServerID(args.ID))

	case opPutDataMove:
		var move types.DataMove
		if err := json.Unmarshal(cmd.Data, &move); err != nil {
			return err
		}
		return f.store.PutDataMove(&move)

	case opDeleteDataMove:
		var args deleteByIDArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.DeleteDataMove(types.DataMoveID(args.ID))

	case opPutAudit:
		var audit types.Audit
		if err := json.Unmarshal(cmd.Data, &audit); err != nil {
			return err
		}
		return f.store.PutAudit(&audit)

	case opDeleteAudit:
		var args deleteAuditArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.DeleteAudit(args.Type, args.ID)

	case opPutRangeProgress:
		var p types.RangeProgress
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.PutRangeProgress(&p)

	case opDeleteRangeProgress:
		var args deleteProgressArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.DeleteRangeProgress(args.AuditID)

	case opPutServerProgress:
		var p types.ServerProgress
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.PutServerProgress(&p)

	case opDeleteServerProgress:
		var args deleteProgressArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.DeleteServerProgress(args.AuditID)

	case opCreateTenant:
		var args createTenantArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		if err := f.validateNewTenant(args.Tenant, args.MaxTenantsPerCluster); err != nil {
			return err
		}
		return f.store.PutTenant(args.Tenant)

	case opPutTenant:
		var tenant types.Tenant
		if err := json.Unmarshal(cmd.Data, &tenant); err != nil {
			return err
		}
		return f.store.PutTenant(&tenant)

	case opDeleteTenant:
		var args deleteByIDArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.DeleteTenant(types.TenantID(args.ID))

	case opPutTenantGroup:
		var group types.TenantGroup
		if err := json.Unmarshal(cmd.Data, &group); err != nil {
			return err
		}
		return f.store.PutTenantGroup(&group)

	case opDeleteTenantGroup:
		var args deleteNamedArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.DeleteTenantGroup(args.Name)

	case opPutTombstone:
		var tombstone types.TenantTombstone
		if err := json.Unmarshal(cmd.Data, &tombstone); err != nil {
			return err
		}
		return f.store.PutTombstone(&tombstone)

	case opDeleteTombstone:
		var args deleteByIDArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.DeleteTombstone(types.TenantID(args.ID))

	case opSaveMoveKeysLock:
		var lock types.MoveKeysLock
		if err := json.Unmarshal(cmd.Data, &lock); err != nil {
			return err
		}
		return f.store.SaveMoveKeysLock(&lock)

	case opSaveConfig:
		var cfg types.Config
		if err := json.Unmarshal(cmd.Data, &cfg); err != nil {
			return err
		}
		return f.store.SaveConfig(&cfg)

	case opSaveMode:
		var mode types.DDMode
		if err := json.Unmarshal(cmd.Data, &mode); err != nil {
			return err
		}
		return f.store.SaveMode(mode)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM. Called
// periodically by Raft to compact the log.
func (f *DistributorFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	shards, err := f.store.ListShards()
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %v", err)
	}

	servers, err := f.store.ListStorageServers()
	if err != nil {
		return nil, fmt.Errorf("failed to list storage servers: %v", err)
	}

	moves, err := f.store.ListDataMoves()
	if err != nil {
		return nil, fmt.Errorf("failed to list data moves: %v", err)
	}

	audits, err := f.store.ListAudits()
	if err != nil {
		return nil, fmt.Errorf("failed to list audits: %v", err)
	}

	tenants, err := f.store.ListTenants()
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %v", err)
	}

	groups, err := f.store.ListTenantGroups()
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant groups: %v", err)
	}

	tombstones, err := f.store.ListTombstones()
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %v", err)
	}

	lock, err := f.store.GetMoveKeysLock()
	if err != nil {
		lock = &types.MoveKeysLock{}
	}

	cfg, err := f.store.GetConfig()
	if err != nil {
		cfg = &types.Config{}
	}

	mode, err := f.store.GetMode()
	if err != nil {
		mode = types.ModeEnabled
	}

	snapshot := &DistributorSnapshot{
		Shards:         shards,
		StorageServers: servers,
		DataMoves:      moves,
		Audits:         audits,
		Tenants:        tenants,
		TenantGroups:   groups,
		Tombstones:     tombstones,
		MoveKeysLock:   lock,
		Config:         cfg,
		Mode:           mode,
	}

	return snapshot, nil
}

// Restore restores the FSM from a snapshot. Called when a node restarts
// or joins the cluster.
func (f *DistributorFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot DistributorSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, shard := range snapshot.Shards {
		if err := f.store.PutShard(shard); err != nil {
			return fmt.Errorf("failed to restore shard: %v", err)
		}
	}

	for _, server := range snapshot.StorageServers {
		if err := f.store.PutStorageServer(server); err != nil {
			return fmt.Errorf("failed to restore storage server: %v", err)
		}
	}

	for _, move := range snapshot.DataMoves {
		if err := f.store.PutDataMove(move); err != nil {
			return fmt.Errorf("failed to restore data move: %v", err)
		}
	}

	for _, audit := range snapshot.Audits {
		if err := f.store.PutAudit(audit); err != nil {
			return fmt.Errorf("failed to restore audit: %v", err)
		}
	}

	for _, tenant := range snapshot.Tenants {
		if err := f.store.PutTenant(tenant); err != nil {
			return fmt.Errorf("failed to restore tenant: %v", err)
		}
	}

	for _, group := range snapshot.TenantGroups {
		if err := f.store.PutTenantGroup(group); err != nil {
			return fmt.Errorf("failed to restore tenant group: %v", err)
		}
	}

	for _, tombstone := range snapshot.Tombstones {
		if err := f.store.PutTombstone(tombstone); err != nil {
			return fmt.Errorf("failed to restore tombstone: %v", err)
		}
	}

	if snapshot.MoveKeysLock != nil {
		if err := f.store.SaveMoveKeysLock(snapshot.MoveKeysLock); err != nil {
			return fmt.Errorf("failed to restore move-keys lock: %v", err)
		}
	}

	if snapshot.Config != nil {
		if err := f.store.SaveConfig(snapshot.Config); err != nil {
			return fmt.Errorf("failed to restore config: %v", err)
		}
	}

	if snapshot.Mode != "" {
		if err := f.store.SaveMode(snapshot.Mode); err != nil {
			return fmt.Errorf("failed to restore mode: %v", err)
		}
	}

	return nil
}

// DistributorSnapshot represents a point-in-time snapshot of the system
// keyspace.
type DistributorSnapshot struct {
	Shards         []*types.Shard
	StorageServers []*types.StorageServer
	DataMoves      []*types.DataMove
	Audits         []*types.Audit
	Tenants        []*types.Tenant
	TenantGroups   []*types.TenantGroup
	Tombstones     []*types.TenantTombstone
	MoveKeysLock   *types.MoveKeysLock
	Config         *types.Config
	Mode           types.DDMode
}

// Persist writes the snapshot to the given SnapshotSink.
func (s *DistributorSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources.
func (s *DistributorSnapshot) Release() {}
