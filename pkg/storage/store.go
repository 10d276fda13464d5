package storage

import (
	"github.com/cuemby/distributor/pkg/types"
)

// Store defines the interface for the Data Distributor's persisted system
// keyspace. It is implemented by BoltStore; the FSM in pkg/manager is the
// only caller that invokes its mutating methods, so every mutation goes
// through Raft consensus before it reaches here.
type Store interface {
	// Shard map, ordered by range begin key
	PutShard(shard *types.Shard) error
	GetShard(begin []byte) (*types.Shard, error)
	ListShards() ([]*types.Shard, error)
	DeleteShard(begin []byte) error

	// Storage servers
	PutStorageServer(server *types.StorageServer) error
	GetStorageServer(id types.StorageServerID) (*types.StorageServer, error)
	ListStorageServers() ([]*types.StorageServer, error)
	DeleteStorageServer(id types.StorageServerID) error

	// Data moves
	PutDataMove(move *types.DataMove) error
	GetDataMove(id types.DataMoveID) (*types.DataMove, error)
	ListDataMoves() ([]*types.DataMove, error)
	DeleteDataMove(id types.DataMoveID) error

	// Audits, keyed by (type, id)
	PutAudit(audit *types.Audit) error
	GetAudit(auditType types.AuditType, id types.AuditID) (*types.Audit, error)
	ListAudits() ([]*types.Audit, error)
	ListAuditsByType(auditType types.AuditType) ([]*types.Audit, error)
	DeleteAudit(auditType types.AuditType, id types.AuditID) error

	// Audit progress, two namespaces per the specification's range vs.
	// server-scoped audit kinds
	PutRangeProgress(p *types.RangeProgress) error
	ListRangeProgress(auditID types.AuditID) ([]*types.RangeProgress, error)
	DeleteRangeProgress(auditID types.AuditID) error

	PutServerProgress(p *types.ServerProgress) error
	ListServerProgress(auditID types.AuditID) ([]*types.ServerProgress, error)
	DeleteServerProgress(auditID types.AuditID) error

	// Tenants
	PutTenant(tenant *types.Tenant) error
	GetTenant(id types.TenantID) (*types.Tenant, error)
	GetTenantByName(name string) (*types.Tenant, error)
	ListTenants() ([]*types.Tenant, error)
	DeleteTenant(id types.TenantID) error

	PutTenantGroup(group *types.TenantGroup) error
	GetTenantGroup(name string) (*types.TenantGroup, error)
	ListTenantGroups() ([]*types.TenantGroup, error)
	DeleteTenantGroup(name string) error

	PutTombstone(t *types.TenantTombstone) error
	GetTombstoneByName(name string) (*types.TenantTombstone, error)
	ListTombstones() ([]*types.TenantTombstone, error)
	DeleteTombstone(tenantID types.TenantID) error

	// Singletons
	SaveMoveKeysLock(lock *types.MoveKeysLock) error
	GetMoveKeysLock() (*types.MoveKeysLock, error)

	SaveConfig(cfg *types.Config) error
	GetConfig() (*types.Config, error)

	SaveMode(mode types.DDMode) error
	GetMode() (types.DDMode, error)

	// Utility
	Close() error
}
