package types

import (
	"bytes"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// KeyRange is a contiguous half-open range [Begin, End) over the key space.
// An End of nil means "no upper bound".
type KeyRange struct {
	Begin []byte
	End   []byte
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key []byte) bool {
	if bytes.Compare(key, r.Begin) < 0 {
		return false
	}
	return r.End == nil || bytes.Compare(key, r.End) < 0
}

// MidpointKey returns a key strictly between begin and end, for the
// tracker's shard-split decisions. ok is false when end is unbounded or
// the range is too narrow to produce a distinct midpoint (e.g. adjacent
// single-byte keys).
func MidpointKey(begin, end []byte) (mid []byte, ok bool) {
	if end == nil {
		return nil, false
	}

	n := len(begin)
	if len(end) > n {
		n = len(end)
	}
	b := make([]byte, n)
	copy(b[n-len(begin):], begin)
	e := make([]byte, n)
	copy(e[n-len(end):], end)

	sum := new(big.Int).Add(new(big.Int).SetBytes(b), new(big.Int).SetBytes(e))
	midInt := sum.Rsh(sum, 1)

	out := midInt.Bytes()
	padded := make([]byte, n)
	copy(padded[n-len(out):], out)

	if bytes.Compare(padded, b) <= 0 || bytes.Compare(padded, e) >= 0 {
		return nil, false
	}
	return padded, true
}

// Intersects reports whether r and other share any key.
func (r KeyRange) Intersects(other KeyRange) bool {
	if r.End != nil && bytes.Compare(other.Begin, r.End) >= 0 {
		return false
	}
	if other.End != nil && bytes.Compare(r.Begin, other.End) >= 0 {
		return false
	}
	return true
}

// StorageServerID identifies a storage server process.
type StorageServerID string

// NewStorageServerID generates a fresh random id.
func NewStorageServerID() StorageServerID {
	return StorageServerID(uuid.NewString())
}

// StorageServer is a single storage process participating in replication.
type StorageServer struct {
	ID          StorageServerID
	DataCenter  string
	Zone        string
	Machine     string
	Engine      StorageEngine
	Address     string
	Misconfigured bool // true when its engine/config diverges from cluster policy
	CreatedAt   time.Time
	LastSeen    time.Time
	Excluded    bool // administratively marked for removal
}

// StorageEngine names the on-disk engine a storage server runs.
type StorageEngine string

const (
	EngineSSD    StorageEngine = "ssd"
	EngineMemory StorageEngine = "memory"
	EngineRocksDB StorageEngine = "rocksdb"
)

// Team is an ordered, replication-factor-sized set of storage servers
// holding the same shard. Order matters for tie-breaking and diffing.
type Team struct {
	Servers []StorageServerID
}

// Equal reports whether two teams hold the same servers in the same order.
func (t Team) Equal(other Team) bool {
	if len(t.Servers) != len(other.Servers) {
		return false
	}
	for i, id := range t.Servers {
		if other.Servers[i] != id {
			return false
		}
	}
	return true
}

// Shard is one entry of the shard map: a key range assigned to a primary
// team and, for cross-region configurations, a remote team.
type Shard struct {
	Range    KeyRange
	Primary  Team
	Remote   *Team
	MoveID   *DataMoveID // non-nil while the shard is mid-relocation

	// EstimatedBytes and EstimatedBandwidth are the tracker's per-range
	// size/traffic estimates (spec.md:80); they drive split/merge
	// decisions and are otherwise advisory (not used for placement).
	EstimatedBytes     int64
	EstimatedBandwidth int64 // bytes/sec, read+write combined
}

// DataMoveID identifies a persisted data move.
type DataMoveID string

// NewDataMoveID generates a fresh random id.
func NewDataMoveID() DataMoveID {
	return DataMoveID(uuid.NewString())
}

// MovePhase tracks a data move's lifecycle.
type MovePhase string

const (
	MovePhaseQueued    MovePhase = "queued"
	MovePhaseRunning   MovePhase = "running"
	MovePhaseValid     MovePhase = "valid" // data has been copied; safe to cut over
	MovePhaseCancelled MovePhase = "cancelled"
	MovePhaseComplete  MovePhase = "complete"
)

// MovePriority orders pending relocations in the relocation queue. Lower
// numeric value is serviced first.
type MovePriority int

const (
	PriorityRecoverMove     MovePriority = 0  // restoring replication factor after a server loss
	PriorityTeamUnhealthy   MovePriority = 5  // team holds an administratively excluded server
	PriorityRebalanceFewer  MovePriority = 10
	PrioritySplitShard      MovePriority = 20
	PriorityMergeShard      MovePriority = 30
	PriorityRebalanceMore   MovePriority = 40
	PriorityWiggle          MovePriority = 50 // voluntary storage-server replacement
)

// DataMove is a durable record of a relocation of one or more ranges from
// one team to another. Persisted so an in-flight move survives a Data
// Distributor restart.
type DataMove struct {
	ID           DataMoveID
	Ranges       []KeyRange
	Source       Team
	Destination  Team
	Priority     MovePriority
	Phase        MovePhase
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Reason       string // human-readable trigger ("split", "recover-move", "wiggle", ...)
}

// AuditType names a kind of background consistency check.
type AuditType string

const (
	AuditReplicaConsistency AuditType = "replica_consistency"
	AuditHAConsistency      AuditType = "ha_consistency"
	AuditLocationMetadata   AuditType = "location_metadata"
	AuditPerServerShardMap  AuditType = "per_server_shard_map"
)

// AuditID identifies one run of an audit.
type AuditID string

// NewAuditID generates a fresh random id.
func NewAuditID() AuditID {
	return AuditID(uuid.NewString())
}

// AuditPhase tracks an audit run's lifecycle.
type AuditPhase string

const (
	AuditRunning  AuditPhase = "running"
	AuditComplete AuditPhase = "complete"
	AuditFailed   AuditPhase = "failed" // exhausted retries, cancelled, or dispatch failed; terminal
	AuditError    AuditPhase = "error"  // a task reported a replica mismatch; terminal, progress kept
)

// Audit is a background consistency sweep, identified by (Type, ID), that
// fans out into per-range or per-server tasks tracked by progress records.
type Audit struct {
	ID          AuditID
	Type        AuditType
	Phase       AuditPhase
	RetryCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Error       string
}

// RangeProgress records how far a range-scoped audit task has progressed.
type RangeProgress struct {
	AuditID AuditID
	Range   KeyRange
	Done    bool
	Error   string
}

// ServerProgress records how far a server-scoped audit task has progressed.
type ServerProgress struct {
	AuditID  AuditID
	ServerID StorageServerID
	Done     bool
	Error    string
}

// TenantID identifies a tenant.
type TenantID string

// NewTenantID generates a fresh random id.
func NewTenantID() TenantID {
	return TenantID(uuid.NewString())
}

// LockState is a tenant's current access restriction.
type LockState string

const (
	LockUnlocked LockState = "unlocked"
	LockReadOnly LockState = "read-only"
	LockLocked   LockState = "locked"
)

// Tenant is a logical, byte-prefixed subspace of the key space with its
// own identity, optional group membership, and access state.
type Tenant struct {
	ID          TenantID
	Name        string
	Prefix      []byte
	GroupName   string // empty when ungrouped
	Lock        LockState
	LockOwner   string // opaque client-supplied token; required to unlock
	Tombstoned  bool   // marked deleted but not yet fully cleaned up
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TenantGroup is a named collection of tenants, tracked by tenant id.
// Group membership does not influence which teams hold a tenant's data.
type TenantGroup struct {
	Name    string
	Tenants []TenantID
}

// TenantTombstone records a deleted tenant's id and prefix so a
// subsequently re-created tenant of the same name cannot reuse a prefix
// still holding orphaned data, until cleanup confirms the prefix is empty.
type TenantTombstone struct {
	TenantID  TenantID
	Name      string
	Prefix    []byte
	DeletedAt time.Time
}

// DDMode is the Data Distributor's externally visible operating mode.
type DDMode string

const (
	ModeEnabled  DDMode = "enabled"
	ModeDisabled DDMode = "disabled" // halted via the control API; no moves/audits run
)

// Config is cluster-wide configuration, loaded once at bootstrap and
// shared (read-only) by every subordinate component.
type Config struct {
	ClusterID          string
	ReplicationFactor  int
	Regions            []string
	TenantMode         TenantMode
	Knobs              Knobs
}

// TenantMode controls whether tenants are required to reach storage.
type TenantMode string

const (
	TenantModeDisabled  TenantMode = "disabled"
	TenantModeOptional  TenantMode = "optional"
	TenantModeRequired  TenantMode = "required"
)

// Knobs collects every tunable named by the specification. A single
// struct value, rather than process-wide globals, so tests can construct
// an isolated instance per case.
type Knobs struct {
	ConcurrentAuditTaskCountMax int           // CONCURRENT_AUDIT_TASK_COUNT_MAX
	AuditRetryCountMax          int           // AUDIT_RETRY_COUNT_MAX
	PersistFinishAuditCount     int           // PERSIST_FINISH_AUDIT_COUNT: how many complete or failed audits to retain
	StorageWiggleMinServerAge   time.Duration // DD_STORAGE_WIGGLE_MIN_SS_AGE_SEC
	TenantTombstoneCleanupEvery time.Duration // TENANT_TOMBSTONE_CLEANUP_INTERVAL
	MaxStorageFaultTolerance    int           // MAX_STORAGE_SNAPSHOT_FAULT_TOLERANCE
	MaxCoordinatorFaultTolerance int          // MAX_COORDINATOR_SNAPSHOT_FAULT_TOLERANCE
	EncodeShardLocationMetadata bool          // SHARD_ENCODE_LOCATION_METADATA
	EnablePhysicalShards        bool          // ENABLE_DD_PHYSICAL_SHARD
	MaxTenantsPerCluster         int          // max_tenants_per_cluster
	MoveKeysParallelism          int          // DD_MOVE_KEYS_PARALLELISM
	TrackerInterval              time.Duration
	RelocationWorkerCount        int
	SnapMinimumTimeGap           time.Duration // SNAP_MINIMUM_TIME_GAP: dedup window for repeated snapshot uids
	SnapCreateMaxTimeout         time.Duration // SNAP_CREATE_MAX_TIMEOUT
	ShardSplitBytes              int64         // DD_SHARD_SPLIT_BYTES: split a shard past this size
	ShardMergeBytes              int64         // DD_SHARD_MERGE_BYTES: merge two adjacent shards under this combined size
	ShardSplitBandwidth          int64         // DD_SHARD_SPLIT_BANDWIDTH_BYTES_PER_SEC: split a hot shard past this rate
}

// DefaultKnobs returns the specification's default tunable values.
func DefaultKnobs() Knobs {
	return Knobs{
		ConcurrentAuditTaskCountMax: 64,
		AuditRetryCountMax:          3,
		PersistFinishAuditCount:     5,
		StorageWiggleMinServerAge:   7 * 24 * time.Hour,
		TenantTombstoneCleanupEvery: 24 * time.Hour,
		MaxStorageFaultTolerance:    0,
		MaxCoordinatorFaultTolerance: 0,
		EncodeShardLocationMetadata: true,
		EnablePhysicalShards:        false,
		MaxTenantsPerCluster:         1 << 20,
		MoveKeysParallelism:          4,
		TrackerInterval:              5 * time.Second,
		RelocationWorkerCount:        4,
		SnapMinimumTimeGap:           10 * time.Second,
		SnapCreateMaxTimeout:         60 * time.Second,
		ShardSplitBytes:              500 << 20, // 500MiB
		ShardMergeBytes:              50 << 20,  // 50MiB
		ShardSplitBandwidth:          10 << 20,  // 10MiB/s
	}
}

// MoveKeysLock is the persisted single-owner lock record naming the live
// Data Distributor writer. It holds one owner id and carries no separate
// writer token.
type MoveKeysLock struct {
	Owner    string // opaque id of the DD instance currently holding the lock
	Acquired time.Time
}
