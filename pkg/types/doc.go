/*
Package types defines the core data structures shared by every Data
Distributor component: the shard map, storage servers, replication teams,
data moves, audits, and tenants, plus the cluster configuration and the
knob registry that sizes the tracker, relocation queue, and audit engine.

# Core Types

Shard map:
  - KeyRange: a contiguous half-open [Begin, End) key range
  - Shard: one entry in the shard map, owned by a primary (and optional
    remote) Team, possibly in flight to a DataMove destination
  - StorageServer: a storage process (locality, engine kind, creation
    time, config-correctness flag)
  - Team: an ordered set of StorageServer ids satisfying the configured
    replication factor and fault-domain policy

Relocation:
  - DataMove: a durable record of a shift of one or more ranges from one
    team to another, persisted so it survives a Data Distributor restart

Audit:
  - Audit: a background consistency check over a range or over every
    storage server, identified by (Type, ID)
  - RangeProgress / ServerProgress: persisted per-range or per-server
    audit progress records

Tenant:
  - Tenant: a logical, byte-prefixed subspace with its own identity,
    optional group membership, and lockable access state
  - TenantGroup: a named collection of tenants

Configuration:
  - Config: cluster-wide configuration loaded once at bootstrap
  - Knobs: every tunable named by the specification, passed into
    distributor.New as a plain struct rather than read from process-wide
    state, so tests can mutate a single instance without cross-test
    interference

All types are JSON-serializable; the storage layer persists them as JSON
values inside BoltDB buckets.
*/
package types
