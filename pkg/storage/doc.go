/*
Package storage implements the Data Distributor's persisted system
keyspace on top of BoltDB (bbolt): one bucket per collection (shards,
storage servers, data moves, audits and their progress rows, tenants,
the tenant name index, tenant groups, tombstones), plus one shared
singletons bucket holding the move-keys lock, dd-mode, and cluster
config; values JSON-marshaled, keys chosen so a collection's natural
scan order (e.g. shard begin-key) falls out of BoltDB's own byte-order
iteration.

Each mutation method runs in its own db.Update transaction. Related
writes made by separate calls (e.g. a shard update and its owning data
move) are separate transactions and are not atomic together. pkg/manager is the
only caller: all writes reach here through the Raft FSM's Apply, never
directly, so the persisted state always reflects an agreed-upon log
position.
*/
package storage
