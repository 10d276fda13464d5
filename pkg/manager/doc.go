/*
Package manager wraps Raft consensus (hashicorp/raft) around the persisted
system keyspace in pkg/storage.

Only the elected Raft leader can successfully Apply a command, and
DistributorFSM.Apply is the sole path that mutates the keyspace — this is
how the specification's single-writer move-keys-lock requirement is
enforced in a replicated deployment: a standby Data Distributor instance
can run on a follower, but its writes are rejected until it becomes
leader and calls AcquireMoveKeysLock.

Manager exposes one method per storage collection (shards, storage
servers, data moves, audits and their progress records, tenants, tenant
groups, tombstones) that marshals a Command and calls Apply, plus plain
read methods that go straight to the local store without involving Raft.
*/
package manager
