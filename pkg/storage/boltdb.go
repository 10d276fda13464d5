package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/distributor/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketShards          = []byte("shards")
	bucketStorageServers  = []byte("storage_servers")
	bucketDataMoves       = []byte("data_moves")
	bucketAudits          = []byte("audits")
	bucketAuditRangeProg  = []byte("audit_progress_range")
	bucketAuditServerProg = []byte("audit_progress_server")
	bucketTenants         = []byte("tenants")
	bucketTenantNames     = []byte("tenant_names")
	bucketTenantGroups    = []byte("tenant_groups")
	bucketTombstones      = []byte("tenant_tombstones")
	bucketSingletons      = []byte("singletons")
)

const (
	singletonMoveKeysLock = "move_keys_lock"
	singletonConfig       = "config"
	singletonMode         = "mode"
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store rooted at dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "distributor.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketShards,
			bucketStorageServers,
			bucketDataMoves,
			bucketAudits,
			bucketAuditRangeProg,
			bucketAuditServerProg,
			bucketTenants,
			bucketTenantNames,
			bucketTenantGroups,
			bucketTombstones,
			bucketSingletons,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// auditKey joins an audit type and id into the composite key the audits
// bucket is keyed by, so ListAuditsByType can do a prefix scan.
func auditKey(auditType types.AuditType, id types.AuditID) []byte {
	return []byte(string(auditType) + "/" + string(id))
}

func progressKey(auditID types.AuditID, suffix string) []byte {
	return []byte(string(auditID) + "/" + suffix)
}

// --- Shard map ---

func (s *BoltStore) PutShard(shard *types.Shard) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShards)
		data, err := json.Marshal(shard)
		if err != nil {
			return err
		}
		return b.Put(shard.Range.Begin, data)
	})
}

func (s *BoltStore) GetShard(begin []byte) (*types.Shard, error) {
	var shard types.Shard
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShards)
		data := b.Get(begin)
		if data == nil {
			return fmt.Errorf("shard not found: begin=%x", begin)
		}
		return json.Unmarshal(data, &shard)
	})
	return &shard, err
}

// ListShards returns every shard ordered by range begin key, which is the
// shard map's natural iteration order.
func (s *BoltStore) ListShards() ([]*types.Shard, error) {
	var shards []*types.Shard
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShards)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var shard types.Shard
			if err := json.Unmarshal(v, &shard); err != nil {
				return err
			}
			shards = append(shards, &shard)
		}
		return nil
	})
	return shards, err
}

func (s *BoltStore) DeleteShard(begin []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShards).Delete(begin)
	})
}

// --- Storage servers ---

func (s *BoltStore) PutStorageServer(server *types.StorageServer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorageServers)
		data, err := json.Marshal(server)
		if err != nil {
			return err
		}
		return b.Put([]byte(server.ID), data)
	})
}

func (s *BoltStore) GetStorageServer(id types.StorageServerID) (*types.StorageServer, error) {
	var server types.StorageServer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorageServers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("storage server not found: %s", id)
		}
		return json.Unmarshal(data, &server)
	})
	return &server, err
}

func (s *BoltStore) ListStorageServers() ([]*types.StorageServer, error) {
	var servers []*types.StorageServer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorageServers)
		return b.ForEach(func(k, v []byte) error {
			var server types.StorageServer
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			servers = append(servers, &server)
			return nil
		})
	})
	return servers, err
}

func (s *BoltStore) DeleteStorageServer(id types.StorageServerID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorageServers).Delete([]byte(id))
	})
}

// --- Data moves ---

func (s *BoltStore) PutDataMove(move *types.DataMove) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDataMoves)
		data, err := json.Marshal(move)
		if err != nil {
			return err
		}
		return b.Put([]byte(move.ID), data)
	})
}

func (s *BoltStore) GetDataMove(id types.DataMoveID) (*types.DataMove, error) {
	var move types.DataMove
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDataMoves)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("data move not found: %s", id)
		}
		return json.Unmarshal(data, &move)
	})
	return &move, err
}

func (s *BoltStore) ListDataMoves() ([]*types.DataMove, error) {
	var moves []*types.DataMove
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDataMoves)
		return b.ForEach(func(k, v []byte) error {
			var move types.DataMove
			if err := json.Unmarshal(v, &move); err != nil {
				return err
			}
			moves = append(moves, &move)
			return nil
		})
	})
	return moves, err
}

func (s *BoltStore) DeleteDataMove(id types.DataMoveID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDataMoves).Delete([]byte(id))
	})
}

// --- Audits ---

func (s *BoltStore) PutAudit(audit *types.Audit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudits)
		data, err := json.Marshal(audit)
		if err != nil {
			return err
		}
		return b.Put(auditKey(audit.Type, audit.ID), data)
	})
}

func (s *BoltStore) GetAudit(auditType types.AuditType, id types.AuditID) (*types.Audit, error) {
	var audit types.Audit
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudits)
		data := b.Get(auditKey(auditType, id))
		if data == nil {
			return fmt.Errorf("audit not found: %s/%s", auditType, id)
		}
		return json.Unmarshal(data, &audit)
	})
	return &audit, err
}

func (s *BoltStore) ListAudits() ([]*types.Audit, error) {
	var audits []*types.Audit
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudits)
		return b.ForEach(func(k, v []byte) error {
			var audit types.Audit
			if err := json.Unmarshal(v, &audit); err != nil {
				return err
			}
			audits = append(audits, &audit)
			return nil
		})
	})
	return audits, err
}

// ListAuditsByType does a prefix scan over the composite (type, id) key,
// since BoltDB keeps bucket keys sorted lexicographically.
func (s *BoltStore) ListAuditsByType(auditType types.AuditType) ([]*types.Audit, error) {
	var audits []*types.Audit
	prefix := []byte(string(auditType) + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudits).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var audit types.Audit
			if err := json.Unmarshal(v, &audit); err != nil {
				return err
			}
			audits = append(audits, &audit)
		}
		return nil
	})
	return audits, err
}

func (s *BoltStore) DeleteAudit(auditType types.AuditType, id types.AuditID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudits).Delete(auditKey(auditType, id))
	})
}

// --- Audit progress ---

func (s *BoltStore) PutRangeProgress(p *types.RangeProgress) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditRangeProg)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(progressKey(p.AuditID, string(p.Range.Begin)), data)
	})
}

func (s *BoltStore) ListRangeProgress(auditID types.AuditID) ([]*types.RangeProgress, error) {
	var progress []*types.RangeProgress
	prefix := []byte(string(auditID) + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAuditRangeProg).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p types.RangeProgress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			progress = append(progress, &p)
		}
		return nil
	})
	return progress, err
}

func (s *BoltStore) DeleteRangeProgress(auditID types.AuditID) error {
	return s.deleteByPrefix(bucketAuditRangeProg, []byte(string(auditID)+"/"))
}

func (s *BoltStore) PutServerProgress(p *types.ServerProgress) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditServerProg)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(progressKey(p.AuditID, string(p.ServerID)), data)
	})
}

func (s *BoltStore) ListServerProgress(auditID types.AuditID) ([]*types.ServerProgress, error) {
	var progress []*types.ServerProgress
	prefix := []byte(string(auditID) + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAuditServerProg).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var p types.ServerProgress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			progress = append(progress, &p)
		}
		return nil
	})
	return progress, err
}

func (s *BoltStore) DeleteServerProgress(auditID types.AuditID) error {
	return s.deleteByPrefix(bucketAuditServerProg, []byte(string(auditID)+"/"))
}

func (s *BoltStore) deleteByPrefix(bucket, prefix []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
		}
		b := tx.Bucket(bucket)
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Tenants ---

func (s *BoltStore) PutTenant(tenant *types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketTenantNames)

		if existing := tx.Bucket(bucketTenants).Get([]byte(tenant.ID)); existing != nil {
			var prior types.Tenant
			if err := json.Unmarshal(existing, &prior); err == nil && prior.Name != tenant.Name {
				names.Delete([]byte(prior.Name))
			}
		}

		data, err := json.Marshal(tenant)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTenants).Put([]byte(tenant.ID), data); err != nil {
			return err
		}
		return names.Put([]byte(tenant.Name), []byte(tenant.ID))
	})
}

func (s *BoltStore) GetTenant(id types.TenantID) (*types.Tenant, error) {
	var tenant types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get([]byte(id))
		if data == nil {
			return types.ErrTenantNotFound
		}
		return json.Unmarshal(data, &tenant)
	})
	return &tenant, err
}

func (s *BoltStore) GetTenantByName(name string) (*types.Tenant, error) {
	var id []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTenantNames).Get([]byte(name))
		if v == nil {
			return types.ErrTenantNotFound
		}
		id = make([]byte, len(v))
		copy(id, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTenant(types.TenantID(id))
}

func (s *BoltStore) ListTenants() ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var tenant types.Tenant
			if err := json.Unmarshal(v, &tenant); err != nil {
				return err
			}
			tenants = append(tenants, &tenant)
			return nil
		})
	})
	return tenants, err
}

func (s *BoltStore) DeleteTenant(id types.TenantID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		data := b.Get([]byte(id))
		if data != nil {
			var tenant types.Tenant
			if err := json.Unmarshal(data, &tenant); err == nil {
				tx.Bucket(bucketTenantNames).Delete([]byte(tenant.Name))
			}
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) PutTenantGroup(group *types.TenantGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(group)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTenantGroups).Put([]byte(group.Name), data)
	})
}

func (s *BoltStore) GetTenantGroup(name string) (*types.TenantGroup, error) {
	var group types.TenantGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenantGroups).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("tenant group not found: %s", name)
		}
		return json.Unmarshal(data, &group)
	})
	return &group, err
}

func (s *BoltStore) ListTenantGroups() ([]*types.TenantGroup, error) {
	var groups []*types.TenantGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenantGroups).ForEach(func(k, v []byte) error {
			var group types.TenantGroup
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			groups = append(groups, &group)
			return nil
		})
	})
	return groups, err
}

func (s *BoltStore) DeleteTenantGroup(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenantGroups).Delete([]byte(name))
	})
}

func (s *BoltStore) PutTombstone(t *types.TenantTombstone) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTombstones).Put([]byte(t.Name), data)
	})
}

func (s *BoltStore) GetTombstoneByName(name string) (*types.TenantTombstone, error) {
	var t types.TenantTombstone
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTombstones).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("tombstone not found: %s", name)
		}
		return json.Unmarshal(data, &t)
	})
	return &t, err
}

func (s *BoltStore) ListTombstones() ([]*types.TenantTombstone, error) {
	var tombstones []*types.TenantTombstone
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTombstones).ForEach(func(k, v []byte) error {
			var t types.TenantTombstone
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			tombstones = append(tombstones, &t)
			return nil
		})
	})
	return tombstones, err
}

func (s *BoltStore) DeleteTombstone(tenantID types.TenantID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTombstones)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t types.TenantTombstone
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.TenantID == tenantID {
				return b.Delete(k)
			}
		}
		return nil
	})
}

// --- Singletons: move-keys lock, config, mode ---

func (s *BoltStore) SaveMoveKeysLock(lock *types.MoveKeysLock) error {
	return s.putSingleton(singletonMoveKeysLock, lock)
}

func (s *BoltStore) GetMoveKeysLock() (*types.MoveKeysLock, error) {
	var lock types.MoveKeysLock
	if err := s.getSingleton(singletonMoveKeysLock, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *BoltStore) SaveConfig(cfg *types.Config) error {
	return s.putSingleton(singletonConfig, cfg)
}

func (s *BoltStore) GetConfig() (*types.Config, error) {
	var cfg types.Config
	if err := s.getSingleton(singletonConfig, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) SaveMode(mode types.DDMode) error {
	return s.putSingleton(singletonMode, mode)
}

func (s *BoltStore) GetMode() (types.DDMode, error) {
	var mode types.DDMode
	if err := s.getSingleton(singletonMode, &mode); err != nil {
		return types.ModeEnabled, err
	}
	return mode, nil
}

func (s *BoltStore) putSingleton(key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSingletons).Put([]byte(key), data)
	})
}

func (s *BoltStore) getSingleton(key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSingletons).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s not set", key)
		}
		return json.Unmarshal(data, v)
	})
}
