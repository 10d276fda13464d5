// Package config loads the Data Distributor's cluster-wide configuration
// from a YAML manifest on disk: cluster id, replication factor, regions,
// tenant mode, and knob overrides merged onto types.DefaultKnobs().
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/distributor/pkg/types"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a cluster configuration manifest.
type File struct {
	ClusterID         string   `yaml:"clusterId"`
	ReplicationFactor int      `yaml:"replicationFactor"`
	Regions           []string `yaml:"regions"`
	TenantMode        string   `yaml:"tenantMode"`
	Knobs             Knobs    `yaml:"knobs"`
}

// Knobs mirrors types.Knobs with YAML tags and string durations; zero
// values fall back to types.DefaultKnobs() field by field.
type Knobs struct {
	ConcurrentAuditTaskCountMax int    `yaml:"concurrentAuditTaskCountMax"`
	AuditRetryCountMax          int    `yaml:"auditRetryCountMax"`
	PersistFinishAuditCount     int    `yaml:"persistFinishAuditCount"`
	StorageWiggleMinServerAge   string `yaml:"storageWiggleMinServerAge"`
	TenantTombstoneCleanupEvery string `yaml:"tenantTombstoneCleanupEvery"`
	MaxTenantsPerCluster        int    `yaml:"maxTenantsPerCluster"`
	MoveKeysParallelism         int    `yaml:"moveKeysParallelism"`
	TrackerInterval             string `yaml:"trackerInterval"`
	RelocationWorkerCount       int    `yaml:"relocationWorkerCount"`
	SnapMinimumTimeGap          string `yaml:"snapMinimumTimeGap"`
	SnapCreateMaxTimeout        string `yaml:"snapCreateMaxTimeout"`
	ShardSplitBytes             int64  `yaml:"shardSplitBytes"`
	ShardMergeBytes             int64  `yaml:"shardMergeBytes"`
	ShardSplitBandwidth         int64  `yaml:"shardSplitBandwidth"`
}

// Load reads and parses path into a types.Config, applying
// types.DefaultKnobs() for any field left zero in the manifest.
func Load(path string) (*types.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if f.ClusterID == "" {
		return nil, fmt.Errorf("config: clusterId is required")
	}
	if f.ReplicationFactor <= 0 {
		f.ReplicationFactor = 3
	}

	knobs := types.DefaultKnobs()
	mergeKnobs(&knobs, f.Knobs)

	return &types.Config{
		ClusterID:         f.ClusterID,
		ReplicationFactor: f.ReplicationFactor,
		Regions:           f.Regions,
		TenantMode:        types.TenantMode(orDefault(f.TenantMode, string(types.TenantModeOptional))),
		Knobs:             knobs,
	}, nil
}

func mergeKnobs(dst *types.Knobs, src Knobs) {
	if src.ConcurrentAuditTaskCountMax > 0 {
		dst.ConcurrentAuditTaskCountMax = src.ConcurrentAuditTaskCountMax
	}
	if src.AuditRetryCountMax > 0 {
		dst.AuditRetryCountMax = src.AuditRetryCountMax
	}
	if src.PersistFinishAuditCount > 0 {
		dst.PersistFinishAuditCount = src.PersistFinishAuditCount
	}
	if d, err := time.ParseDuration(src.StorageWiggleMinServerAge); err == nil {
		dst.StorageWiggleMinServerAge = d
	}
	if d, err := time.ParseDuration(src.TenantTombstoneCleanupEvery); err == nil {
		dst.TenantTombstoneCleanupEvery = d
	}
	if src.MaxTenantsPerCluster > 0 {
		dst.MaxTenantsPerCluster = src.MaxTenantsPerCluster
	}
	if src.MoveKeysParallelism > 0 {
		dst.MoveKeysParallelism = src.MoveKeysParallelism
	}
	if d, err := time.ParseDuration(src.TrackerInterval); err == nil {
		dst.TrackerInterval = d
	}
	if src.RelocationWorkerCount > 0 {
		dst.RelocationWorkerCount = src.RelocationWorkerCount
	}
	if d, err := time.ParseDuration(src.SnapMinimumTimeGap); err == nil {
		dst.SnapMinimumTimeGap = d
	}
	if d, err := time.ParseDuration(src.SnapCreateMaxTimeout); err == nil {
		dst.SnapCreateMaxTimeout = d
	}
	if src.ShardSplitBytes > 0 {
		dst.ShardSplitBytes = src.ShardSplitBytes
	}
	if src.ShardMergeBytes > 0 {
		dst.ShardMergeBytes = src.ShardMergeBytes
	}
	if src.ShardSplitBandwidth > 0 {
		dst.ShardSplitBandwidth = src.ShardSplitBandwidth
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
