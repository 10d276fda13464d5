package manager

import (
	"time"

	"github.com/cuemby/distributor/pkg/metrics"
)

// MetricsCollector periodically samples the system keyspace and Raft state
// into the process-wide Prometheus gauges.
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectShardMetrics()
	c.collectStorageServerMetrics()
	c.collectDataMoveMetrics()
	c.collectTenantMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectShardMetrics() {
	shards, err := c.manager.ListShards()
	if err != nil {
		return
	}
	metrics.ShardsTotal.Set(float64(len(shards)))
}

func (c *MetricsCollector) collectStorageServerMetrics() {
	servers, err := c.manager.ListStorageServers()
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, server := range servers {
		excluded := "false"
		if server.Excluded {
			excluded = "true"
		}
		if counts[server.DataCenter] == nil {
			counts[server.DataCenter] = make(map[string]int)
		}
		counts[server.DataCenter][excluded]++
	}

	for dc, byExcluded := range counts {
		for excluded, count := range byExcluded {
			metrics.StorageServersTotal.WithLabelValues(dc, excluded).Set(float64(count))
		}
	}
}

func (c *MetricsCollector) collectDataMoveMetrics() {
	moves, err := c.manager.ListDataMoves()
	if err != nil {
		return
	}

	inFlight := 0
	for _, move := range moves {
		if move.Phase != "complete" && move.Phase != "cancelled" {
			inFlight++
		}
	}
	metrics.DataMovesInFlight.Set(float64(inFlight))
}

func (c *MetricsCollector) collectTenantMetrics() {
	tenants, err := c.manager.ListTenants()
	if err != nil {
		return
	}
	metrics.TenantCount.Set(float64(len(tenants)))
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	stats := c.manager.GetRaftStats()
	if stats != nil {
		if peers, ok := stats["peers"].(uint64); ok {
			metrics.RaftPeers.Set(float64(peers))
		}
	}
}
