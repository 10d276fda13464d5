// Package team builds replication teams and picks destinations for the
// relocation queue. A team must satisfy the cluster's replication factor
// and be diverse across fault domains (data center, zone, machine); the
// Collection also runs exclusion-aware destination selection and a
// Wiggler that orders storage servers for voluntary replacement.
package team

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/distributor/pkg/log"
	"github.com/cuemby/distributor/pkg/manager"
	"github.com/cuemby/distributor/pkg/types"
	"github.com/rs/zerolog"
)

// Collection tracks known storage servers for one region and forms teams
// from them, respecting fault-domain diversity and exclusion.
type Collection struct {
	manager *manager.Manager
	logger  zerolog.Logger

	mu      sync.RWMutex
	servers map[types.StorageServerID]*types.StorageServer
}

// New creates an empty team Collection.
func New(mgr *manager.Manager) *Collection {
	return &Collection{
		manager: mgr,
		logger:  log.WithComponent("team"),
		servers: make(map[types.StorageServerID]*types.StorageServer),
	}
}

// Refresh reloads the server set from the persisted store. The
// distributor calls it once at the start of each generation;
// PickDestination uses the set loaded by the most recent call.
func (c *Collection) Refresh() error {
	servers, err := c.manager.ListStorageServers()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = make(map[types.StorageServerID]*types.StorageServer, len(servers))
	for _, s := range servers {
		c.servers[s.ID] = s
	}
	return nil
}

// PickDestination selects a replacement team of the same size as source,
// diverse across data center/zone/machine, excluding any server in
// exclude or administratively excluded, and disjoint from source's
// current members. Implements the Destination signature pkg/relocation
// expects.
func (c *Collection) PickDestination(source types.Team, exclude map[types.StorageServerID]bool) (types.Team, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	size := len(source.Servers)
	if size == 0 {
		return types.Team{}, fmt.Errorf("team: source team has no servers")
	}

	avoid := make(map[types.StorageServerID]bool, len(exclude)+size)
	for id := range exclude {
		avoid[id] = true
	}
	for _, id := range source.Servers {
		avoid[id] = true
	}

	usedDC := make(map[string]bool)
	usedZone := make(map[string]bool)
	usedMachine := make(map[string]bool)

	var picked []types.StorageServerID
	for _, s := range c.sortedCandidates() {
		if avoid[s.ID] || s.Excluded {
			continue
		}
		if usedDC[s.DataCenter] || usedZone[s.Zone] || usedMachine[s.Machine] {
			continue
		}
		picked = append(picked, s.ID)
		usedDC[s.DataCenter] = true
		usedZone[s.Zone] = true
		usedMachine[s.Machine] = true
		if len(picked) == size {
			break
		}
	}

	if len(picked) < size {
		return types.Team{}, fmt.Errorf("team: only found %d of %d fault-domain-diverse candidates", len(picked), size)
	}

	return types.Team{Servers: picked}, nil
}

// sortedCandidates returns servers in a deterministic order (by ID) so
// PickDestination's greedy diversity pass is reproducible across calls
// with the same server set. No load balancing is applied: the same server
// set always yields the same pick. Tests rely on this determinism.
func (c *Collection) sortedCandidates() []*types.StorageServer {
	out := make([]*types.StorageServer, 0, len(c.servers))
	for _, s := range c.servers {
		out = append(out, s)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// HealthyTeam reports whether every server in team is known, not
// administratively excluded, and present in the Collection's current
// view (i.e. was among the storage servers loaded by the last Refresh).
func (c *Collection) HealthyTeam(t types.Team) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range t.Servers {
		s, ok := c.servers[id]
		if !ok || s.Excluded {
			return false
		}
	}
	return true
}

// wigglerItem is one entry in the Wiggler's priority queue.
type wigglerItem struct {
	server *types.StorageServer
	index  int
}

// wigglerHeap orders items by (misconfigured desc, creationTime asc):
// misconfigured servers are wiggled first; among equally-(mis)configured
// servers, the oldest goes first.
type wigglerHeap []*wigglerItem

func (h wigglerHeap) Len() int { return len(h) }

func (h wigglerHeap) Less(i, j int) bool {
	a, b := h[i].server, h[j].server
	if a.Misconfigured != b.Misconfigured {
		return a.Misconfigured
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (h wigglerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *wigglerHeap) Push(x interface{}) {
	item := x.(*wigglerItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *wigglerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Wiggler orders storage servers for voluntary replacement: misconfigured
// servers first, then oldest-first, so the fleet converges on the
// cluster's configured storage engine/policy without a thundering herd of
// simultaneous moves.
type Wiggler struct {
	knobs types.Knobs

	mu   sync.Mutex
	heap wigglerHeap
	seen map[types.StorageServerID]*wigglerItem
}

// NewWiggler creates an empty Wiggler using knobs.StorageWiggleMinServerAge
// to skip servers too young to churn.
func NewWiggler(knobs types.Knobs) *Wiggler {
	return &Wiggler{
		knobs: knobs,
		seen:  make(map[types.StorageServerID]*wigglerItem),
	}
}

// Reset replaces the Wiggler's candidate set with servers, skipping only
// administratively excluded servers. Age eligibility is evaluated per call
// by GetNextServerID, since whether a young server is skipped depends on
// necessaryOnly, which can differ across calls against the same set.
func (w *Wiggler) Reset(servers []*types.StorageServer) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.heap = nil
	w.seen = make(map[types.StorageServerID]*wigglerItem)

	for _, s := range servers {
		if s.Excluded {
			continue
		}
		item := &wigglerItem{server: s}
		w.seen[s.ID] = item
		w.heap = append(w.heap, item)
	}
	heap.Init(&w.heap)
}

// GetNextServerID pops the highest-priority eligible candidate. A
// misconfigured server is always eligible, regardless of age: its
// engine/policy diverges from the cluster and it must be replaced. A
// server that is not misconfigured is only eligible when it has reached
// StorageWiggleMinServerAge, and necessaryOnly is false; with
// necessaryOnly true, voluntary (non-misconfigured) wiggles are paused
// entirely. Ineligible candidates are left in the heap for a later call.
// Returns false once no eligible candidate remains.
func (w *Wiggler) GetNextServerID(necessaryOnly bool) (types.StorageServerID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	minAge := w.knobs.StorageWiggleMinServerAge
	cutoff := time.Now().Add(-minAge)

	var held []*wigglerItem
	defer func() {
		for _, item := range held {
			heap.Push(&w.heap, item)
		}
	}()

	for len(w.heap) > 0 {
		item := heap.Pop(&w.heap).(*wigglerItem)
		s := item.server

		if !s.Misconfigured {
			if necessaryOnly {
				held = append(held, item)
				continue
			}
			if minAge > 0 && s.CreatedAt.After(cutoff) {
				held = append(held, item)
				continue
			}
		}

		delete(w.seen, s.ID)
		return s.ID, true
	}
	return "", false
}

// Len reports how many candidates remain.
func (w *Wiggler) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.heap)
}
