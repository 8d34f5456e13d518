package service

import (
	"context"
	"time"

	"github.com/distorage-io/distorage/internal/node/port"
	"github.com/distorage-io/distorage/pkg/resilience"
)

// Services bundles one node's wired service graph over a shared store,
// record index, and replication pool.
type Services struct {
	Directory  *DirectoryService
	Catalog    *CatalogService
	Replicator *ReplicatorService
	Repair     *RepairService

	index *recordIndex
}

// NewServices wires the full service graph.
func NewServices(store port.Store, peers port.PeerClient, view MembershipView, pool *resilience.Pool, replicationFactor int, repairInterval time.Duration) *Services {
	index := newRecordIndex()

	directory := NewDirectoryService(store, index, peers, view, pool)
	catalog := NewCatalogService(store, index, peers, view, pool, replicationFactor)
	replicator := NewReplicatorService(store, index, directory, catalog)
	repair := NewRepairService(store, index, catalog, replicator, peers, view, repairInterval)

	return &Services{
		Directory:  directory,
		Catalog:    catalog,
		Replicator: replicator,
		Repair:     repair,
		index:      index,
	}
}

// LoadIndex rebuilds the anti-entropy index from persisted records. Called
// once on startup before the node serves peers.
func (s *Services) LoadIndex(ctx context.Context) error {
	return s.index.LoadFrom(ctx, s.Catalog.store)
}
