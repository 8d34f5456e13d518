package service

import (
	"context"
	"time"

	"github.com/anthanhphan/gosdk/logger"

	"github.com/distorage-io/distorage/internal/node/domain"
	"github.com/distorage-io/distorage/internal/node/port"
)

// RepairService restores the cluster's replication guarantees in the
// background. Each pass re-places under-replicated blobs this node holds
// and runs an anti-entropy sweep that reconciles record sets with every
// reachable peer.
type RepairService struct {
	store      port.Store
	index      *recordIndex
	catalog    *CatalogService
	replicator port.Replicator
	peers      port.PeerClient
	view       MembershipView

	interval time.Duration
	trigger  chan struct{}
}

// NewRepairService wires the repair loop. interval below 1s falls back to
// 30s.
func NewRepairService(store port.Store, index *recordIndex, catalog *CatalogService, replicator port.Replicator, peers port.PeerClient, view MembershipView, interval time.Duration) *RepairService {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	return &RepairService{
		store:      store,
		index:      index,
		catalog:    catalog,
		replicator: replicator,
		peers:      peers,
		view:       view,
		interval:   interval,
		trigger:    make(chan struct{}, 1),
	}
}

// Trigger requests an immediate repair pass, coalescing with any pass that
// is already pending. Called when membership reports a departed peer.
func (r *RepairService) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run drives repair until ctx is canceled.
func (r *RepairService) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		if !r.view.IsJoined() {
			continue
		}
		r.runOnce(ctx)
	}
}

func (r *RepairService) runOnce(ctx context.Context) {
	r.repairPlacement(ctx)
	r.antiEntropy(ctx)
}

// repairPlacement re-places blobs whose live holder count dropped below
// the replication factor. Only a node that holds the blob itself can
// repair it; the replica-set union on equal versions keeps concurrent
// repairs from different holders convergent.
func (r *RepairService) repairPlacement(ctx context.Context) {
	self := r.view.Self().ID
	alive := map[string]bool{self: true}
	for _, p := range r.view.Members() {
		alive[p.ID] = true
	}

	keys, err := r.store.ListPrefix(ctx, domain.FilePrefix)
	if err != nil {
		logger.Warnw("Placement repair scan failed", "error", err.Error())
		return
	}

	for _, key := range keys {
		record, err := r.catalog.loadRecord(ctx, key)
		if err != nil || record.Deleted {
			continue
		}

		liveHolders := 0
		holdsSelf := false
		for _, id := range record.Replicas {
			if alive[id] {
				liveHolders++
			}
			if id == self {
				holdsSelf = true
			}
		}
		if !holdsSelf || liveHolders >= r.catalog.replicationFactor {
			continue
		}
		content, err := r.store.Get(ctx, domain.BlobKey(record.ContentHash))
		if err != nil {
			continue
		}

		repaired := *record
		repaired.Replicas = unionReplicas(record.Replicas, r.catalog.placeBlob(key))
		if err := r.catalog.putRecord(ctx, repaired); err != nil {
			logger.Warnw("Placement repair write failed", "key", key, "error", err.Error())
			continue
		}
		logger.Infow("Re-placing under-replicated blob",
			"key", key, "hash", record.ContentHash,
			"live_holders", liveHolders, "replicas", repaired.Replicas)

		r.catalog.pushBlob(repaired, content)
		r.catalog.replicateRecord(repaired)
	}
}

// antiEntropy reconciles the record index with each reachable peer: root
// compare, then leaf compare, then bucket listing, then pulling records
// whose fingerprints differ. The kind-aware merge rules make pulling a
// stale record harmless.
func (r *RepairService) antiEntropy(ctx context.Context) {
	local := r.index.Digest(true)

	for _, p := range r.view.Members() {
		remote, err := r.peers.Digest(ctx, p.Addr, false)
		if err != nil {
			continue
		}
		if remote.Root == local.Root {
			continue
		}

		remote, err = r.peers.Digest(ctx, p.Addr, true)
		if err != nil || len(remote.Leaves) != len(local.Leaves) {
			continue
		}

		for bucket := range local.Leaves {
			if local.Leaves[bucket] == remote.Leaves[bucket] {
				continue
			}
			r.reconcileBucket(ctx, p.Addr, bucket)
		}

		// The sweep may have changed local records; later peers compare
		// against the fresh digest.
		local = r.index.Digest(true)
	}
}

func (r *RepairService) reconcileBucket(ctx context.Context, addr string, bucket int) {
	entries, err := r.peers.ListBucket(ctx, addr, bucket)
	if err != nil {
		logger.Debugw("Bucket listing failed", "peer", addr, "bucket", bucket, "error", err.Error())
		return
	}

	for _, entry := range entries {
		if r.index.Version(entry.Key) == entry.Version {
			continue
		}
		env, err := r.peers.PullRecord(ctx, addr, entry.Kind, entry.Key)
		if err != nil {
			logger.Debugw("Record pull failed", "peer", addr, "key", entry.Key, "error", err.Error())
			continue
		}
		if err := r.replicator.Apply(ctx, *env); err != nil {
			logger.Warnw("Pulled record rejected", "key", entry.Key, "error", err.Error())
		}
	}
}
