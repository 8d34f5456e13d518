package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/distorage-io/distorage/internal/node/domain"
	"github.com/distorage-io/distorage/internal/node/port"
)

// ReplicatorService is the inbound replication surface: it dispatches
// pushed envelopes to the owning service and answers record pulls and
// anti-entropy queries from the shared store and index.
type ReplicatorService struct {
	store     port.Store
	index     *recordIndex
	directory *DirectoryService
	catalog   *CatalogService
}

var _ port.Replicator = (*ReplicatorService)(nil)

// NewReplicatorService wires the replication surface over the directory
// and catalog merge paths.
func NewReplicatorService(store port.Store, index *recordIndex, directory *DirectoryService, catalog *CatalogService) *ReplicatorService {
	return &ReplicatorService{
		store:     store,
		index:     index,
		directory: directory,
		catalog:   catalog,
	}
}

// Apply merges one pushed record envelope under the kind's conflict rule.
// Applying is idempotent: losers and duplicates are discarded silently.
func (r *ReplicatorService) Apply(ctx context.Context, env domain.RecordEnvelope) error {
	switch env.Kind {
	case domain.KindUser:
		var account domain.UserAccount
		if err := json.Unmarshal(env.Payload, &account); err != nil {
			return fmt.Errorf("malformed user envelope for %s: %w", env.Key, err)
		}
		return r.directory.ApplyUser(ctx, account)
	case domain.KindFile:
		var record domain.FileRecord
		if err := json.Unmarshal(env.Payload, &record); err != nil {
			return fmt.Errorf("malformed file envelope for %s: %w", env.Key, err)
		}
		return r.catalog.ApplyFile(ctx, record)
	default:
		return fmt.Errorf("unknown record kind %q", env.Kind)
	}
}

// Envelope serves one locally held record for a peer pull.
func (r *ReplicatorService) Envelope(ctx context.Context, kind, key string) (*domain.RecordEnvelope, error) {
	payload, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	env := domain.RecordEnvelope{Kind: kind, Key: key, Payload: payload}
	switch kind {
	case domain.KindUser:
		var account domain.UserAccount
		if err := json.Unmarshal(payload, &account); err != nil {
			return nil, fmt.Errorf("corrupt user record %s: %w", key, err)
		}
		env.Version = account.ChangeVersion()
	case domain.KindFile:
		var record domain.FileRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("corrupt file record %s: %w", key, err)
		}
		env.Version = record.Version
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	return &env, nil
}

// Digest returns the local record-index summary.
func (r *ReplicatorService) Digest(withLeaves bool) domain.DigestReply {
	return r.index.Digest(withLeaves)
}

// ListBucket lists the local fingerprints of one digest bucket.
func (r *ReplicatorService) ListBucket(bucket int) []domain.BucketEntry {
	return r.index.Bucket(bucket)
}
