// Package service holds the node's core services: the user directory, the
// file catalog, the replication surface peers push into, and the repair
// loop that restores replication factor after membership changes.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/distorage-io/distorage/internal/node/domain"
	"github.com/distorage-io/distorage/internal/node/port"
	"github.com/distorage-io/distorage/pkg/membership"
	"github.com/distorage-io/distorage/pkg/merkle"
)

func isNotFound(err error) bool {
	return errors.Is(err, port.ErrNotFound)
}

// MembershipView is the slice of cluster state the services need. Implemented
// by membership.Manager.
type MembershipView interface {
	Self() membership.Peer
	Members() []membership.Peer
	IsJoined() bool
}

const indexBuckets = 64

// indexEntry is the tracked fingerprint of one replicated record.
type indexEntry struct {
	kind    string
	version uint64
}

// recordIndex maintains the anti-entropy digest over all replicated
// records: a bucketed merkle tree plus the per-bucket key fingerprints
// needed to answer bucket listings.
type recordIndex struct {
	mu      sync.RWMutex
	tree    *merkle.DigestTree
	buckets map[int]map[string]indexEntry
}

func newRecordIndex() *recordIndex {
	tree, err := merkle.New(indexBuckets)
	if err != nil {
		panic(err) // indexBuckets is a power of 2
	}
	return &recordIndex{
		tree:    tree,
		buckets: make(map[int]map[string]indexEntry),
	}
}

// Track records (or refreshes) one key's fingerprint and refreshes the
// digest leaf covering it.
func (x *recordIndex) Track(kind, key string, version uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	b := x.tree.BucketOf(key)
	if x.buckets[b] == nil {
		x.buckets[b] = make(map[string]indexEntry)
	}
	x.buckets[b][key] = indexEntry{kind: kind, version: version}
	x.refreshLeaf(b)
}

// refreshLeaf recomputes one leaf from its bucket contents. Caller holds
// the lock.
func (x *recordIndex) refreshLeaf(bucket int) {
	versions := make(map[string]uint64, len(x.buckets[bucket]))
	for k, e := range x.buckets[bucket] {
		versions[k] = e.version
	}
	_ = x.tree.Update(bucket, merkle.SummarizeBucket(versions))
}

// Digest returns the current merkle summary.
func (x *recordIndex) Digest(withLeaves bool) domain.DigestReply {
	x.mu.RLock()
	defer x.mu.RUnlock()

	reply := domain.DigestReply{Root: x.tree.Root()}
	if withLeaves {
		reply.Leaves = x.tree.Leaves()
	}
	return reply
}

// Bucket lists the fingerprints in one bucket, sorted by key.
func (x *recordIndex) Bucket(bucket int) []domain.BucketEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	entries := make([]domain.BucketEntry, 0, len(x.buckets[bucket]))
	for k, e := range x.buckets[bucket] {
		entries = append(entries, domain.BucketEntry{Kind: e.kind, Key: k, Version: e.version})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Version returns the tracked version for a key, or 0 when untracked.
func (x *recordIndex) Version(key string) uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.buckets[x.tree.BucketOf(key)][key].version
}

// LoadFrom rebuilds the index from persisted records on startup.
func (x *recordIndex) LoadFrom(ctx context.Context, store port.Store) error {
	userKeys, err := store.ListPrefix(ctx, domain.UserPrefix)
	if err != nil {
		return fmt.Errorf("failed to scan user records: %w", err)
	}
	for _, key := range userKeys {
		raw, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		var u domain.UserAccount
		if err := json.Unmarshal(raw, &u); err != nil {
			return fmt.Errorf("corrupt user record %s: %w", key, err)
		}
		x.Track(domain.KindUser, key, u.ChangeVersion())
	}

	fileKeys, err := store.ListPrefix(ctx, domain.FilePrefix)
	if err != nil {
		return fmt.Errorf("failed to scan file records: %w", err)
	}
	for _, key := range fileKeys {
		raw, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		var r domain.FileRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("corrupt file record %s: %w", key, err)
		}
		x.Track(domain.KindFile, key, r.Version)
	}
	return nil
}
