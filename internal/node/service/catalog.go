package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anthanhphan/gosdk/logger"

	"github.com/distorage-io/distorage/internal/node/domain"
	"github.com/distorage-io/distorage/internal/node/port"
	"github.com/distorage-io/distorage/pkg/rendezvous"
	"github.com/distorage-io/distorage/pkg/resilience"
)

// CatalogService is the replicated file catalog. File metadata replicates
// to every peer; blob content is placed on a rendezvous-chosen holder set
// of replicationFactor nodes, always including the node that accepted the
// upload.
type CatalogService struct {
	store  port.Store
	index  *recordIndex
	peers  port.PeerClient
	view   MembershipView
	pool   *resilience.Pool
	picker *rendezvous.Picker

	replicationFactor int

	locks keyLocks
	clock func() time.Time
}

var _ port.Catalog = (*CatalogService)(nil)

// NewCatalogService wires the catalog. replicationFactor below 1 falls back
// to 3.
func NewCatalogService(store port.Store, index *recordIndex, peers port.PeerClient, view MembershipView, pool *resilience.Pool, replicationFactor int) *CatalogService {
	if replicationFactor < 1 {
		replicationFactor = 3
	}
	return &CatalogService{
		store:             store,
		index:             index,
		peers:             peers,
		view:              view,
		pool:              pool,
		picker:            rendezvous.New(),
		replicationFactor: replicationFactor,
		clock:             time.Now,
	}
}

// keyLocks serializes writers of the same record key so version numbers
// never collide on one node.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyLocks) acquire(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Upload stores a new version of owner's file at path. The local write is
// the durability point; blob placement and metadata replication run in the
// background and anti-entropy covers any push that fails.
func (c *CatalogService) Upload(ctx context.Context, owner, path string, content []byte) error {
	if err := domain.ValidatePath(path); err != nil {
		return fmt.Errorf("invalid path %q: %w", path, err)
	}

	key := domain.FileKey(owner, path)
	unlock := c.locks.acquire(key)
	defer unlock()

	current, err := c.loadRecord(ctx, key)
	if err != nil && !isNotFound(err) {
		return err
	}

	sum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(sum[:])
	if err := c.store.Put(ctx, domain.BlobKey(contentHash), content); err != nil {
		return err
	}

	record := domain.FileRecord{
		Owner:       owner,
		Path:        path,
		ContentHash: contentHash,
		Size:        int64(len(content)),
		Version:     1,
		Origin:      c.view.Self().ID,
		Replicas:    c.placeBlob(key),
		UpdatedAt:   c.clock().UTC(),
	}
	var previousHash string
	if current != nil {
		record.Version = current.Version + 1
		previousHash = current.ContentHash
	}

	if err := c.putRecord(ctx, record); err != nil {
		return err
	}
	logger.Infow("Stored file",
		"owner", owner, "path", path, "version", record.Version,
		"size", record.Size, "replicas", record.Replicas)

	c.pushBlob(record, content)
	c.replicateRecord(record)
	c.collectBlob(ctx, previousHash)
	return nil
}

// Download returns the current content of owner's file at path, pulling
// the blob from a replica when it is not held locally.
func (c *CatalogService) Download(ctx context.Context, owner, path string) ([]byte, error) {
	record, err := c.loadRecord(ctx, domain.FileKey(owner, path))
	if err != nil {
		return nil, err
	}
	if record.Deleted {
		return nil, port.ErrNotFound
	}

	data, err := c.store.Get(ctx, domain.BlobKey(record.ContentHash))
	if err == nil {
		return data, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	return c.fetchBlob(ctx, *record)
}

// List returns the live files of owner sorted by path.
func (c *CatalogService) List(ctx context.Context, owner string) ([]domain.FileInfo, error) {
	keys, err := c.store.ListPrefix(ctx, domain.FileOwnerPrefix(owner))
	if err != nil {
		return nil, err
	}

	files := make([]domain.FileInfo, 0, len(keys))
	for _, key := range keys {
		record, err := c.loadRecord(ctx, key)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		if record.Deleted {
			continue
		}
		files = append(files, domain.FileInfo{Path: record.Path, Size: record.Size})
	}
	return files, nil
}

// Delete tombstones owner's file at path. The tombstone replicates like
// any write, so the deletion wins over stale copies on rejoining nodes.
func (c *CatalogService) Delete(ctx context.Context, owner, path string) error {
	key := domain.FileKey(owner, path)
	unlock := c.locks.acquire(key)
	defer unlock()

	current, err := c.loadRecord(ctx, key)
	if err != nil {
		return err
	}
	if current.Deleted {
		return port.ErrNotFound
	}

	tombstone := *current
	tombstone.Version = current.Version + 1
	tombstone.Origin = c.view.Self().ID
	tombstone.Deleted = true
	tombstone.UpdatedAt = c.clock().UTC()

	if err := c.putRecord(ctx, tombstone); err != nil {
		return err
	}
	logger.Infow("Deleted file", "owner", owner, "path", path, "version", tombstone.Version)

	c.replicateRecord(tombstone)
	c.collectBlob(ctx, current.ContentHash)
	return nil
}

// StoreBlob persists blob content pushed by a peer after verifying the
// content address.
func (c *CatalogService) StoreBlob(ctx context.Context, contentHash string, data []byte) error {
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != contentHash {
		return fmt.Errorf("blob content does not match hash %s", contentHash)
	}
	return c.store.Put(ctx, domain.BlobKey(contentHash), data)
}

// LoadBlob returns locally held blob content.
func (c *CatalogService) LoadBlob(ctx context.Context, contentHash string) ([]byte, error) {
	return c.store.Get(ctx, domain.BlobKey(contentHash))
}

// ApplyFile merges a replicated file record. Losers of the version race
// are discarded; equal records merge their replica sets. When this node
// is a designated holder without the blob, the content is fetched in the
// background.
func (c *CatalogService) ApplyFile(ctx context.Context, incoming domain.FileRecord) error {
	if incoming.Owner == "" || incoming.Path == "" {
		return fmt.Errorf("file record without owner or path")
	}

	key := incoming.Key()
	unlock := c.locks.acquire(key)
	defer unlock()

	current, err := c.loadRecord(ctx, key)
	if err != nil && !isNotFound(err) {
		return err
	}

	var previousHash string
	if current != nil {
		if !incoming.Supersedes(*current) {
			if incoming.Version == current.Version && incoming.Origin == current.Origin {
				merged := *current
				merged.Replicas = unionReplicas(current.Replicas, incoming.Replicas)
				if len(merged.Replicas) != len(current.Replicas) {
					return c.putRecord(ctx, merged)
				}
			}
			return nil
		}
		previousHash = current.ContentHash
	}

	if err := c.putRecord(ctx, incoming); err != nil {
		return err
	}

	if !incoming.Deleted && c.holdsPlacement(incoming) {
		c.scheduleBlobFetch(incoming)
	}
	if previousHash != incoming.ContentHash || incoming.Deleted {
		c.collectBlob(ctx, previousHash)
	}
	if incoming.Deleted {
		c.collectBlob(ctx, incoming.ContentHash)
	}
	return nil
}

// loadRecord reads a record including tombstones; missing keys map to
// ErrNotFound.
func (c *CatalogService) loadRecord(ctx context.Context, key string) (*domain.FileRecord, error) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var record domain.FileRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupt file record %s: %w", key, err)
	}
	return &record, nil
}

func (c *CatalogService) putRecord(ctx context.Context, record domain.FileRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := record.Key()
	if err := c.store.Put(ctx, key, raw); err != nil {
		return err
	}
	c.index.Track(domain.KindFile, key, record.Version)
	return nil
}

// placeBlob computes the holder set for a record key: this node plus the
// rendezvous-ranked peers up to the replication factor.
func (c *CatalogService) placeBlob(key string) []string {
	self := c.view.Self()
	candidates := make([]rendezvous.Member, 0)
	for _, p := range c.view.Members() {
		if p.ID == self.ID {
			continue
		}
		candidates = append(candidates, rendezvous.Member{ID: p.ID, Addr: p.Addr})
	}

	replicas := []string{self.ID}
	for _, m := range c.picker.Pick(key, candidates, c.replicationFactor-1) {
		replicas = append(replicas, m.ID)
	}
	return replicas
}

// holdsPlacement reports whether this node is in the record's holder set.
func (c *CatalogService) holdsPlacement(record domain.FileRecord) bool {
	self := c.view.Self().ID
	for _, id := range record.Replicas {
		if id == self {
			return true
		}
	}
	return false
}

// peerAddr resolves a node id to its peer-plane address, empty when the
// node is not currently reachable.
func (c *CatalogService) peerAddr(nodeID string) string {
	for _, p := range c.view.Members() {
		if p.ID == nodeID {
			return p.Addr
		}
	}
	return ""
}

// pushBlob sends content to the other designated holders.
func (c *CatalogService) pushBlob(record domain.FileRecord, content []byte) {
	self := c.view.Self().ID
	for _, id := range record.Replicas {
		if id == self {
			continue
		}
		addr := c.peerAddr(id)
		if addr == "" {
			continue
		}
		holder, holderAddr := id, addr
		err := c.pool.Submit(context.Background(), func() {
			pushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.peers.PushBlob(pushCtx, holderAddr, record.ContentHash, content); err != nil {
				logger.Warnw("Blob push failed",
					"hash", record.ContentHash, "holder", holder, "error", err.Error())
			}
		})
		if err != nil {
			logger.Warnw("Blob push not scheduled", "holder", holder, "error", err.Error())
		}
	}
}

// replicateRecord pushes record metadata to every alive peer.
func (c *CatalogService) replicateRecord(record domain.FileRecord) {
	env, err := fileEnvelope(record)
	if err != nil {
		logger.Errorw("Failed to build file envelope", "key", record.Key(), "error", err.Error())
		return
	}

	for _, p := range c.view.Members() {
		peer := p
		err := c.pool.Submit(context.Background(), func() {
			pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.peers.PushRecord(pushCtx, peer.Addr, env); err != nil {
				logger.Warnw("Record replication push failed",
					"key", env.Key, "peer", peer.ID, "error", err.Error())
			}
		})
		if err != nil {
			logger.Warnw("Record replication not scheduled", "peer", peer.ID, "error", err.Error())
		}
	}
}

// fetchBlob pulls content from the record's replicas in order.
func (c *CatalogService) fetchBlob(ctx context.Context, record domain.FileRecord) ([]byte, error) {
	self := c.view.Self().ID
	for _, id := range record.Replicas {
		if id == self {
			continue
		}
		addr := c.peerAddr(id)
		if addr == "" {
			continue
		}
		data, err := c.peers.PullBlob(ctx, addr, record.ContentHash)
		if err != nil {
			logger.Debugw("Blob pull failed", "hash", record.ContentHash, "holder", id, "error", err.Error())
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != record.ContentHash {
			logger.Warnw("Blob pull returned corrupt content", "hash", record.ContentHash, "holder", id)
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: no replica served blob %s", port.ErrRecordUnavailable, record.ContentHash)
}

// scheduleBlobFetch fetches and stores the record's blob in the background
// when this node should hold it.
func (c *CatalogService) scheduleBlobFetch(record domain.FileRecord) {
	err := c.pool.Submit(context.Background(), func() {
		fetchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := c.store.Get(fetchCtx, domain.BlobKey(record.ContentHash)); err == nil {
			return
		}
		data, err := c.fetchBlob(fetchCtx, record)
		if err != nil {
			logger.Warnw("Holder could not fetch blob", "hash", record.ContentHash, "error", err.Error())
			return
		}
		if err := c.store.Put(fetchCtx, domain.BlobKey(record.ContentHash), data); err != nil {
			logger.Errorw("Failed to store fetched blob", "hash", record.ContentHash, "error", err.Error())
		}
	})
	if err != nil {
		logger.Warnw("Blob fetch not scheduled", "hash", record.ContentHash, "error", err.Error())
	}
}

// collectBlob removes a blob that no live record references anymore.
// Content addressing means several paths may share one blob, so the whole
// catalog is consulted before removal.
func (c *CatalogService) collectBlob(ctx context.Context, contentHash string) {
	if contentHash == "" {
		return
	}

	keys, err := c.store.ListPrefix(ctx, domain.FilePrefix)
	if err != nil {
		logger.Warnw("Blob collection scan failed", "hash", contentHash, "error", err.Error())
		return
	}
	for _, key := range keys {
		record, err := c.loadRecord(ctx, key)
		if err != nil {
			continue
		}
		if !record.Deleted && record.ContentHash == contentHash {
			return
		}
	}

	if err := c.store.Delete(ctx, domain.BlobKey(contentHash)); err != nil {
		logger.Warnw("Blob collection delete failed", "hash", contentHash, "error", err.Error())
		return
	}
	logger.Debugw("Collected unreferenced blob", "hash", contentHash)
}

func unionReplicas(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(append([]string{}, a...), b...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// fileEnvelope wraps a record for the replication wire.
func fileEnvelope(record domain.FileRecord) (domain.RecordEnvelope, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return domain.RecordEnvelope{}, err
	}
	return domain.RecordEnvelope{
		Kind:    domain.KindFile,
		Key:     record.Key(),
		Version: record.Version,
		Payload: payload,
	}, nil
}
