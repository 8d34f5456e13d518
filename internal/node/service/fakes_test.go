package service

import (
	"context"
	"sort"
	"sync"

	"github.com/distorage-io/distorage/internal/node/domain"
	"github.com/distorage-io/distorage/internal/node/port"
	"github.com/distorage-io/distorage/pkg/membership"
	"github.com/distorage-io/distorage/pkg/resilience"
)

// memStore is an in-memory port.Store for service tests.
type memStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (s *memStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, port.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) ListPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// fakePeerClient records outbound peer traffic and serves programmed
// replies.
type fakePeerClient struct {
	mu sync.Mutex

	pushedRecords map[string][]domain.RecordEnvelope
	pushedBlobs   map[string]map[string][]byte

	servedBlobs   map[string]map[string][]byte
	servedRecords map[string]map[string]domain.RecordEnvelope
	servedDigests map[string]domain.DigestReply
	servedBuckets map[string]map[int][]domain.BucketEntry

	bucketCalls int
	failAll     bool
}

func newFakePeerClient() *fakePeerClient {
	return &fakePeerClient{
		pushedRecords: map[string][]domain.RecordEnvelope{},
		pushedBlobs:   map[string]map[string][]byte{},
		servedBlobs:   map[string]map[string][]byte{},
		servedRecords: map[string]map[string]domain.RecordEnvelope{},
		servedDigests: map[string]domain.DigestReply{},
		servedBuckets: map[string]map[int][]domain.BucketEntry{},
	}
}

func (f *fakePeerClient) PushRecord(_ context.Context, addr string, env domain.RecordEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return port.ErrRecordUnavailable
	}
	f.pushedRecords[addr] = append(f.pushedRecords[addr], env)
	return nil
}

func (f *fakePeerClient) PullRecord(_ context.Context, addr, kind, key string) (*domain.RecordEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, ok := f.servedRecords[addr][kind+"/"+key]
	if !ok {
		return nil, port.ErrNotFound
	}
	return &env, nil
}

func (f *fakePeerClient) PushBlob(_ context.Context, addr, contentHash string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return port.ErrRecordUnavailable
	}
	if f.pushedBlobs[addr] == nil {
		f.pushedBlobs[addr] = map[string][]byte{}
	}
	f.pushedBlobs[addr][contentHash] = append([]byte(nil), data...)
	return nil
}

func (f *fakePeerClient) PullBlob(_ context.Context, addr, contentHash string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.servedBlobs[addr][contentHash]
	if !ok {
		return nil, port.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (f *fakePeerClient) Digest(_ context.Context, addr string, withLeaves bool) (*domain.DigestReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reply, ok := f.servedDigests[addr]
	if !ok {
		return nil, port.ErrNotFound
	}
	if !withLeaves {
		reply = domain.DigestReply{Root: reply.Root}
	}
	return &reply, nil
}

func (f *fakePeerClient) ListBucket(_ context.Context, addr string, bucket int) ([]domain.BucketEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bucketCalls++
	return f.servedBuckets[addr][bucket], nil
}

func (f *fakePeerClient) serveBlob(addr, hash string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.servedBlobs[addr] == nil {
		f.servedBlobs[addr] = map[string][]byte{}
	}
	f.servedBlobs[addr][hash] = data
}

func (f *fakePeerClient) recordsPushedTo(addr string) []domain.RecordEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.RecordEnvelope(nil), f.pushedRecords[addr]...)
}

func (f *fakePeerClient) blobPushedTo(addr, hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pushedBlobs[addr][hash]
	return ok
}

// fakeView is a static MembershipView.
type fakeView struct {
	self    membership.Peer
	members []membership.Peer
	joined  bool
}

func (v *fakeView) Self() membership.Peer      { return v.self }
func (v *fakeView) Members() []membership.Peer { return v.members }
func (v *fakeView) IsJoined() bool             { return v.joined }

// fixture bundles one node's wired services for tests.
type fixture struct {
	store      *memStore
	index      *recordIndex
	peers      *fakePeerClient
	view       *fakeView
	pool       *resilience.Pool
	directory  *DirectoryService
	catalog    *CatalogService
	replicator *ReplicatorService
}

func newFixture(selfID string, peers ...membership.Peer) *fixture {
	f := &fixture{
		store: newMemStore(),
		index: newRecordIndex(),
		peers: newFakePeerClient(),
		view: &fakeView{
			self:    membership.Peer{ID: selfID, Addr: selfID + ":7601"},
			members: peers,
			joined:  true,
		},
		pool: resilience.NewPool(2, 16),
	}
	f.directory = NewDirectoryService(f.store, f.index, f.peers, f.view, f.pool)
	f.catalog = NewCatalogService(f.store, f.index, f.peers, f.view, f.pool, 2)
	f.replicator = NewReplicatorService(f.store, f.index, f.directory, f.catalog)
	return f
}

// drain waits for all queued background pushes to finish. The fixture is
// single-use after draining.
func (f *fixture) drain() {
	f.pool.Close()
	f.pool.Wait()
}

func peer(id string) membership.Peer {
	return membership.Peer{ID: id, Addr: id + ":7601", Status: membership.PeerAlive}
}
