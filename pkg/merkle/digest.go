// Package merkle maintains a fixed-shape hash tree over record-index
// buckets. Two nodes compare roots in one round trip; only when roots
// differ do they exchange leaf hashes and reconcile the differing buckets.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"
)

// DigestTree is a heap-layout perfect binary tree of hex hashes.
// Index 0 is the root; children of i are 2i+1 and 2i+2.
type DigestTree struct {
	mu         sync.RWMutex
	nodes      []string
	numLeaves  int
	leafOffset int
}

// New creates a tree with numLeaves buckets. numLeaves must be a power of
// two so the tree stays perfect.
func New(numLeaves int) (*DigestTree, error) {
	if numLeaves < 2 || numLeaves&(numLeaves-1) != 0 {
		return nil, fmt.Errorf("numLeaves must be a power of 2, got %d", numLeaves)
	}
	return &DigestTree{
		nodes:      make([]string, 2*numLeaves-1),
		numLeaves:  numLeaves,
		leafOffset: numLeaves - 1,
	}, nil
}

// NumLeaves returns the bucket count.
func (t *DigestTree) NumLeaves() int { return t.numLeaves }

// BucketOf maps a record key to its bucket.
func (t *DigestTree) BucketOf(key string) int {
	return int(murmur3.Sum64([]byte(key)) % uint64(t.numLeaves))
}

// SummarizeBucket hashes a sorted (key, version) listing into one leaf
// hash. Sorting makes the digest independent of iteration order.
func SummarizeBucket(entries map[string]uint64) string {
	if len(entries) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%d;", k, entries[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Update sets a leaf hash and recomputes the path to the root.
func (t *DigestTree) Update(bucket int, leafHash string) error {
	if bucket < 0 || bucket >= t.numLeaves {
		return fmt.Errorf("bucket out of range: %d", bucket)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.leafOffset + bucket
	t.nodes[idx] = leafHash

	for idx > 0 {
		idx = (idx - 1) / 2
		left := t.nodes[2*idx+1]
		right := t.nodes[2*idx+2]
		if left == "" && right == "" {
			t.nodes[idx] = ""
			continue
		}
		sum := sha256.Sum256([]byte(left + "|" + right))
		t.nodes[idx] = hex.EncodeToString(sum[:])
	}
	return nil
}

// Root returns the root hash; empty string means an empty index.
func (t *DigestTree) Root() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[0]
}

// Leaves returns all bucket hashes in bucket order.
func (t *DigestTree) Leaves() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, t.numLeaves)
	copy(out, t.nodes[t.leafOffset:])
	return out
}
