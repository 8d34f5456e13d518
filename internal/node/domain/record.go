package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record kinds carried in replication envelopes.
const (
	KindUser = "user"
	KindFile = "file"
)

// Store key prefixes. Every persisted entity lives in one flat key space
// so the storage engine only needs prefix scans.
const (
	UserPrefix = "user/"
	FilePrefix = "file/"
	BlobPrefix = "blob/"

	// PeerSnapshotKey holds the serialized membership snapshot.
	PeerSnapshotKey = "cluster/peers"
)

// UserKey builds the store key for a user account.
func UserKey(username string) string {
	return UserPrefix + username
}

// FileKey builds the store key for a file record. Paths are case-sensitive
// and unique per owner.
func FileKey(owner, path string) string {
	return FilePrefix + owner + "/" + path
}

// FileOwnerPrefix is the scan prefix covering one user's file records.
func FileOwnerPrefix(owner string) string {
	return FilePrefix + owner + "/"
}

// BlobKey builds the store key for a content-addressed blob.
func BlobKey(contentHash string) string {
	return BlobPrefix + contentHash
}

// ValidatePath rejects paths that could escape a user's namespace or break
// key encoding.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if len(path) > 1024 {
		return fmt.Errorf("path too long")
	}
	if strings.Contains(path, "..") || strings.ContainsAny(path, "\x00\n") {
		return fmt.Errorf("path contains forbidden sequence")
	}
	return nil
}

// UserAccount is a cluster-wide user identity. Concurrent registrations of
// the same username converge on the earliest CreatedAt (origin id breaks
// ties), so identity survives any single node's disconnection.
type UserAccount struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"` // bcrypt
	CreatedAt    time.Time `json:"created_at"`
	Origin       string    `json:"origin"`
}

// ChangeVersion is the anti-entropy change detector for an account.
// Accounts are immutable after creation, so creation time serves.
func (u UserAccount) ChangeVersion() uint64 {
	return uint64(u.CreatedAt.UnixNano())
}

// FileRecord is the replicated metadata for one logical file path. A path
// maps to exactly one current version; new uploads supersede the prior
// blob by incrementing Version. Deletion is a tombstone so it replicates
// like any other write.
type FileRecord struct {
	Owner       string    `json:"owner"`
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	Version     uint64    `json:"version"`
	Origin      string    `json:"origin"`
	Replicas    []string  `json:"replicas"` // node ids holding the blob, placement order
	Deleted     bool      `json:"deleted"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Key returns the store key of the record.
func (r FileRecord) Key() string {
	return FileKey(r.Owner, r.Path)
}

// Supersedes reports whether r wins over other under the deterministic
// conflict rule: higher version first, lexicographically greater origin id
// on a version tie.
func (r FileRecord) Supersedes(other FileRecord) bool {
	if r.Version != other.Version {
		return r.Version > other.Version
	}
	return r.Origin > other.Origin
}

// FileInfo is the list() projection of a record.
type FileInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// RecordEnvelope is the wire form of a replicated record as pushed and
// pulled between peers.
type RecordEnvelope struct {
	Kind    string          `json:"kind"`
	Key     string          `json:"key"`
	Version uint64          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// BucketEntry is one record fingerprint in an anti-entropy bucket listing.
type BucketEntry struct {
	Kind    string `json:"kind"`
	Key     string `json:"key"`
	Version uint64 `json:"version"`
}

// DigestReply carries the merkle summary of a node's record index.
type DigestReply struct {
	Root   string   `json:"root"`
	Leaves []string `json:"leaves,omitempty"`
}
