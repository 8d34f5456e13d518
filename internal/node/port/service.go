package port

import (
	"context"

	"github.com/distorage-io/distorage/internal/node/domain"
)

// Directory is the replicated user-account service.
type Directory interface {
	// Authenticate verifies credentials, auto-registering unseen
	// usernames. Wrong passwords fail with ErrAuthFailed.
	Authenticate(ctx context.Context, username, password string) error
}

// Catalog is the replicated file service: every operation is scoped to an
// owning username.
type Catalog interface {
	Upload(ctx context.Context, owner, path string, content []byte) error
	Download(ctx context.Context, owner, path string) ([]byte, error)
	List(ctx context.Context, owner string) ([]domain.FileInfo, error)
	Delete(ctx context.Context, owner, path string) error

	// StoreBlob persists pushed blob content after hash verification.
	StoreBlob(ctx context.Context, contentHash string, data []byte) error

	// LoadBlob returns locally held blob content.
	LoadBlob(ctx context.Context, contentHash string) ([]byte, error)
}

// Replicator is the inbound replication surface a node exposes to its
// peers: applying pushed records, serving record pulls, and answering
// anti-entropy digest queries.
type Replicator interface {
	Apply(ctx context.Context, env domain.RecordEnvelope) error
	Envelope(ctx context.Context, kind, key string) (*domain.RecordEnvelope, error)
	Digest(withLeaves bool) domain.DigestReply
	ListBucket(bucket int) []domain.BucketEntry
}
