package port

import (
	"context"

	"github.com/distorage-io/distorage/internal/node/domain"
)

// PeerClient is the outbound peer-plane API used by the replication
// coordinator and the repair loop.
type PeerClient interface {
	// PushRecord replicates one record envelope to a peer.
	PushRecord(ctx context.Context, addr string, env domain.RecordEnvelope) error

	// PullRecord fetches a record envelope from a peer.
	PullRecord(ctx context.Context, addr, kind, key string) (*domain.RecordEnvelope, error)

	// PushBlob uploads blob content to a peer.
	PushBlob(ctx context.Context, addr, contentHash string, data []byte) error

	// PullBlob downloads blob content from a peer; ErrNotFound when the
	// peer does not hold it.
	PullBlob(ctx context.Context, addr, contentHash string) ([]byte, error)

	// Digest fetches the peer's record-index merkle summary. Leaves are
	// included only when withLeaves is set.
	Digest(ctx context.Context, addr string, withLeaves bool) (*domain.DigestReply, error)

	// ListBucket lists record fingerprints in one merkle bucket.
	ListBucket(ctx context.Context, addr string, bucket int) ([]domain.BucketEntry, error)
}
