// Package peerhttp is the outbound peer-plane client: admission, heartbeat,
// peer exchange, replica push/pull, and anti-entropy queries over HTTP.
// Every peer gets its own circuit breaker so one dead node cannot stall
// the replication pipeline for the rest of the cluster.
package peerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/distorage-io/distorage/internal/node/domain"
	"github.com/distorage-io/distorage/internal/node/port"
	"github.com/distorage-io/distorage/pkg/membership"
	"github.com/distorage-io/distorage/pkg/resilience"
)

// Client implements membership.Transport and port.PeerClient.
type Client struct {
	http       *http.Client
	secretHash string

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

var (
	_ membership.Transport = (*Client)(nil)
	_ port.PeerClient      = (*Client)(nil)
)

// New creates a peer client. secretHash authenticates this node to its
// peers on every request.
func New(secretHash string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:       &http.Client{Timeout: timeout},
		secretHash: secretHash,
		breakers:   make(map[string]*resilience.Breaker),
	}
}

func (c *Client) breaker(addr string) *resilience.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.breakers[addr]
	if !ok {
		b = resilience.NewBreaker(3, 10*time.Second)
		c.breakers[addr] = b
	}
	return b
}

// do runs one peer request under the target's breaker and decodes the JSON
// reply into out (when out is non-nil).
func (c *Client) do(ctx context.Context, addr, method, path string, body []byte, out interface{}) error {
	return c.breaker(addr).Do(ctx, func(ctx context.Context) error {
		return c.doOnce(ctx, addr, method, path, body, out)
	})
}

func (c *Client) doOnce(ctx context.Context, addr, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(membership.AuthHeader, c.secretHash)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("peer %s unreachable: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return membership.ErrAuthenticationFailed
	case http.StatusNotFound:
		return port.ErrNotFound
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer %s returned %d: %s", addr, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Join performs the admission handshake (membership.Transport).
func (c *Client) Join(ctx context.Context, addr string, req membership.JoinRequest) (*membership.JoinAccept, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	// Admission bypasses the breaker: a failed join must surface its real
	// error to the caller immediately, not a breaker-open shortcut.
	var accept membership.JoinAccept
	if err := c.doOnce(ctx, addr, http.MethodPost, "/v1/cluster/join", body, &accept); err != nil {
		return nil, err
	}
	return &accept, nil
}

// Ping is the heartbeat (membership.Transport).
func (c *Client) Ping(ctx context.Context, addr string) (*membership.PingReply, error) {
	var reply membership.PingReply
	if err := c.doOnce(ctx, addr, http.MethodGet, "/v1/cluster/ping", nil, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// ListPeers fetches a peer's membership view for set-union merging.
func (c *Client) ListPeers(ctx context.Context, addr string) ([]membership.Peer, error) {
	var peers []membership.Peer
	if err := c.doOnce(ctx, addr, http.MethodGet, "/v1/cluster/peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// PushRecord replicates one record envelope (port.PeerClient).
func (c *Client) PushRecord(ctx context.Context, addr string, env domain.RecordEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.do(ctx, addr, http.MethodPost, "/v1/replica/record", body, nil)
}

// PullRecord fetches one record envelope from a peer.
func (c *Client) PullRecord(ctx context.Context, addr, kind, key string) (*domain.RecordEnvelope, error) {
	path := fmt.Sprintf("/v1/replica/record?kind=%s&key=%s", url.QueryEscape(kind), url.QueryEscape(key))
	var env domain.RecordEnvelope
	if err := c.do(ctx, addr, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// PushBlob uploads blob content to a peer.
func (c *Client) PushBlob(ctx context.Context, addr, contentHash string, data []byte) error {
	return c.breaker(addr).Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			"http://"+addr+"/v1/replica/blob/"+url.PathEscape(contentHash), bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set(membership.AuthHeader, c.secretHash)
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("peer %s unreachable: %w", addr, err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("blob push to %s returned %d: %s", addr, resp.StatusCode, msg)
		}
		return nil
	})
}

// PullBlob downloads blob content from a peer.
func (c *Client) PullBlob(ctx context.Context, addr, contentHash string) ([]byte, error) {
	var data []byte
	err := c.breaker(addr).Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			"http://"+addr+"/v1/replica/blob/"+url.PathEscape(contentHash), nil)
		if err != nil {
			return err
		}
		req.Header.Set(membership.AuthHeader, c.secretHash)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("peer %s unreachable: %w", addr, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return port.ErrNotFound
		default:
			return fmt.Errorf("blob pull from %s returned %d", addr, resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Digest fetches the peer's record-index summary.
func (c *Client) Digest(ctx context.Context, addr string, withLeaves bool) (*domain.DigestReply, error) {
	path := "/v1/replica/digest"
	if withLeaves {
		path += "?leaves=1"
	}
	var reply domain.DigestReply
	if err := c.do(ctx, addr, http.MethodGet, path, nil, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// ListBucket lists record fingerprints in one digest bucket.
func (c *Client) ListBucket(ctx context.Context, addr string, bucket int) ([]domain.BucketEntry, error) {
	var entries []domain.BucketEntry
	if err := c.do(ctx, addr, http.MethodGet, fmt.Sprintf("/v1/replica/bucket/%d", bucket), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
