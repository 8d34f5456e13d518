package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthanhphan/gosdk/logger"
	"golang.org/x/crypto/bcrypt"

	"github.com/distorage-io/distorage/internal/node/domain"
	"github.com/distorage-io/distorage/internal/node/port"
	"github.com/distorage-io/distorage/pkg/resilience"
)

// DirectoryService is the replicated user directory. Accounts are created
// on first login and replicated to every peer, so a user can authenticate
// against any node even while the registering node is down.
type DirectoryService struct {
	store port.Store
	index *recordIndex
	peers port.PeerClient
	view  MembershipView
	pool  *resilience.Pool

	clock func() time.Time
}

var _ port.Directory = (*DirectoryService)(nil)

// NewDirectoryService wires the directory over the shared store, index, and
// replication pool.
func NewDirectoryService(store port.Store, index *recordIndex, peers port.PeerClient, view MembershipView, pool *resilience.Pool) *DirectoryService {
	return &DirectoryService{
		store: store,
		index: index,
		peers: peers,
		view:  view,
		pool:  pool,
		clock: time.Now,
	}
}

// Authenticate verifies the password for a known username and registers
// unknown usernames with the presented password. The local write succeeds
// before replication starts, so a partitioned node can still onboard users.
func (d *DirectoryService) Authenticate(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: empty credentials", port.ErrAuthFailed)
	}

	raw, err := d.store.Get(ctx, domain.UserKey(username))
	if err == nil {
		var account domain.UserAccount
		if err := json.Unmarshal(raw, &account); err != nil {
			return fmt.Errorf("corrupt account record for %s: %w", username, err)
		}
		if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
			return port.ErrAuthFailed
		}
		return nil
	}
	if !isNotFound(err) {
		return err
	}

	return d.register(ctx, username, password)
}

func (d *DirectoryService) register(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	account := domain.UserAccount{
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    d.clock().UTC(),
		Origin:       d.view.Self().ID,
	}
	if err := d.putUser(ctx, account); err != nil {
		return err
	}
	logger.Infow("Registered user", "username", username, "origin", account.Origin)

	d.replicateUser(account)
	return nil
}

func (d *DirectoryService) putUser(ctx context.Context, account domain.UserAccount) error {
	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}
	key := domain.UserKey(account.Username)
	if err := d.store.Put(ctx, key, raw); err != nil {
		return err
	}
	d.index.Track(domain.KindUser, key, account.ChangeVersion())
	return nil
}

// replicateUser pushes the account record to every alive peer. Failures are
// logged and left to anti-entropy; the account is already durable locally.
func (d *DirectoryService) replicateUser(account domain.UserAccount) {
	env, err := userEnvelope(account)
	if err != nil {
		logger.Errorw("Failed to build user envelope", "username", account.Username, "error", err.Error())
		return
	}

	for _, p := range d.view.Members() {
		peer := p
		err := d.pool.Submit(context.Background(), func() {
			pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := d.peers.PushRecord(pushCtx, peer.Addr, env); err != nil {
				logger.Warnw("User replication push failed",
					"username", account.Username, "peer", peer.ID, "error", err.Error())
			}
		})
		if err != nil {
			logger.Warnw("User replication not scheduled", "peer", peer.ID, "error", err.Error())
		}
	}
}

// ApplyUser merges a replicated account under the convergence rule: the
// earliest CreatedAt wins, origin id breaking exact ties. Later
// registrations of the same username are discarded everywhere.
func (d *DirectoryService) ApplyUser(ctx context.Context, incoming domain.UserAccount) error {
	if incoming.Username == "" {
		return fmt.Errorf("user record without username")
	}

	raw, err := d.store.Get(ctx, domain.UserKey(incoming.Username))
	if err == nil {
		var current domain.UserAccount
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("corrupt account record for %s: %w", incoming.Username, err)
		}
		if !userSupersedes(incoming, current) {
			return nil
		}
		logger.Infow("Replaced account with earlier registration",
			"username", incoming.Username, "origin", incoming.Origin)
	} else if !isNotFound(err) {
		return err
	}

	return d.putUser(ctx, incoming)
}

// userEnvelope wraps an account for the replication wire.
func userEnvelope(account domain.UserAccount) (domain.RecordEnvelope, error) {
	payload, err := json.Marshal(account)
	if err != nil {
		return domain.RecordEnvelope{}, err
	}
	return domain.RecordEnvelope{
		Kind:    domain.KindUser,
		Key:     domain.UserKey(account.Username),
		Version: account.ChangeVersion(),
		Payload: payload,
	}, nil
}

// userSupersedes reports whether incoming should replace current.
func userSupersedes(incoming, current domain.UserAccount) bool {
	if !incoming.CreatedAt.Equal(current.CreatedAt) {
		return incoming.CreatedAt.Before(current.CreatedAt)
	}
	return incoming.Origin < current.Origin
}
