package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/anthanhphan/gosdk/logger"
	"github.com/hashicorp/memberlist"
)

// AuthHeader carries the cluster admission hash on peer-plane requests.
const AuthHeader = "X-Distorage-Cluster"

var (
	// ErrAuthenticationFailed means the cluster secret hash did not match.
	// Fatal: the joiner must not retry with the same secret.
	ErrAuthenticationFailed = errors.New("cluster authentication failed")

	// ErrDiscoveryTimeout means one broadcast window elapsed with no reply.
	ErrDiscoveryTimeout = errors.New("discovery timed out")

	// ErrNoClusterFound means all discovery attempts were exhausted.
	ErrNoClusterFound = errors.New("no cluster found")
)

// Mode selects how a starting node enters the cluster.
type Mode string

const (
	ModeNew      Mode = "new"
	ModeDiscover Mode = "discover"
	ModeConnect  Mode = "connect"
)

// Transport performs the point-to-point peer-plane calls the manager needs.
// Implemented by the peer HTTP client adapter.
type Transport interface {
	Join(ctx context.Context, addr string, req JoinRequest) (*JoinAccept, error)
	Ping(ctx context.Context, addr string) (*PingReply, error)
	ListPeers(ctx context.Context, addr string) ([]Peer, error)
}

// Discoverer locates one candidate admission address on the local network.
type Discoverer interface {
	Probe(ctx context.Context, secretHash string) (string, error)
}

// Config carries manager tuning. Zero durations fall back to defaults.
type Config struct {
	NodeID        string
	AdvertiseAddr string // peer-plane HTTP address announced to the cluster
	BindAddr      string
	GossipPort    int

	HeartbeatInterval time.Duration
	SuspectAfter      int
	LeaveGrace        time.Duration
	DiscoveryRetries  int
	DiscoveryBackoff  time.Duration

	// OnPeerLeft fires after a peer is removed from the active set, so the
	// replication coordinator can schedule repair.
	OnPeerLeft func(Peer)
	// OnChange fires after any membership change with the full peer set,
	// used to persist the membership snapshot.
	OnChange func([]Peer)
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.SuspectAfter <= 0 {
		c.SuspectAfter = 3
	}
	if c.LeaveGrace <= 0 {
		c.LeaveGrace = 30 * time.Second
	}
	if c.DiscoveryRetries <= 0 {
		c.DiscoveryRetries = 3
	}
	if c.DiscoveryBackoff <= 0 {
		c.DiscoveryBackoff = 2 * time.Second
	}
}

// Manager owns the local node's view of the cluster: the peer table, the
// memberlist gossip layer, and the node lifecycle state machine
// Bootstrapping -> Joining -> Joined -> Degraded -> Left.
type Manager struct {
	cfg        Config
	secretHash string
	gossipKey  []byte

	transport Transport
	discover  Discoverer
	table     *peerTable

	stateMu sync.RWMutex
	state   State

	list *memberlist.Memberlist

	cancelHeartbeat context.CancelFunc
	heartbeatDone   chan struct{}
}

var _ memberlist.Delegate = (*Manager)(nil)
var _ memberlist.EventDelegate = (*Manager)(nil)

// NewManager builds a manager in state Bootstrapping. The secret is hashed
// immediately and never retained.
func NewManager(cfg Config, secret string, transport Transport, discover Discoverer) *Manager {
	cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		secretHash: AdmissionHash(secret),
		gossipKey:  GossipKey(secret),
		transport:  transport,
		discover:   discover,
		table:      newPeerTable(),
		state:      StateBootstrapping,
	}
}

// SecretHash returns the cluster admission token of this node.
func (m *Manager) SecretHash() string { return m.secretHash }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// IsJoined reports whether the node serves as a cluster member. Degraded
// nodes still serve from local state.
func (m *Manager) IsJoined() bool {
	s := m.State()
	return s == StateJoined || s == StateDegraded
}

// Self returns the local node described as a peer entry.
func (m *Manager) Self() Peer {
	return Peer{
		ID:         m.cfg.NodeID,
		Addr:       m.cfg.AdvertiseAddr,
		GossipAddr: net.JoinHostPort(m.cfg.BindAddr, strconv.Itoa(m.cfg.GossipPort)),
		Status:     PeerAlive,
	}
}

// Members returns currently reachable peers.
func (m *Manager) Members() []Peer { return m.table.Alive() }

// Peers returns all tracked peers regardless of liveness.
func (m *Manager) Peers() []Peer { return m.table.Snapshot() }

// Start runs the admission flow for the given mode and blocks until the
// node is Joined or a terminal failure occurs. snapshot peers (from a
// previous run) are tried first so a restarting node resumes membership
// without a fresh discovery round.
func (m *Manager) Start(ctx context.Context, mode Mode, target string, snapshot []Peer) error {
	m.setState(StateJoining)

	if err := m.startGossip(); err != nil {
		m.setState(StateLeft)
		return fmt.Errorf("failed to start gossip layer: %w", err)
	}

	if len(snapshot) > 0 {
		if err := m.resumeFromSnapshot(ctx, snapshot); err == nil {
			m.finishJoin()
			return nil
		}
		logger.Warnw("Membership snapshot resume failed, falling back to startup mode", "mode", string(mode))
	}

	var err error
	switch mode {
	case ModeNew:
		// First member and origin of the cluster secret hash.
	case ModeConnect:
		err = m.admit(ctx, target)
	case ModeDiscover:
		err = m.discoverAndAdmit(ctx)
	default:
		err = fmt.Errorf("unknown startup mode %q", mode)
	}
	if err != nil {
		m.setState(StateLeft)
		m.shutdownGossip()
		return err
	}

	m.finishJoin()
	return nil
}

func (m *Manager) finishJoin() {
	m.setState(StateJoined)

	hbCtx, cancel := context.WithCancel(context.Background())
	m.cancelHeartbeat = cancel
	m.heartbeatDone = make(chan struct{})
	go m.heartbeatLoop(hbCtx)

	logger.Infow("Node joined cluster",
		"node_id", m.cfg.NodeID,
		"addr", m.cfg.AdvertiseAddr,
		"peers", len(m.table.Snapshot()))
	m.notifyChange()
}

func (m *Manager) startGossip() error {
	conf := memberlist.DefaultLANConfig()
	conf.Name = m.cfg.NodeID
	conf.BindAddr = m.cfg.BindAddr
	conf.BindPort = m.cfg.GossipPort
	conf.AdvertisePort = m.cfg.GossipPort
	conf.SecretKey = m.gossipKey
	conf.LogOutput = io.Discard
	conf.Delegate = m
	conf.Events = m

	list, err := memberlist.Create(conf)
	if err != nil {
		return err
	}
	m.list = list
	return nil
}

func (m *Manager) shutdownGossip() {
	if m.list == nil {
		return
	}
	_ = m.list.Shutdown()
	m.list = nil
}

// resumeFromSnapshot tries each previously known peer as a connect target.
func (m *Manager) resumeFromSnapshot(ctx context.Context, snapshot []Peer) error {
	var lastErr error
	for _, p := range snapshot {
		if p.ID == m.cfg.NodeID || p.Addr == "" {
			continue
		}
		if err := m.admit(ctx, p.Addr); err != nil {
			if errors.Is(err, ErrAuthenticationFailed) {
				return err
			}
			lastErr = err
			continue
		}
		logger.Infow("Resumed membership from snapshot", "via", p.ID)
		return nil
	}
	if lastErr == nil {
		lastErr = ErrNoClusterFound
	}
	return lastErr
}

// admit performs the direct admission handshake against one member, merges
// its peer list, and joins the gossip ring through the admitted peers.
func (m *Manager) admit(ctx context.Context, target string) error {
	self := m.Self()
	accept, err := m.transport.Join(ctx, target, JoinRequest{
		NodeID:     self.ID,
		Addr:       self.Addr,
		GossipAddr: self.GossipAddr,
		SecretHash: m.secretHash,
	})
	if err != nil {
		return err
	}

	m.table.Merge(accept.Peers, m.cfg.NodeID)

	seeds := make([]string, 0, len(accept.Peers))
	for _, p := range accept.Peers {
		if p.GossipAddr != "" && p.ID != m.cfg.NodeID {
			seeds = append(seeds, p.GossipAddr)
		}
	}
	if len(seeds) > 0 {
		if _, err := m.list.Join(seeds); err != nil {
			return fmt.Errorf("failed to join gossip ring: %w", err)
		}
	}
	return nil
}

// discoverAndAdmit broadcasts probes with bounded windows and capped
// retries, then admits through the first matching responder.
func (m *Manager) discoverAndAdmit(ctx context.Context) error {
	for attempt := 1; attempt <= m.cfg.DiscoveryRetries; attempt++ {
		addr, err := m.discover.Probe(ctx, m.secretHash)
		if err == nil {
			return m.admit(ctx, addr)
		}
		if !errors.Is(err, ErrDiscoveryTimeout) {
			return err
		}
		logger.Warnw("Discovery attempt timed out", "attempt", attempt, "retries", m.cfg.DiscoveryRetries)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.DiscoveryBackoff):
		}
	}
	return ErrNoClusterFound
}

// AdmitPeer handles an incoming admission request on this node. A hash
// mismatch fails without mutating the membership table.
func (m *Manager) AdmitPeer(req JoinRequest) (*JoinAccept, error) {
	if req.SecretHash != m.secretHash {
		logger.Warnw("Rejected join with wrong cluster secret", "node_id", req.NodeID)
		return nil, ErrAuthenticationFailed
	}
	if !m.IsJoined() {
		return nil, fmt.Errorf("node is not serving cluster admissions")
	}

	m.table.Upsert(Peer{ID: req.NodeID, Addr: req.Addr, GossipAddr: req.GossipAddr})
	m.notifyChange()

	peers := append(m.table.Snapshot(), m.Self())
	return &JoinAccept{NodeID: m.cfg.NodeID, Peers: peers}, nil
}

// Leave cleanly departs: cancels background tasks, leaves gossip, and
// transitions to Left.
func (m *Manager) Leave() error {
	m.setState(StateLeft)
	if m.cancelHeartbeat != nil {
		m.cancelHeartbeat()
		<-m.heartbeatDone
	}
	if m.list != nil {
		if err := m.list.Leave(5 * time.Second); err != nil {
			logger.Warnw("Gossip leave failed", "error", err.Error())
		}
		return m.list.Shutdown()
	}
	return nil
}

// heartbeatLoop drives failure detection over the peer plane. It never
// holds the membership lock across a network call.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer close(m.heartbeatDone)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeatOnce(ctx)
		}
	}
}

func (m *Manager) heartbeatOnce(ctx context.Context) {
	peers := m.table.Snapshot()
	if len(peers) == 0 {
		return
	}

	reachable := 0
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()

			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
			defer cancel()

			if _, err := m.transport.Ping(pingCtx, p.Addr); err != nil {
				if removed := m.table.MarkMissed(p.ID, m.cfg.SuspectAfter, m.cfg.LeaveGrace); removed != nil {
					logger.Infow("Peer marked left", "peer", removed.ID)
					m.notifyChange()
					if m.cfg.OnPeerLeft != nil {
						m.cfg.OnPeerLeft(*removed)
					}
				}
				return
			}
			m.table.MarkAlive(p.ID)
			mu.Lock()
			reachable++
			mu.Unlock()
			m.exchangePeers(pingCtx, p)
		}(p)
	}
	wg.Wait()

	// A node that reaches no peer keeps serving clients from local state
	// but reports itself Degraded.
	switch {
	case reachable == 0 && m.State() == StateJoined:
		logger.Warnw("No peer reachable, node degraded", "peers", len(peers))
		m.setState(StateDegraded)
	case reachable > 0 && m.State() == StateDegraded:
		logger.Infow("Peer contact restored, node healthy")
		m.setState(StateJoined)
	}
}

// exchangePeers merges the remote peer list by set union so membership
// knowledge converges without a central registry.
func (m *Manager) exchangePeers(ctx context.Context, p Peer) {
	remote, err := m.transport.ListPeers(ctx, p.Addr)
	if err != nil {
		return
	}
	before := len(m.table.Snapshot())
	m.table.Merge(remote, m.cfg.NodeID)
	if len(m.table.Snapshot()) != before {
		m.notifyChange()
	}
}

func (m *Manager) notifyChange() {
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(m.table.Snapshot())
	}
}

// nodeMeta is the payload carried in memberlist node metadata.
type nodeMeta struct {
	Addr string `json:"addr"`
}

// NodeMeta implements memberlist.Delegate.
func (m *Manager) NodeMeta(limit int) []byte {
	data, err := json.Marshal(nodeMeta{Addr: m.cfg.AdvertiseAddr})
	if err != nil || len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg, GetBroadcasts, LocalState, MergeRemoteState satisfy
// memberlist.Delegate; record replication rides the peer plane instead.
func (m *Manager) NotifyMsg([]byte)                           {}
func (m *Manager) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *Manager) LocalState(join bool) []byte                { return nil }
func (m *Manager) MergeRemoteState(buf []byte, join bool)     {}

// NotifyJoin implements memberlist.EventDelegate.
func (m *Manager) NotifyJoin(node *memberlist.Node) {
	if node.Name == m.cfg.NodeID {
		return
	}
	var meta nodeMeta
	_ = json.Unmarshal(node.Meta, &meta)

	addr := meta.Addr
	if addr == "" {
		addr = net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
	}
	logger.Infow("Gossip: node joined", "id", node.Name, "addr", addr)
	m.table.Upsert(Peer{
		ID:         node.Name,
		Addr:       addr,
		GossipAddr: net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port))),
	})
	m.notifyChange()
}

// NotifyLeave marks the peer suspect; the heartbeat loop escalates to Left
// after the grace window so replication repair is not triggered by a
// transient gossip flap.
func (m *Manager) NotifyLeave(node *memberlist.Node) {
	if node.Name == m.cfg.NodeID {
		return
	}
	logger.Infow("Gossip: node left", "id", node.Name)
	m.table.MarkSuspect(node.Name)
}

// NotifyUpdate refreshes peer metadata.
func (m *Manager) NotifyUpdate(node *memberlist.Node) {
	m.NotifyJoin(node)
}
