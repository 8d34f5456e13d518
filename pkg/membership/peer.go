package membership

import (
	"sync"
	"time"
)

// State is the lifecycle state of the local node.
type State string

const (
	StateBootstrapping State = "bootstrapping"
	StateJoining       State = "joining"
	StateJoined        State = "joined"
	StateDegraded      State = "degraded"
	StateLeft          State = "left"
)

// PeerStatus is the liveness classification of a remote peer.
type PeerStatus string

const (
	PeerAlive   PeerStatus = "alive"
	PeerSuspect PeerStatus = "suspect"
	PeerLeft    PeerStatus = "left"
)

// Peer is one remote member of the cluster as seen by the local node.
type Peer struct {
	ID         string     `json:"id"`
	Addr       string     `json:"addr"`        // peer-plane HTTP address
	GossipAddr string     `json:"gossip_addr"` // memberlist bind address
	Status     PeerStatus `json:"status"`
	LastSeen   time.Time  `json:"last_seen"`
}

// JoinRequest is the admission handshake sent to an existing member.
type JoinRequest struct {
	NodeID     string `json:"node_id"`
	Addr       string `json:"addr"`
	GossipAddr string `json:"gossip_addr"`
	SecretHash string `json:"secret_hash"`
}

// JoinAccept is the successful admission reply: the target's peer list,
// including the target itself.
type JoinAccept struct {
	NodeID string `json:"node_id"`
	Peers  []Peer `json:"peers"`
}

// PingReply is the heartbeat acknowledgement.
type PingReply struct {
	NodeID string `json:"node_id"`
	State  State  `json:"state"`
}

// peerTable tracks known peers, their liveness, and consecutive heartbeat
// misses. It is read-mostly: routing decisions take the read lock, only
// membership changes take the write lock.
type peerTable struct {
	mu           sync.RWMutex
	peers        map[string]Peer
	misses       map[string]int
	suspectSince map[string]time.Time
}

func newPeerTable() *peerTable {
	return &peerTable{
		peers:        make(map[string]Peer),
		misses:       make(map[string]int),
		suspectSince: make(map[string]time.Time),
	}
}

// Upsert adds or refreshes a peer, resetting its miss count.
func (t *peerTable) Upsert(p Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p.Status == "" {
		p.Status = PeerAlive
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}
	t.peers[p.ID] = p
	t.misses[p.ID] = 0
	delete(t.suspectSince, p.ID)
}

// Merge unions a remote peer list into the table. Already-known peers keep
// their local liveness view; unknown peers come in as alive. This is the
// gossip set-union step that makes membership knowledge converge.
func (t *peerTable) Merge(peers []Peer, selfID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range peers {
		if p.ID == "" || p.ID == selfID {
			continue
		}
		if _, known := t.peers[p.ID]; known {
			continue
		}
		p.Status = PeerAlive
		p.LastSeen = time.Now()
		t.peers[p.ID] = p
		t.misses[p.ID] = 0
	}
}

// MarkAlive records a successful heartbeat.
func (t *peerTable) MarkAlive(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.Status = PeerAlive
	p.LastSeen = time.Now()
	t.peers[id] = p
	t.misses[id] = 0
	delete(t.suspectSince, id)
}

// MarkMissed records a heartbeat miss. After suspectAfter consecutive
// misses the peer turns suspect; once suspect for longer than grace it is
// removed and returned so the caller can trigger replication repair.
func (t *peerTable) MarkMissed(id string, suspectAfter int, grace time.Duration) (removed *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		return nil
	}

	t.misses[id]++
	if t.misses[id] < suspectAfter && p.Status == PeerAlive {
		t.peers[id] = p
		return nil
	}

	if p.Status == PeerAlive {
		p.Status = PeerSuspect
		t.peers[id] = p
		t.suspectSince[id] = time.Now()
		return nil
	}

	since, ok := t.suspectSince[id]
	if !ok {
		t.suspectSince[id] = time.Now()
		return nil
	}
	if time.Since(since) < grace {
		return nil
	}

	p.Status = PeerLeft
	delete(t.peers, id)
	delete(t.misses, id)
	delete(t.suspectSince, id)
	return &p
}

// MarkSuspect flags a peer without removing it (memberlist leave events).
func (t *peerTable) MarkSuspect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok || p.Status != PeerAlive {
		return
	}
	p.Status = PeerSuspect
	t.peers[id] = p
	if _, exists := t.suspectSince[id]; !exists {
		t.suspectSince[id] = time.Now()
	}
}

// Snapshot returns a copy of all tracked peers.
func (t *peerTable) Snapshot() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Alive returns peers currently considered reachable.
func (t *peerTable) Alive() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.Status == PeerAlive {
			out = append(out, p)
		}
	}
	return out
}
