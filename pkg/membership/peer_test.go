package membership

import (
	"testing"
	"time"
)

func TestPeerTable_UpsertAndMerge(t *testing.T) {
	table := newPeerTable()
	table.Upsert(Peer{ID: "a", Addr: "a:9420"})

	// Merge is a set union: known peers keep the local liveness view,
	// unknown peers come in alive, self is skipped.
	table.MarkSuspect("a")
	table.Merge([]Peer{
		{ID: "a", Addr: "a:9420", Status: PeerAlive},
		{ID: "b", Addr: "b:9420"},
		{ID: "self", Addr: "self:9420"},
	}, "self")

	snap := table.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 peers after merge, got %d", len(snap))
	}
	for _, p := range snap {
		switch p.ID {
		case "a":
			if p.Status != PeerSuspect {
				t.Fatalf("merge must not overwrite local suspect status, got %s", p.Status)
			}
		case "b":
			if p.Status != PeerAlive {
				t.Fatalf("new peer should be alive, got %s", p.Status)
			}
		default:
			t.Fatalf("unexpected peer %s", p.ID)
		}
	}
}

func TestPeerTable_MissEscalation(t *testing.T) {
	table := newPeerTable()
	table.Upsert(Peer{ID: "a", Addr: "a:9420"})

	// Two misses: still alive.
	if removed := table.MarkMissed("a", 3, time.Hour); removed != nil {
		t.Fatalf("peer removed too early")
	}
	if removed := table.MarkMissed("a", 3, time.Hour); removed != nil {
		t.Fatalf("peer removed too early")
	}
	if got := table.Alive(); len(got) != 1 {
		t.Fatalf("peer should still be alive after 2 misses")
	}

	// Third consecutive miss: suspect.
	if removed := table.MarkMissed("a", 3, time.Hour); removed != nil {
		t.Fatalf("suspect peer must survive the grace window")
	}
	if got := table.Alive(); len(got) != 0 {
		t.Fatalf("peer should be suspect after 3 misses")
	}

	// Grace expired: removed and reported for repair.
	removed := table.MarkMissed("a", 3, 0)
	if removed == nil {
		// First miss past suspect records suspectSince; one more drives removal.
		time.Sleep(time.Millisecond)
		removed = table.MarkMissed("a", 3, 0)
	}
	if removed == nil || removed.ID != "a" {
		t.Fatalf("expected peer a to be removed after grace, got %v", removed)
	}
	if len(table.Snapshot()) != 0 {
		t.Fatalf("removed peer still tracked")
	}
}

func TestPeerTable_HeartbeatResetsMisses(t *testing.T) {
	table := newPeerTable()
	table.Upsert(Peer{ID: "a", Addr: "a:9420"})

	table.MarkMissed("a", 3, time.Hour)
	table.MarkMissed("a", 3, time.Hour)
	table.MarkAlive("a")
	table.MarkMissed("a", 3, time.Hour)
	table.MarkMissed("a", 3, time.Hour)

	if got := table.Alive(); len(got) != 1 {
		t.Fatalf("successful heartbeat must reset the miss counter")
	}
}

func TestAdmissionHash(t *testing.T) {
	if AdmissionHash("pw") != AdmissionHash("pw") {
		t.Fatalf("admission hash must be deterministic across nodes")
	}
	if AdmissionHash("pw") == AdmissionHash("other") {
		t.Fatalf("different secrets must hash differently")
	}
	if AdmissionHash("pw") == AdmissionHash("") {
		t.Fatalf("empty secret must not collide")
	}
}

func TestGossipKey(t *testing.T) {
	key := GossipKey("pw")
	if len(key) != 32 {
		t.Fatalf("memberlist needs a 32-byte AES key, got %d bytes", len(key))
	}
	if string(key) == AdmissionHash("pw") {
		t.Fatalf("gossip key must differ from the admission hash")
	}
}

func TestAdmitPeer_WrongSecretDoesNotMutateTable(t *testing.T) {
	m := NewManager(Config{NodeID: "n1", AdvertiseAddr: "n1:9420"}, "pw", nil, nil)
	m.setState(StateJoined)

	_, err := m.AdmitPeer(JoinRequest{NodeID: "evil", Addr: "evil:9420", SecretHash: AdmissionHash("wrong")})
	if err != ErrAuthenticationFailed {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if len(m.Peers()) != 0 {
		t.Fatalf("rejected join must not mutate the membership table")
	}
}

func TestAdmitPeer_MatchingSecretReturnsPeerList(t *testing.T) {
	m := NewManager(Config{NodeID: "n1", AdvertiseAddr: "n1:9420"}, "pw", nil, nil)
	m.setState(StateJoined)

	accept, err := m.AdmitPeer(JoinRequest{
		NodeID:     "n2",
		Addr:       "n2:9420",
		GossipAddr: "n2:7946",
		SecretHash: AdmissionHash("pw"),
	})
	if err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if accept.NodeID != "n1" {
		t.Fatalf("accept should carry the admitting node id")
	}

	// Peer list includes both the joiner and the admitting node itself.
	ids := map[string]bool{}
	for _, p := range accept.Peers {
		ids[p.ID] = true
	}
	if !ids["n1"] || !ids["n2"] {
		t.Fatalf("accept peer list missing members: %v", ids)
	}
	if len(m.Peers()) != 1 {
		t.Fatalf("joiner should be tracked after admission")
	}
}
