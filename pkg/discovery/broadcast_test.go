package discovery

import (
	"encoding/json"
	"testing"

	"github.com/distorage-io/distorage/pkg/membership"
)

func marshalProbe(t *testing.T, hash string) []byte {
	t.Helper()
	data, err := json.Marshal(probeMessage{Magic: probeMagic, SecretHash: hash})
	if err != nil {
		t.Fatalf("marshal probe: %v", err)
	}
	return data
}

func TestHandleProbe_MatchingSecret(t *testing.T) {
	hash := membership.AdmissionHash("pw")
	r := NewResponder(0, "n1", "10.0.0.5:9420", hash, func() bool { return true })

	data, ok := r.handleProbe(marshalProbe(t, hash))
	if !ok {
		t.Fatalf("matching probe must be answered")
	}

	var reply replyMessage
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Addr != "10.0.0.5:9420" || reply.NodeID != "n1" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestHandleProbe_WrongSecretSilentlyIgnored(t *testing.T) {
	r := NewResponder(0, "n1", "10.0.0.5:9420", membership.AdmissionHash("pw"), func() bool { return true })

	if _, ok := r.handleProbe(marshalProbe(t, membership.AdmissionHash("wrong"))); ok {
		t.Fatalf("probe with wrong secret must not be answered")
	}
}

func TestHandleProbe_NotAnsweredUntilJoined(t *testing.T) {
	hash := membership.AdmissionHash("pw")
	joined := false
	r := NewResponder(0, "n1", "10.0.0.5:9420", hash, func() bool { return joined })

	if _, ok := r.handleProbe(marshalProbe(t, hash)); ok {
		t.Fatalf("node must not reveal membership before it is joined")
	}
	joined = true
	if _, ok := r.handleProbe(marshalProbe(t, hash)); !ok {
		t.Fatalf("joined node should answer matching probes")
	}
}

func TestHandleProbe_MalformedDatagram(t *testing.T) {
	r := NewResponder(0, "n1", "10.0.0.5:9420", membership.AdmissionHash("pw"), func() bool { return true })

	if _, ok := r.handleProbe([]byte("not json")); ok {
		t.Fatalf("malformed probe must be dropped")
	}
	if _, ok := r.handleProbe([]byte(`{"magic":"other","secret_hash":""}`)); ok {
		t.Fatalf("foreign magic must be dropped")
	}
}
