package membership

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain-separation prefixes keep the admission hash and the gossip
// encryption key underivable from one another.
const (
	admissionSalt = "distorage/admission/v1:"
	gossipKeySalt = "distorage/gossip-key/v1:"
)

// AdmissionHash derives the cluster-wide admission token from the shared
// secret. Every node of one logical cluster computes the same value, so
// admission is a plain hash comparison and the secret itself is never
// stored or sent.
func AdmissionHash(secret string) string {
	sum := sha256.Sum256([]byte(admissionSalt + secret))
	return hex.EncodeToString(sum[:])
}

// GossipKey derives the 32-byte AES key used to encrypt memberlist traffic.
// A node holding the wrong secret cannot decrypt gossip, so it can never
// poison the membership view even if it bypasses the admission handshake.
func GossipKey(secret string) []byte {
	sum := sha256.Sum256([]byte(gossipKeySalt + secret))
	return sum[:]
}
