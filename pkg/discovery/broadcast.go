// Package discovery locates cluster members on the local network with a
// UDP broadcast probe. Probes are tagged with the cluster admission hash;
// responders stay silent on a mismatch so nothing about the cluster leaks
// to nodes that do not hold the secret.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/anthanhphan/gosdk/logger"
	"github.com/distorage-io/distorage/pkg/membership"
)

const probeMagic = "distorage/probe/v1"

// DefaultPort is the UDP port responders listen on.
const DefaultPort = 9499

type probeMessage struct {
	Magic      string `json:"magic"`
	SecretHash string `json:"secret_hash"`
}

type replyMessage struct {
	Magic  string `json:"magic"`
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"` // admission (peer-plane) address
}

// Prober broadcasts probes and collects the first matching reply.
// It implements membership.Discoverer.
type Prober struct {
	Port          int
	Window        time.Duration
	BroadcastAddr string
}

// NewProber creates a prober with sane defaults.
func NewProber(port int, window time.Duration) *Prober {
	if port <= 0 {
		port = DefaultPort
	}
	if window <= 0 {
		window = 3 * time.Second
	}
	return &Prober{Port: port, Window: window, BroadcastAddr: "255.255.255.255"}
}

// Probe sends one broadcast datagram and waits up to the window for a
// matching reply. Repeating a probe is safe: responders are stateless.
func (p *Prober) Probe(ctx context.Context, secretHash string) (string, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return "", fmt.Errorf("failed to open probe socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	dest, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(p.BroadcastAddr, strconv.Itoa(p.Port)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve broadcast address: %w", err)
	}

	payload, err := json.Marshal(probeMessage{Magic: probeMagic, SecretHash: secretHash})
	if err != nil {
		return "", err
	}
	if _, err := conn.WriteTo(payload, dest); err != nil {
		return "", fmt.Errorf("failed to send probe: %w", err)
	}

	deadline := time.Now().Add(p.Window)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return "", membership.ErrDiscoveryTimeout
			}
			return "", err
		}

		var reply replyMessage
		if err := json.Unmarshal(buf[:n], &reply); err != nil {
			continue
		}
		if reply.Magic != probeMagic || reply.Addr == "" {
			continue
		}
		logger.Infow("Discovery reply received", "node_id", reply.NodeID, "addr", reply.Addr)
		return reply.Addr, nil
	}
}

// Responder answers probes carrying the correct admission hash with this
// node's admission address. It only answers while the node is joined.
type Responder struct {
	port       int
	nodeID     string
	addr       string
	secretHash string
	joined     func() bool

	conn net.PacketConn
}

// NewResponder creates a probe responder. joined gates replies so a node
// that has not finished joining never reveals membership.
func NewResponder(port int, nodeID, addr, secretHash string, joined func() bool) *Responder {
	if port <= 0 {
		port = DefaultPort
	}
	return &Responder{port: port, nodeID: nodeID, addr: addr, secretHash: secretHash, joined: joined}
}

// Start binds the UDP socket and serves probes until the context ends.
func (r *Responder) Start(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", r.port))
	if err != nil {
		return fmt.Errorf("failed to bind discovery port %d: %w", r.port, err)
	}
	r.conn = conn

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go r.serve(ctx)
	return nil
}

func (r *Responder) serve(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		n, src, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		reply, ok := r.handleProbe(buf[:n])
		if !ok {
			continue
		}
		if _, err := r.conn.WriteTo(reply, src); err != nil {
			logger.Warnw("Discovery reply send failed", "error", err.Error())
		}
	}
}

// handleProbe validates one probe datagram. Mismatched or malformed probes
// are dropped silently.
func (r *Responder) handleProbe(data []byte) ([]byte, bool) {
	var probe probeMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false
	}
	if probe.Magic != probeMagic || probe.SecretHash != r.secretHash {
		return nil, false
	}
	if r.joined != nil && !r.joined() {
		return nil, false
	}

	reply, err := json.Marshal(replyMessage{Magic: probeMagic, NodeID: r.nodeID, Addr: r.addr})
	if err != nil {
		return nil, false
	}
	return reply, true
}
