// Package http_handler exposes the peer plane: admission, heartbeat, peer
// exchange, replica transfer, and anti-entropy queries. Every route except
// the join handshake requires the cluster admission hash.
package http_handler

import (
	"context"
	"errors"
	"strconv"

	sdklogger "github.com/anthanhphan/gosdk/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/distorage-io/distorage/internal/node/domain"
	"github.com/distorage-io/distorage/internal/node/port"
	"github.com/distorage-io/distorage/pkg/membership"
)

// Cluster is the membership surface the peer plane exposes. Implemented by
// membership.Manager.
type Cluster interface {
	AdmitPeer(req membership.JoinRequest) (*membership.JoinAccept, error)
	State() membership.State
	Self() membership.Peer
	Peers() []membership.Peer
	SecretHash() string
}

type Server struct {
	app        *fiber.App
	addr       string
	cluster    Cluster
	replicator port.Replicator
	catalog    port.Catalog
}

// NewServer builds the peer-plane server. bodyLimit bounds blob transfers.
func NewServer(addr string, bodyLimit int, cluster Cluster, replicator port.Replicator, catalog port.Catalog) *Server {
	app := fiber.New(fiber.Config{
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())

	s := &Server{
		app:        app,
		addr:       addr,
		cluster:    cluster,
		replicator: replicator,
		catalog:    catalog,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Post("/v1/cluster/join", s.handleJoin)

	authed := s.app.Group("", s.requireClusterAuth)
	authed.Get("/v1/cluster/ping", s.handlePing)
	authed.Get("/v1/cluster/peers", s.handlePeers)
	authed.Post("/v1/replica/record", s.handleRecordPush)
	authed.Get("/v1/replica/record", s.handleRecordPull)
	authed.Post("/v1/replica/blob/:hash", s.handleBlobPush)
	authed.Get("/v1/replica/blob/:hash", s.handleBlobPull)
	authed.Get("/v1/replica/digest", s.handleDigest)
	authed.Get("/v1/replica/bucket/:id", s.handleBucket)
}

func (s *Server) Start() error {
	return s.app.Listen(s.addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.app.Shutdown()
}

// App exposes the fiber app for in-process testing.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) sendJSONError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}

// requireClusterAuth rejects peer-plane requests without the matching
// admission hash.
func (s *Server) requireClusterAuth(c *fiber.Ctx) error {
	if c.Get(membership.AuthHeader) != s.cluster.SecretHash() {
		return s.sendJSONError(c, fiber.StatusUnauthorized, "cluster authentication failed")
	}
	return c.Next()
}

func (s *Server) handleJoin(c *fiber.Ctx) error {
	var req membership.JoinRequest
	if err := c.BodyParser(&req); err != nil {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Malformed join request")
	}

	accept, err := s.cluster.AdmitPeer(req)
	if err != nil {
		if errors.Is(err, membership.ErrAuthenticationFailed) {
			return s.sendJSONError(c, fiber.StatusUnauthorized, "cluster authentication failed")
		}
		sdklogger.Warnw("Admission failed", "node_id", req.NodeID, "error", err.Error())
		return s.sendJSONError(c, fiber.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(accept)
}

func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON(membership.PingReply{
		NodeID: s.cluster.Self().ID,
		State:  s.cluster.State(),
	})
}

func (s *Server) handlePeers(c *fiber.Ctx) error {
	return c.JSON(append(s.cluster.Peers(), s.cluster.Self()))
}

func (s *Server) handleRecordPush(c *fiber.Ctx) error {
	var env domain.RecordEnvelope
	if err := c.BodyParser(&env); err != nil {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Malformed record envelope")
	}

	if err := s.replicator.Apply(c.Context(), env); err != nil {
		sdklogger.Warnw("Record apply failed", "key", env.Key, "error", err.Error())
		return s.sendJSONError(c, fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{"applied": env.Key})
}

func (s *Server) handleRecordPull(c *fiber.Ctx) error {
	kind := c.Query("kind")
	key := c.Query("key")
	if kind == "" || key == "" {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Missing 'kind' or 'key' query parameter")
	}

	env, err := s.replicator.Envelope(c.Context(), kind, key)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return s.sendJSONError(c, fiber.StatusNotFound, "record not found")
		}
		return s.sendJSONError(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(env)
}

func (s *Server) handleBlobPush(c *fiber.Ctx) error {
	hash := c.Params("hash")
	if err := s.catalog.StoreBlob(c.Context(), hash, c.Body()); err != nil {
		sdklogger.Warnw("Blob store failed", "hash", hash, "error", err.Error())
		return s.sendJSONError(c, fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{"stored": hash})
}

func (s *Server) handleBlobPull(c *fiber.Ctx) error {
	data, err := s.catalog.LoadBlob(c.Context(), c.Params("hash"))
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return s.sendJSONError(c, fiber.StatusNotFound, "blob not held here")
		}
		return s.sendJSONError(c, fiber.StatusInternalServerError, err.Error())
	}
	c.Set("Content-Type", "application/octet-stream")
	return c.Send(data)
}

func (s *Server) handleDigest(c *fiber.Ctx) error {
	withLeaves := c.Query("leaves") == "1"
	return c.JSON(s.replicator.Digest(withLeaves))
}

func (s *Server) handleBucket(c *fiber.Ctx) error {
	bucket, err := strconv.Atoi(c.Params("id"))
	if err != nil || bucket < 0 {
		return s.sendJSONError(c, fiber.StatusBadRequest, "Invalid bucket id")
	}
	entries := s.replicator.ListBucket(bucket)
	if entries == nil {
		entries = []domain.BucketEntry{}
	}
	return c.JSON(entries)
}
