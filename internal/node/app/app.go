package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthanhphan/gosdk/logger"

	http_handler "github.com/distorage-io/distorage/internal/node/adapter/inbound/http"
	"github.com/distorage-io/distorage/internal/node/adapter/inbound/ws"
	"github.com/distorage-io/distorage/internal/node/adapter/outbound/peerhttp"
	"github.com/distorage-io/distorage/internal/node/adapter/outbound/store"
	"github.com/distorage-io/distorage/internal/node/config"
	"github.com/distorage-io/distorage/internal/node/domain"
	"github.com/distorage-io/distorage/internal/node/service"
	"github.com/distorage-io/distorage/pkg/discovery"
	"github.com/distorage-io/distorage/pkg/membership"
	"github.com/distorage-io/distorage/pkg/resilience"
)

// Options select how the node enters the cluster on startup.
type Options struct {
	Mode   membership.Mode
	Target string // admission address, connect mode only
	Secret string
}

type App struct {
	cfg      *config.Config
	opts     Options
	store    *store.BadgerStore
	pool     *resilience.Pool
	manager  *membership.Manager
	services *service.Services
	peerSrv  *http_handler.Server
	wsSrv    *ws.Server
}

func New(configPath string, opts Options) (*App, error) {
	// 1. Load Config
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Initialize Logger
	logger.InitLogger(&cfg.Logger)

	if opts.Secret == "" {
		return nil, fmt.Errorf("cluster secret is required")
	}
	if opts.Mode == membership.ModeConnect && opts.Target == "" {
		return nil, fmt.Errorf("connect mode requires a target address")
	}

	if err := os.MkdirAll(cfg.Store.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	// 3. Storage Engine
	badgerStore, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	// If NodeID is empty, generate it based on hostname and port
	nodeID := cfg.Server.NodeID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = fmt.Sprintf("%s-%d", host, cfg.Server.PeerPort)
	}

	// 4. Peer Client
	client := peerhttp.New(membership.AdmissionHash(opts.Secret), 10*time.Second)

	// 5. Discovery
	prober := discovery.NewProber(cfg.Discovery.Port, cfg.Discovery.Window)
	if cfg.Discovery.BroadcastAddr != "" {
		prober.BroadcastAddr = cfg.Discovery.BroadcastAddr
	}

	// 6. Membership
	app := &App{cfg: cfg, opts: opts, store: badgerStore}
	manager := membership.NewManager(membership.Config{
		NodeID:            nodeID,
		AdvertiseAddr:     cfg.PeerAddr(),
		BindAddr:          "0.0.0.0",
		GossipPort:        cfg.Gossip.Port,
		HeartbeatInterval: cfg.Replication.HeartbeatInterval,
		SuspectAfter:      cfg.Replication.SuspectAfter,
		LeaveGrace:        cfg.Replication.LeaveGrace,
		DiscoveryRetries:  cfg.Discovery.Retries,
		DiscoveryBackoff:  cfg.Discovery.Backoff,
		OnPeerLeft: func(p membership.Peer) {
			logger.Infow("Peer departed, scheduling repair", "peer", p.ID)
			if app.services != nil {
				app.services.Repair.Trigger()
			}
		},
		OnChange: func(peers []membership.Peer) {
			app.persistSnapshot(peers)
		},
	}, opts.Secret, client, prober)

	// 7. Services
	pool := resilience.NewPool(cfg.Replication.Workers, cfg.Replication.QueueSize)
	services := service.NewServices(badgerStore, client, manager, pool,
		cfg.Replication.Factor, cfg.Replication.RepairInterval)

	// 8. Servers
	peerSrv := http_handler.NewServer(cfg.PeerListenAddr(), cfg.Server.MaxBlobSize,
		manager, services.Replicator, services.Catalog)
	wsSrv := ws.NewServer(cfg.ClientListenAddr(), services.Directory, services.Catalog)

	app.pool = pool
	app.manager = manager
	app.services = services
	app.peerSrv = peerSrv
	app.wsSrv = wsSrv
	return app, nil
}

func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.services.LoadIndex(ctx); err != nil {
		return fmt.Errorf("failed to load record index: %w", err)
	}

	// The peer plane must serve before joining: admission targets call back.
	serverErrCh := make(chan error, 2)
	go func() {
		if err := a.peerSrv.Start(); err != nil {
			serverErrCh <- fmt.Errorf("peer server failed: %w", err)
		}
	}()
	go func() {
		if err := a.wsSrv.Start(); err != nil {
			serverErrCh <- fmt.Errorf("client server failed: %w", err)
		}
	}()

	joinCtx, cancelJoin := context.WithTimeout(ctx, 2*time.Minute)
	err := a.manager.Start(joinCtx, a.opts.Mode, a.opts.Target, a.loadSnapshot())
	cancelJoin()
	if err != nil {
		if errors.Is(err, membership.ErrAuthenticationFailed) {
			logger.Errorw("Cluster rejected this node's secret")
		}
		a.shutdown(ctx)
		return fmt.Errorf("failed to join cluster: %w", err)
	}

	responder := discovery.NewResponder(a.cfg.Discovery.Port,
		a.manager.Self().ID, a.cfg.PeerAddr(), a.manager.SecretHash(), a.manager.IsJoined)
	if err := responder.Start(ctx); err != nil {
		logger.Warnw("Discovery responder not started", "error", err.Error())
	}

	go a.services.Repair.Run(ctx)

	logger.Infow("Node serving",
		"id", a.manager.Self().ID,
		"peer_addr", a.cfg.PeerAddr(),
		"client_port", a.cfg.Server.ClientPort,
		"gossip_port", a.cfg.Gossip.Port,
		"mode", string(a.opts.Mode))

	// Wait for shutdown signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	var runErr error
	select {
	case sig := <-stop:
		logger.Infow("Shutdown signal received", "signal", sig.String())
	case err := <-serverErrCh:
		runErr = err
		logger.Errorw("Server exited unexpectedly", "error", err.Error())
	}

	cancel()
	a.shutdown(context.Background())
	return runErr
}

func (a *App) shutdown(ctx context.Context) {
	logger.Info("Shutting down node")

	if err := a.manager.Leave(); err != nil {
		logger.Warnw("Cluster leave failed", "error", err.Error())
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.wsSrv.Stop(stopCtx); err != nil {
		logger.Warnw("Client server stop failed", "error", err.Error())
	}
	if err := a.peerSrv.Stop(stopCtx); err != nil {
		logger.Warnw("Peer server stop failed", "error", err.Error())
	}

	a.pool.Close()
	a.pool.Wait()

	if err := a.store.Close(); err != nil {
		logger.Warnw("Store close failed", "error", err.Error())
	}
}

// persistSnapshot writes the current peer set so a restart can resume
// membership without discovery.
func (a *App) persistSnapshot(peers []membership.Peer) {
	data, err := json.Marshal(peers)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.Put(ctx, domain.PeerSnapshotKey, data); err != nil {
		logger.Warnw("Failed to persist membership snapshot", "error", err.Error())
	}
}

func (a *App) loadSnapshot() []membership.Peer {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := a.store.Get(ctx, domain.PeerSnapshotKey)
	if err != nil {
		return nil
	}
	var peers []membership.Peer
	if err := json.Unmarshal(raw, &peers); err != nil {
		logger.Warnw("Corrupt membership snapshot ignored", "error", err.Error())
		return nil
	}
	return peers
}
