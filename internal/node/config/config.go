package config

import (
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/anthanhphan/gosdk/conflux"
	"github.com/anthanhphan/gosdk/logger"
)

// Config holds node configuration
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Gossip      GossipConfig      `json:"gossip" yaml:"gossip"`
	Discovery   DiscoveryConfig   `json:"discovery" yaml:"discovery"`
	Replication ReplicationConfig `json:"replication" yaml:"replication"`
	Store       StoreConfig       `json:"store" yaml:"store"`
	Logger      logger.Config     `json:"logger" yaml:"logger"`
}

type ServerConfig struct {
	NodeID     string `json:"node_id" yaml:"node_id"`
	Hostname   string `json:"hostname" yaml:"hostname"`
	PeerPort   int    `json:"peer_port" yaml:"peer_port"`
	ClientPort int    `json:"client_port" yaml:"client_port"`
	// MaxBlobSize bounds a single upload in bytes.
	MaxBlobSize int `json:"max_blob_size" yaml:"max_blob_size"`
}

type GossipConfig struct {
	Port int `json:"port" yaml:"port"`
}

type DiscoveryConfig struct {
	Port          int           `json:"port" yaml:"port"`
	Window        time.Duration `json:"window" yaml:"window"`
	Retries       int           `json:"retries" yaml:"retries"`
	Backoff       time.Duration `json:"backoff" yaml:"backoff"`
	BroadcastAddr string        `json:"broadcast_addr" yaml:"broadcast_addr"`
}

type ReplicationConfig struct {
	Factor            int           `json:"factor" yaml:"factor"`
	RepairInterval    time.Duration `json:"repair_interval" yaml:"repair_interval"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	SuspectAfter      int           `json:"suspect_after" yaml:"suspect_after"`
	LeaveGrace        time.Duration `json:"leave_grace" yaml:"leave_grace"`
	Workers           int           `json:"workers" yaml:"workers"`
	QueueSize         int           `json:"queue_size" yaml:"queue_size"`
}

type StoreConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// PeerAddr is the peer-plane address announced to the cluster.
func (c *Config) PeerAddr() string {
	return net.JoinHostPort(c.Server.Hostname, strconv.Itoa(c.Server.PeerPort))
}

// PeerListenAddr is the peer-plane bind address.
func (c *Config) PeerListenAddr() string {
	return ":" + strconv.Itoa(c.Server.PeerPort)
}

// ClientListenAddr is the client-plane bind address.
func (c *Config) ClientListenAddr() string {
	return ":" + strconv.Itoa(c.Server.ClientPort)
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:    "127.0.0.1",
			PeerPort:    7601,
			ClientPort:  7600,
			MaxBlobSize: 64 << 20,
		},
		Gossip: GossipConfig{
			Port: 7946,
		},
		Discovery: DiscoveryConfig{
			Port:    9499,
			Window:  3 * time.Second,
			Retries: 3,
			Backoff: 2 * time.Second,
		},
		Replication: ReplicationConfig{
			Factor:            3,
			RepairInterval:    30 * time.Second,
			HeartbeatInterval: 2 * time.Second,
			SuspectAfter:      3,
			LeaveGrace:        30 * time.Second,
			Workers:           8,
			QueueSize:         256,
		},
		Store: StoreConfig{
			DataDir: "./data",
		},
		Logger: logger.Config{
			LogLevel:    logger.LevelInfo,
			LogEncoding: logger.EncodingJSON,
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	configPath := path
	if configPath == "" {
		env := os.Getenv("ENV")
		if env == "" {
			env = "local"
		}
		configPath = filepath.Join("internal", "node", "config", env+".yaml")
	}

	cfg := DefaultConfig()

	parsedCfg, err := conflux.ParseConfig(configPath, cfg)
	if err != nil {
		log.Printf("Config file not found or failed to parse, using defaults if file not specified. Path: %s, Error: %v", configPath, err)
		if path != "" {
			return nil, err
		}
		return cfg, nil
	}

	return parsedCfg, nil
}

// MustLoad loads configuration or exits on error
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}
