// Package config holds the node's nested runtime configuration,
// grounded on the reference tree's config.Config{Server, Database,
// Network, TxPool, Sender, Auth} shape. Consensus-specific tunables live
// in consensus.Config (spec §6) and are embedded here rather than
// duplicated.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"dex/consensus"
)

// Config is the node's full runtime configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Network   NetworkConfig
	TxPool    TxPoolConfig
	Sender    SenderConfig
	Auth      AuthConfig
	Consensus consensus.Config
}

// ServerConfig covers the HTTPS listener the sender package runs.
type ServerConfig struct {
	TLSMinVersion string // "1.3"
	TLSMaxVersion string // "1.3"

	HTTPTimeout        time.Duration // 30s
	MaxRequestBodySize int64         // 10 << 20

	CertPath string
	KeyPath  string

	ListenAddr string
}

// DatabaseConfig covers the badger-backed CheckpointStore.
type DatabaseConfig struct {
	Dir              string
	ValueLogFileSize int64         // 64 << 20
	MaxBatchSize     int           // 100
	FlushInterval    time.Duration // 200ms
	SyncWrites       bool
}

// NetworkConfig covers cluster membership and peer sampling.
type NetworkConfig struct {
	BasePort           int // 6000
	PeerSampleSize     int // 10
	BroadcastPeerCount int // 5
	MaxBroadcastPeers  int // 20

	ConnectionTimeout time.Duration // 5s
	HandshakeTimeout  time.Duration // 10s
}

// TxPoolConfig covers the pending transaction/observation pools.
type TxPoolConfig struct {
	AcceptedCacheSize int           // entries remembered as already-committed
	TxExpirationTime  time.Duration // 24h
}

// SenderConfig covers the HTTP broadcast fan-out the RemoteSender uses.
type SenderConfig struct {
	WorkerCount   int // 100
	QueueCapacity int // 10000

	DefaultMaxRetries int // 3
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	RequestTimeout    time.Duration
}

// AuthConfig gates the rate limiter in front of the HTTPS listener.
type AuthConfig struct {
	RateLimitRequestCap int           // per-IP requests per window
	RateLimitWindow     time.Duration // window length
	RateLimitCleanup    time.Duration // idle-IP forget interval
}

// DefaultConfig returns the defaults used when no config file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			TLSMinVersion:      "1.3",
			TLSMaxVersion:      "1.3",
			HTTPTimeout:        30 * time.Second,
			MaxRequestBodySize: 10 << 20,
			CertPath:           "server.crt",
			KeyPath:            "server.key",
			ListenAddr:         ":6000",
		},
		Database: DatabaseConfig{
			Dir:              "data/badger",
			ValueLogFileSize: 64 << 20,
			MaxBatchSize:     100,
			FlushInterval:    200 * time.Millisecond,
			SyncWrites:       false,
		},
		Network: NetworkConfig{
			BasePort:           6000,
			PeerSampleSize:     10,
			BroadcastPeerCount: 5,
			MaxBroadcastPeers:  20,
			ConnectionTimeout:  5 * time.Second,
			HandshakeTimeout:   10 * time.Second,
		},
		TxPool: TxPoolConfig{
			AcceptedCacheSize: 1 << 18,
			TxExpirationTime:  24 * time.Hour,
		},
		Sender: SenderConfig{
			WorkerCount:       100,
			QueueCapacity:     10000,
			DefaultMaxRetries: 3,
			BaseRetryDelay:    1 * time.Second,
			MaxRetryDelay:     30 * time.Second,
			RequestTimeout:    5 * time.Second,
		},
		Auth: AuthConfig{
			RateLimitRequestCap: 1000,
			RateLimitWindow:     time.Second,
			RateLimitCleanup:    2 * time.Minute,
		},
		Consensus: *consensus.DefaultConfig(),
	}
}

// LoadFromFile reads a JSON config file over DefaultConfig: fields the
// file does not mention keep their default, fields it sets (zero values
// included) take the file's value. A missing file yields DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.Network.MaxBroadcastPeers <= 0 {
		return fmt.Errorf("config: Network.MaxBroadcastPeers must be positive")
	}
	if c.Consensus.MaxTransactionThreshold == 0 {
		return fmt.Errorf("config: Consensus.MaxTransactionThreshold must be positive")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: Server.ListenAddr must not be empty")
	}
	return nil
}
