// Package config defines all configuration for the poll scanner.
// Config is loaded from a YAML file (default: configs/config.yaml) layered
// over hard-coded defaults, with every key overridable via POLLSCAN_*
// environment variables (a .env file is honoured when present).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Multicall3Address is the canonical Multicall3 deployment, identical on
// every EVM chain that has it.
const Multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Chain     ChainConfig     `mapstructure:"chain"`
	Epoch     EpochConfig     `mapstructure:"epoch"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Positions PositionsConfig `mapstructure:"positions"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// ChainConfig holds the RPC endpoints and the contract addresses the
// scanner reads from. WSURL is optional; when set, new heads trigger refreshes.
//
//   - RequestsPerSecond / Burst: token bucket applied to every eth_call.
//   - CallTimeout: deadline for a single eth_call (a multicall counts as one).
type ChainConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	WSURL             string        `mapstructure:"ws_url"`
	ChainID           int64         `mapstructure:"chain_id"`
	OracleAddress     string        `mapstructure:"oracle_address"`
	FactoryAddress    string        `mapstructure:"factory_address"`
	MulticallAddress  string        `mapstructure:"multicall_address"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             float64       `mapstructure:"burst"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
}

// EpochConfig describes the oracle's epoch clock.
//
//   - LengthSec: epoch length in seconds (contract-defined).
//   - DeploymentTimestamp: unix time of the oracle deployment; scans never go below its epoch.
//   - LookaheadEpochs: how far past "now" to scan, since polls are indexed by deadline.
//   - PendingTimeoutEpochs: a Pending poll whose check epoch is older than this is flagged stale.
type EpochConfig struct {
	LengthSec            int64 `mapstructure:"length_sec"`
	DeploymentTimestamp  int64 `mapstructure:"deployment_timestamp"`
	LookaheadEpochs      int64 `mapstructure:"lookahead_epochs"`
	PendingTimeoutEpochs int64 `mapstructure:"pending_timeout_epochs"`
}

// ScannerConfig controls the epoch range scan and the cache replay.
type ScannerConfig struct {
	ChunkSize       int           `mapstructure:"chunk_size"`
	CacheChunkSize  int           `mapstructure:"cache_chunk_size"`
	MinChunkSize    int           `mapstructure:"min_chunk_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ChunkPause      time.Duration `mapstructure:"chunk_pause"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxResults      int           `mapstructure:"max_results"`
	StatusFilter    uint8         `mapstructure:"status_filter"`
	TypeFilter      uint8         `mapstructure:"type_filter"`
	FlushEvery      int           `mapstructure:"flush_every"`
	ActivitySize    int           `mapstructure:"activity_size"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// PositionsConfig controls the wallet position scan. An empty Wallet
// disables position scanning entirely.
type PositionsConfig struct {
	Wallet       string        `mapstructure:"wallet"`
	InitialBatch int           `mapstructure:"initial_batch"`
	MinBatch     int           `mapstructure:"min_batch"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BatchPause   time.Duration `mapstructure:"batch_pause"`
	MarketsBatch int           `mapstructure:"markets_batch"`
}

// CacheConfig selects where the epoch cache lives. Bumping Version
// invalidates every stored record.
type CacheConfig struct {
	Version    int         `mapstructure:"version"`
	Backend    string      `mapstructure:"backend"` // "file", "sqlite" or "redis"
	DataDir    string      `mapstructure:"data_dir"`
	SQLitePath string      `mapstructure:"sqlite_path"`
	Redis      RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds connection parameters for the redis cache backend.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	PoolSize   int    `mapstructure:"pool_size"`
	MaxRetries int    `mapstructure:"max_retries"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"` // optional rotating log file
}

// DashboardConfig controls the read-only API server.
//
//   - WSSendBuffer: frames queued per WebSocket client. A client whose queue
//     is full skips progress frames and is dropped on any other frame.
//   - WSWriteWait / WSPongWait: write deadline and keepalive window.
type DashboardConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WSSendBuffer   int           `mapstructure:"ws_send_buffer"`
	WSWriteWait    time.Duration `mapstructure:"ws_write_wait"`
	WSPongWait     time.Duration `mapstructure:"ws_pong_wait"`
}

// defaults are the hard-coded fallbacks for every tunable. Registering them
// with viper also makes each key visible to AutomaticEnv.
var defaults = map[string]any{
	"chain.rpc_url":             "http://127.0.0.1:8545",
	"chain.ws_url":              "",
	"chain.chain_id":            1,
	"chain.oracle_address":      "",
	"chain.factory_address":     "",
	"chain.multicall_address":   Multicall3Address,
	"chain.requests_per_second": 20.0,
	"chain.burst":               40.0,
	"chain.call_timeout":        20 * time.Second,

	"epoch.length_sec":             300,
	"epoch.deployment_timestamp":   0,
	"epoch.lookahead_epochs":       8640, // 30 days of 5-minute epochs
	"epoch.pending_timeout_epochs": 288,

	"scanner.chunk_size":       2000,
	"scanner.cache_chunk_size": 500,
	"scanner.min_chunk_size":   50,
	"scanner.max_retries":      6,
	"scanner.chunk_pause":      100 * time.Millisecond,
	"scanner.retry_delay":      500 * time.Millisecond,
	"scanner.max_results":      200,
	"scanner.status_filter":    0,
	"scanner.type_filter":      0,
	"scanner.flush_every":      3,
	"scanner.activity_size":    50,
	"scanner.refresh_interval": 60 * time.Second,

	"positions.wallet":        "",
	"positions.initial_batch": 200,
	"positions.min_batch":     10,
	"positions.max_retries":   6,
	"positions.batch_pause":   50 * time.Millisecond,
	"positions.markets_batch": 500,

	"cache.version":     1,
	"cache.backend":     "file",
	"cache.data_dir":    "data",
	"cache.sqlite_path": "data/pollscan.db",
	"cache.redis.addr":  "127.0.0.1:6379",
	"cache.redis.db":    0,

	"logging.level":  "info",
	"logging.format": "text",
	"logging.file":   "",

	"dashboard.enabled":        true,
	"dashboard.port":           8080,
	"dashboard.ws_send_buffer": 64,
	"dashboard.ws_write_wait":  10 * time.Second,
	"dashboard.ws_pong_wait":   60 * time.Second,
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error: defaults plus POLLSCAN_* variables are enough to run.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("POLLSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required (set POLLSCAN_CHAIN_RPC_URL)")
	}
	for name, addr := range map[string]string{
		"chain.oracle_address":    c.Chain.OracleAddress,
		"chain.factory_address":   c.Chain.FactoryAddress,
		"chain.multicall_address": c.Chain.MulticallAddress,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a hex address, got %q", name, addr)
		}
	}
	if c.Positions.Wallet != "" && !common.IsHexAddress(c.Positions.Wallet) {
		return fmt.Errorf("positions.wallet must be a hex address, got %q", c.Positions.Wallet)
	}
	if c.Chain.RequestsPerSecond <= 0 {
		return fmt.Errorf("chain.requests_per_second must be > 0")
	}
	if c.Epoch.LengthSec <= 0 {
		return fmt.Errorf("epoch.length_sec must be > 0")
	}
	if c.Epoch.LookaheadEpochs < 0 {
		return fmt.Errorf("epoch.lookahead_epochs must be >= 0")
	}
	if c.Scanner.MinChunkSize <= 0 || c.Scanner.ChunkSize < c.Scanner.MinChunkSize {
		return fmt.Errorf("scanner.chunk_size must be >= scanner.min_chunk_size > 0")
	}
	if c.Scanner.CacheChunkSize <= 0 {
		return fmt.Errorf("scanner.cache_chunk_size must be > 0")
	}
	if c.Scanner.MaxResults <= 0 {
		return fmt.Errorf("scanner.max_results must be > 0")
	}
	if c.Scanner.ActivitySize <= 0 {
		return fmt.Errorf("scanner.activity_size must be > 0")
	}
	if c.Scanner.RefreshInterval <= 0 {
		return fmt.Errorf("scanner.refresh_interval must be > 0")
	}
	if c.Positions.MinBatch <= 0 || c.Positions.InitialBatch < c.Positions.MinBatch {
		return fmt.Errorf("positions.initial_batch must be >= positions.min_batch > 0")
	}
	switch c.Cache.Backend {
	case "file", "sqlite", "redis":
	default:
		return fmt.Errorf("cache.backend must be one of: file, sqlite, redis")
	}
	return nil
}

// DeploymentEpoch is the first epoch the oracle could have indexed.
func (c *Config) DeploymentEpoch() int64 {
	if c.Epoch.LengthSec <= 0 {
		return 0
	}
	return c.Epoch.DeploymentTimestamp / c.Epoch.LengthSec
}
