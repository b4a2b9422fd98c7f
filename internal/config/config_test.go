package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testOracle  = "0x1111111111111111111111111111111111111111"
	testFactory = "0x2222222222222222222222222222222222222222"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Chain.OracleAddress = testOracle
	cfg.Chain.FactoryAddress = testFactory
	return cfg
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Scanner.ChunkSize != 2000 {
		t.Errorf("ChunkSize = %d, want 2000", cfg.Scanner.ChunkSize)
	}
	if cfg.Scanner.RefreshInterval != 60*time.Second {
		t.Errorf("RefreshInterval = %v, want 60s", cfg.Scanner.RefreshInterval)
	}
	if cfg.Chain.MulticallAddress != Multicall3Address {
		t.Errorf("MulticallAddress = %q, want %q", cfg.Chain.MulticallAddress, Multicall3Address)
	}
	if cfg.Cache.Backend != "file" {
		t.Errorf("Cache.Backend = %q, want file", cfg.Cache.Backend)
	}
	if cfg.Dashboard.WSSendBuffer != 64 || cfg.Dashboard.WSPongWait != time.Minute {
		t.Errorf("stream = %d/%v, want 64 and 1m", cfg.Dashboard.WSSendBuffer, cfg.Dashboard.WSPongWait)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := strings.Join([]string{
		"chain:",
		"  oracle_address: " + testOracle,
		"scanner:",
		"  chunk_size: 750",
		"  chunk_pause: 2s",
		"positions:",
		"  initial_batch: 64",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chain.OracleAddress != testOracle {
		t.Errorf("OracleAddress = %q", cfg.Chain.OracleAddress)
	}
	if cfg.Scanner.ChunkSize != 750 {
		t.Errorf("ChunkSize = %d, want 750", cfg.Scanner.ChunkSize)
	}
	if cfg.Scanner.ChunkPause != 2*time.Second {
		t.Errorf("ChunkPause = %v, want 2s", cfg.Scanner.ChunkPause)
	}
	if cfg.Positions.InitialBatch != 64 {
		t.Errorf("InitialBatch = %d, want 64", cfg.Positions.InitialBatch)
	}
	// untouched keys keep their defaults
	if cfg.Scanner.MinChunkSize != 50 {
		t.Errorf("MinChunkSize = %d, want default 50", cfg.Scanner.MinChunkSize)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("POLLSCAN_SCANNER_CHUNK_SIZE", "123")
	t.Setenv("POLLSCAN_EPOCH_LENGTH_SEC", "60")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scanner.ChunkSize != 123 {
		t.Errorf("ChunkSize = %d, want 123 from env", cfg.Scanner.ChunkSize)
	}
	if cfg.Epoch.LengthSec != 60 {
		t.Errorf("LengthSec = %d, want 60 from env", cfg.Epoch.LengthSec)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing oracle", func(c *Config) { c.Chain.OracleAddress = "" }, "chain.oracle_address"},
		{"bad wallet", func(c *Config) { c.Positions.Wallet = "nope" }, "positions.wallet"},
		{"floor above chunk", func(c *Config) { c.Scanner.MinChunkSize = 5000 }, "scanner.chunk_size"},
		{"zero epoch length", func(c *Config) { c.Epoch.LengthSec = 0 }, "epoch.length_sec"},
		{"batch below floor", func(c *Config) { c.Positions.InitialBatch = 1 }, "positions.initial_batch"},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestDeploymentEpoch(t *testing.T) {
	t.Parallel()
	cfg := &Config{Epoch: EpochConfig{LengthSec: 300, DeploymentTimestamp: 3000}}
	if got := cfg.DeploymentEpoch(); got != 10 {
		t.Errorf("DeploymentEpoch() = %d, want 10", got)
	}
}
