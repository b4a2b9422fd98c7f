package api

import (
	"time"

	"pollscan/internal/config"
	"pollscan/internal/market"
	"pollscan/internal/portfolio"
	"pollscan/pkg/types"
)

// DashboardSnapshot represents the complete dashboard state
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Polls     PollsInfo             `json:"polls"`
	Markets   MarketsInfo           `json:"markets"`
	Positions *portfolio.Snapshot   `json:"positions,omitempty"` // nil without a wallet
	Activity  []types.ActivityEntry `json:"activity"`

	Config ConfigSummary `json:"config"`
}

// PollsInfo summarizes the poll collection.
type PollsInfo struct {
	Total        int            `json:"total"`
	Pending      int            `json:"pending"`
	Stale        int            `json:"stale"`
	CurrentEpoch int64          `json:"current_epoch"`
	Refreshing   bool           `json:"refreshing"`
	Progress     types.Progress `json:"progress"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// MarketsInfo summarizes the markets index.
type MarketsInfo struct {
	Polls      int       `json:"polls"` // polls with at least one market
	AMM        int       `json:"amm"`
	PariMutuel int       `json:"pari_mutuel"`
	Live       int       `json:"live"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PollResponse is one poll with its markets.
type PollResponse struct {
	market.PollView
	StatusName string            `json:"status_name"`
	Markets    *types.MarketPair `json:"markets,omitempty"`
}

// MarketEntry is one row of GET /api/markets.
type MarketEntry struct {
	Poll       string               `json:"poll"`
	AMM        *types.MarketSummary `json:"amm,omitempty"`
	PariMutuel *types.MarketSummary `json:"pari_mutuel,omitempty"`
	YesPercent string               `json:"yes_percent,omitempty"` // from the AMM when present
}

// AllowanceResponse is the wallet's ERC-20 allowance for one spender.
type AllowanceResponse struct {
	Owner     string `json:"owner"`
	Token     string `json:"token"`
	Spender   string `json:"spender"`
	Allowance string `json:"allowance"` // base units
}

// ConfigSummary represents the scanner configuration shown on the dashboard
type ConfigSummary struct {
	ChainID        int64  `json:"chain_id"`
	Oracle         string `json:"oracle"`
	Factory        string `json:"factory"`
	EpochLengthSec int64  `json:"epoch_length_sec"`
	Lookahead      int64  `json:"lookahead_epochs"`
	ChunkSize      int    `json:"chunk_size"`
	MinChunkSize   int    `json:"min_chunk_size"`
	CacheBackend   string `json:"cache_backend"`
	CacheVersion   int    `json:"cache_version"`
	Refresh        string `json:"refresh_interval"`
	Wallet         string `json:"wallet,omitempty"`
}

// NewConfigSummary creates config summary from config
func NewConfigSummary(cfg *config.Config) ConfigSummary {
	return ConfigSummary{
		ChainID:        cfg.Chain.ChainID,
		Oracle:         cfg.Chain.OracleAddress,
		Factory:        cfg.Chain.FactoryAddress,
		EpochLengthSec: cfg.Epoch.LengthSec,
		Lookahead:      cfg.Epoch.LookaheadEpochs,
		ChunkSize:      cfg.Scanner.ChunkSize,
		MinChunkSize:   cfg.Scanner.MinChunkSize,
		CacheBackend:   cfg.Cache.Backend,
		CacheVersion:   cfg.Cache.Version,
		Refresh:        cfg.Scanner.RefreshInterval.String(),
		Wallet:         cfg.Positions.Wallet,
	}
}
