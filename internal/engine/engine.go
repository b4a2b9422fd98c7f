// Package engine is the central orchestrator of the poll scanner.
//
// It wires together all subsystems:
//
//  1. The Aggregator scans the oracle's epoch index and keeps the poll collection.
//  2. The MarketsIndex maps each poll to its AMM and pari-mutuel markets.
//  3. The portfolio Scanner (only with a configured wallet) values the wallet's holdings.
//  4. An optional HeadWatcher turns new chain heads into refreshes at epoch boundaries.
//
// A refresh runs on a ticker, on each new epoch and on demand. After every
// poll refresh the markets are reloaded; with a wallet, the position scan
// performs that reload itself before resolving holdings.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"pollscan/internal/api"
	"pollscan/internal/batch"
	"pollscan/internal/chain"
	"pollscan/internal/config"
	"pollscan/internal/market"
	"pollscan/internal/portfolio"
	"pollscan/internal/store"
	"pollscan/pkg/types"
)

// EpochFeed delivers epoch numbers as the chain advances.
// *chain.HeadWatcher satisfies it.
type EpochFeed interface {
	Epochs() <-chan int64
	Run(ctx context.Context) error
}

// AllowanceReader reads ERC-20 allowances. *chain.Positions satisfies it.
type AllowanceReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Components are the chain-facing dependencies of an Engine.
type Components struct {
	Polls      market.PollSource
	Cache      market.EpochStore
	Markets    market.MarketSource
	Holdings   portfolio.HoldingsReader
	Allowances AllowanceReader
	Status     portfolio.StatusReader
	Heads      EpochFeed // optional
}

// Engine owns the poll, market and position repositories and the loop that
// refreshes them.
type Engine struct {
	cfg       *config.Config
	polls     *market.Aggregator
	index     *market.MarketsIndex
	positions *portfolio.Scanner // nil without a wallet
	allowance AllowanceReader
	heads     EpochFeed
	closers   []func()
	logger    *slog.Logger

	// trigger holds at most one pending manual refresh.
	trigger chan struct{}

	// dashboardEvents is nil if the dashboard is disabled.
	dashboardEvents chan api.DashboardEvent

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

// New dials the RPC endpoint, opens the epoch cache and wires all engine
// components.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	eth, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}

	limiter := chain.NewTokenBucket(cfg.Chain.Burst, cfg.Chain.RequestsPerSecond)
	client := chain.NewClient(eth, limiter, cfg.Chain.CallTimeout, logger)
	mc := chain.NewMulticall(client, common.HexToAddress(cfg.Chain.MulticallAddress))
	oracle := chain.NewOracle(client, mc, chain.OracleConfig{
		Address:      common.HexToAddress(cfg.Chain.OracleAddress),
		StatusFilter: cfg.Scanner.StatusFilter,
		TypeFilter:   cfg.Scanner.TypeFilter,
		MaxResults:   cfg.Scanner.MaxResults,
	})

	backend, err := store.Open(ctx, cfg.Cache)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("open epoch cache: %w", err)
	}

	holdings := chain.NewPositions(client, mc)
	parts := Components{
		Polls:      oracle,
		Cache:      store.NewEpochCache(backend, logger),
		Markets:    chain.NewMarkets(mc, common.HexToAddress(cfg.Chain.FactoryAddress)),
		Holdings:   holdings,
		Allowances: holdings,
		Status:     oracle,
	}
	if cfg.Chain.WSURL != "" {
		parts.Heads = chain.NewHeadWatcher(cfg.Chain.WSURL, cfg.Epoch.LengthSec, logger)
	}

	e := NewWithComponents(cfg, parts, logger)
	e.closers = append(e.closers,
		func() {
			if err := backend.Close(); err != nil {
				e.logger.Error("failed to close epoch cache", "error", err)
			}
		},
		eth.Close,
	)
	return e, nil
}

// NewWithComponents builds an engine around already constructed
// dependencies.
func NewWithComponents(cfg *config.Config, parts Components, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		polls:     market.NewAggregator(parts.Polls, parts.Cache, market.NewAggregatorConfig(cfg), logger),
		index:     market.NewMarketsIndex(parts.Markets, marketsPolicy(cfg), logger),
		allowance: parts.Allowances,
		heads:     parts.Heads,
		logger:    logger.With("component", "engine"),
		trigger:   make(chan struct{}, 1),
	}
	if cfg.Positions.Wallet != "" {
		e.positions = portfolio.NewScanner(e.polls, e.index, parts.Holdings, parts.Status, portfolio.Config{
			Wallet:      common.HexToAddress(cfg.Positions.Wallet),
			EpochLength: cfg.Epoch.LengthSec,
			Batch:       positionsPolicy(cfg),
		}, logger)
	}
	if cfg.Dashboard.Enabled {
		e.dashboardEvents = make(chan api.DashboardEvent, 100)
	}
	return e
}

func marketsPolicy(cfg *config.Config) batch.Policy {
	return batch.Policy{
		Initial:    cfg.Positions.MarketsBatch,
		Floor:      cfg.Positions.MinBatch,
		MaxRetries: cfg.Positions.MaxRetries,
		Pause:      cfg.Positions.BatchPause,
		RetryDelay: cfg.Scanner.RetryDelay,
	}
}

func positionsPolicy(cfg *config.Config) batch.Policy {
	return batch.Policy{
		Initial:    cfg.Positions.InitialBatch,
		Floor:      cfg.Positions.MinBatch,
		MaxRetries: cfg.Positions.MaxRetries,
		Pause:      cfg.Positions.BatchPause,
		RetryDelay: cfg.Scanner.RetryDelay,
	}
}

// Start launches the refresh loop, the head watcher and the event
// forwarders. The first refresh begins immediately.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	e.group = g

	if e.heads != nil {
		g.Go(func() error {
			if err := e.heads.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("head watcher: %w", err)
			}
			return nil
		})
	}

	progress, unsubProgress := e.polls.SubscribeProgress()
	indexUpdates, unsubIndex := e.index.Subscribe()
	g.Go(func() error {
		defer unsubProgress()
		defer unsubIndex()
		e.forwardPolls(ctx, progress, indexUpdates)
		return nil
	})

	if e.positions != nil {
		updates, unsub := e.positions.Subscribe()
		g.Go(func() error {
			defer unsub()
			e.forwardPositions(ctx, updates)
			return nil
		})
	}

	g.Go(func() error {
		e.refreshLoop(ctx)
		return nil
	})

	e.logger.Info("engine started",
		"oracle", e.cfg.Chain.OracleAddress,
		"wallet", e.cfg.Positions.Wallet,
		"heads", e.heads != nil,
		"refresh_interval", e.cfg.Scanner.RefreshInterval,
	)
	return nil
}

// Stop cancels all goroutines, waits for them and releases resources.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("shutting down...")
		if e.cancel != nil {
			e.cancel()
		}
		if e.group != nil {
			if err := e.group.Wait(); err != nil {
				e.logger.Error("engine goroutine failed", "error", err)
			}
		}
		for _, c := range e.closers {
			c()
		}
		e.logger.Info("shutdown complete")
	})
}

// refreshLoop runs one cycle at start and then on every tick, new epoch or
// manual trigger. Cycles never overlap.
func (e *Engine) refreshLoop(ctx context.Context) {
	e.cycle(ctx)

	ticker := time.NewTicker(e.cfg.Scanner.RefreshInterval)
	defer ticker.Stop()

	var epochs <-chan int64
	if e.heads != nil {
		epochs = e.heads.Epochs()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cycle(ctx)
		case <-e.trigger:
			e.logger.Info("manual refresh")
			e.cycle(ctx)
		case epoch := <-epochs:
			e.logger.Debug("new epoch", "epoch", epoch)
			e.cycle(ctx)
		}
	}
}

// cycle refreshes the polls, then the markets and positions.
func (e *Engine) cycle(ctx context.Context) {
	rep, err := e.polls.Refresh(ctx)
	switch {
	case errors.Is(err, market.ErrRefreshInFlight):
		e.logger.Debug("poll refresh already running")
		return
	case ctx.Err() != nil:
		return
	case err != nil:
		e.logger.Error("poll refresh failed", "error", err)
		return
	}

	e.logger.Info("polls refreshed",
		"current_epoch", rep.CurrentEpoch,
		"cache_hit", rep.CacheHit,
		"total", rep.Total,
		"failed_chunks", rep.FailedChunks,
		"resolved", len(rep.Resolved),
		"duration", rep.Duration,
	)
	for _, entry := range rep.Resolved {
		e.emitDashboardEvent(api.NewResolvedEvent(entry))
	}
	snap := e.polls.Snapshot()
	e.emitDashboardEvent(api.NewPollsEvent(len(snap.Polls), snap.CurrentEpoch, snap.Refreshing))

	if e.positions != nil {
		prep, err := e.positions.ScanAll(ctx)
		switch {
		case errors.Is(err, portfolio.ErrScanInFlight):
			e.logger.Debug("position scan already running")
		case err != nil && ctx.Err() == nil:
			e.logger.Error("position scan failed", "error", err)
		case err == nil:
			e.logger.Info("positions scanned",
				"queried", prep.Queried,
				"positions", prep.Positions,
				"failed", prep.Failed,
				"batch", prep.BatchSize,
				"duration", prep.Duration,
			)
		}
		return
	}

	addrs := make([]common.Address, len(snap.Polls))
	for i, p := range snap.Polls {
		addrs[i] = p.Address
	}
	irep, err := e.index.Load(ctx, addrs)
	switch {
	case errors.Is(err, market.ErrLoadInFlight):
		e.logger.Debug("markets load already running")
	case err != nil && ctx.Err() == nil:
		e.logger.Error("markets load failed", "error", err)
	case err == nil:
		e.logger.Info("markets loaded",
			"polls", irep.Polls,
			"with_market", irep.WithMarket,
			"failed", irep.Failed,
			"duration", irep.Duration,
		)
	}
}

func (e *Engine) forwardPolls(ctx context.Context, progress <-chan types.Progress, index <-chan market.IndexSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-progress:
			e.emitDashboardEvent(api.NewProgressEvent(api.SourcePolls, p))
		case snap := <-index:
			withMarket := 0
			for _, pair := range snap.Markets {
				if !pair.Empty() {
					withMarket++
				}
			}
			e.emitDashboardEvent(api.NewMarketsEvent(withMarket))
		}
	}
}

func (e *Engine) forwardPositions(ctx context.Context, updates <-chan portfolio.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			e.emitDashboardEvent(api.NewProgressEvent(api.SourcePositions, snap.Progress))
			if snap.Progress.Phase == types.PhaseDone {
				e.emitDashboardEvent(api.NewPositionsEvent(snap.Wallet.Hex(), len(snap.Positions), snap.TotalValue))
			}
		}
	}
}

// emitDashboardEvent sends an event to the dashboard without blocking.
func (e *Engine) emitDashboardEvent(evt api.DashboardEvent) {
	if e.dashboardEvents == nil {
		return
	}
	select {
	case e.dashboardEvents <- evt:
	default:
		e.logger.Debug("dashboard event dropped", "type", evt.Type)
	}
}

// ————————————————————————————————————————————————————————————————————————
// api.Provider
// ————————————————————————————————————————————————————————————————————————

var _ api.Provider = (*Engine)(nil)

// PollsSnapshot returns the current poll collection.
func (e *Engine) PollsSnapshot() market.Snapshot { return e.polls.Snapshot() }

// Poll returns one poll by address.
func (e *Engine) Poll(addr common.Address) (market.PollView, bool) { return e.polls.Poll(addr) }

// MarketsSnapshot returns the current markets index.
func (e *Engine) MarketsSnapshot() market.IndexSnapshot { return e.index.Snapshot() }

// Positions returns the wallet's positions, or false without a wallet.
func (e *Engine) Positions() (portfolio.Snapshot, bool) {
	if e.positions == nil {
		return portfolio.Snapshot{}, false
	}
	return e.positions.Snapshot(), true
}

// Activity returns recent resolutions, newest first.
func (e *Engine) Activity() []types.ActivityEntry { return e.polls.Activity() }

// TriggerRefresh queues a refresh cycle. It reports false when one is
// already queued.
func (e *Engine) TriggerRefresh() bool {
	select {
	case e.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RefreshPosition re-reads the wallet's position in one poll.
func (e *Engine) RefreshPosition(ctx context.Context, poll common.Address) (*types.UserPosition, error) {
	if e.positions == nil {
		return nil, portfolio.ErrNoWallet
	}
	pos, err := e.positions.RefreshPosition(ctx, poll)
	if err != nil {
		return nil, err
	}
	snap := e.positions.Snapshot()
	e.emitDashboardEvent(api.NewPositionsEvent(snap.Wallet.Hex(), len(snap.Positions), snap.TotalValue))
	return pos, nil
}

// Allowance reads how much of token the wallet lets spender move.
func (e *Engine) Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	if e.positions == nil {
		return nil, portfolio.ErrNoWallet
	}
	v, err := e.allowance.Allowance(ctx, token, e.positions.Wallet(), spender)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	return v, nil
}

// DashboardEvents returns the event channel (nil if the dashboard is disabled).
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	return e.dashboardEvents
}
