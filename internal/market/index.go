package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pollscan/internal/batch"
	"pollscan/internal/chain"
	"pollscan/internal/notify"
	"pollscan/pkg/types"
)

// ErrLoadInFlight is returned by Load while another load is running.
var ErrLoadInFlight = errors.New("markets load already in progress")

// MarketSource is the read side of the market factory and market contracts.
type MarketSource interface {
	PollMarkets(ctx context.Context, polls []common.Address) (map[common.Address]chain.PollMarkets, error)
	States(ctx context.Context, markets map[common.Address]types.MarketType) (map[common.Address]*types.MarketSummary, error)
	Decimals(ctx context.Context, tokens []common.Address) (map[common.Address]uint8, error)
}

// IndexSnapshot maps poll address to its markets. Published maps are never
// mutated.
type IndexSnapshot struct {
	Markets   map[common.Address]types.MarketPair
	UpdatedAt time.Time
}

// IndexReport summarizes one load.
type IndexReport struct {
	Polls      int
	WithMarket int
	Failed     int // polls whose batch was abandoned; previous entries kept
	Duration   time.Duration
}

// MarketsIndex keeps the poll -> markets mapping. Loads run in batches of
// polls; a batch that keeps failing keeps the entries of the previous load.
type MarketsIndex struct {
	source MarketSource
	exec   *batch.Executor
	logger *slog.Logger

	running atomic.Bool
	current atomic.Pointer[IndexSnapshot]

	mu       sync.Mutex
	decimals map[common.Address]uint8 // collateral token -> decimals, never changes on-chain
	progress types.Progress

	updates notify.Broadcaster[IndexSnapshot]
}

// NewMarketsIndex creates an empty index. The executor ratchets: a batch
// size that had to shrink stays small for the rest of the session.
func NewMarketsIndex(source MarketSource, policy batch.Policy, logger *slog.Logger) *MarketsIndex {
	policy.Ratchet = true
	logger = logger.With("component", "markets_index")
	idx := &MarketsIndex{
		source:   source,
		exec:     batch.NewExecutor(policy, logger),
		logger:   logger,
		decimals: make(map[common.Address]uint8),
		progress: types.Progress{Phase: types.PhaseIdle},
	}
	idx.current.Store(&IndexSnapshot{Markets: map[common.Address]types.MarketPair{}})
	return idx
}

// Load resolves the markets of every poll and publishes a new snapshot.
func (x *MarketsIndex) Load(ctx context.Context, polls []common.Address) (IndexReport, error) {
	return x.LoadWithProgress(ctx, polls, nil)
}

// LoadWithProgress is Load with a callback invoked after every batch.
func (x *MarketsIndex) LoadWithProgress(ctx context.Context, polls []common.Address, progress func(types.Progress)) (IndexReport, error) {
	if !x.running.CompareAndSwap(false, true) {
		return IndexReport{}, ErrLoadInFlight
	}
	defer x.running.Store(false)

	started := time.Now()
	prev := x.current.Load().Markets
	next := make(map[common.Address]types.MarketPair, len(polls))
	rep := IndexReport{Polls: len(polls)}

	var fetched map[common.Address]types.MarketPair
	fn := func(ctx context.Context, sp batch.Span) error {
		pairs, err := x.loadBatch(ctx, polls[sp.Start:sp.End])
		if err != nil {
			return err
		}
		fetched = pairs
		return nil
	}
	settled := func(sp batch.Span, err error, done, total int) {
		if err != nil {
			rep.Failed += sp.Len()
			for _, p := range polls[sp.Start:sp.End] {
				if pair, ok := prev[p]; ok {
					next[p] = pair
				}
			}
		} else {
			maps.Copy(next, fetched)
		}
		fetched = nil
		p := types.Progress{Phase: types.PhaseLoadingMarkets, Done: done, Total: total}
		x.setProgress(p)
		if progress != nil {
			progress(p)
		}
	}

	if _, err := x.exec.Run(ctx, len(polls), fn, settled); err != nil {
		x.setProgress(types.Progress{Phase: types.PhaseIdle})
		return rep, err
	}

	for _, pair := range next {
		if !pair.Empty() {
			rep.WithMarket++
		}
	}
	snap := &IndexSnapshot{Markets: next, UpdatedAt: time.Now()}
	x.current.Store(snap)
	x.setProgress(types.Progress{Phase: types.PhaseDone, Done: len(polls), Total: len(polls)})
	x.updates.Publish(*snap)

	rep.Duration = time.Since(started)
	x.logger.Info("markets loaded",
		"polls", rep.Polls,
		"with_market", rep.WithMarket,
		"failed", rep.Failed,
		"duration", rep.Duration,
	)
	return rep, nil
}

// LoadAsync runs Load in the background, logging the outcome.
func (x *MarketsIndex) LoadAsync(ctx context.Context, polls []common.Address) {
	go func() {
		if _, err := x.Load(ctx, polls); err != nil && !errors.Is(err, context.Canceled) {
			x.logger.Warn("markets load failed", "error", err)
		}
	}()
}

// loadBatch discovers, reads and decorates the markets of one batch of polls.
func (x *MarketsIndex) loadBatch(ctx context.Context, polls []common.Address) (map[common.Address]types.MarketPair, error) {
	discovered, err := x.source.PollMarkets(ctx, polls)
	if err != nil {
		return nil, err
	}

	kinds := make(map[common.Address]types.MarketType)
	for _, pm := range discovered {
		if pm.AMM != (common.Address{}) {
			kinds[pm.AMM] = types.MarketAMM
		}
		if pm.PariMutuel != (common.Address{}) {
			kinds[pm.PariMutuel] = types.MarketPariMutuel
		}
	}

	var states map[common.Address]*types.MarketSummary
	if len(kinds) > 0 {
		if states, err = x.source.States(ctx, kinds); err != nil {
			return nil, err
		}
		if err := x.decorate(ctx, states); err != nil {
			return nil, err
		}
	}

	out := make(map[common.Address]types.MarketPair, len(discovered))
	for poll, pm := range discovered {
		out[poll] = types.MarketPair{AMM: states[pm.AMM], PariMutuel: states[pm.PariMutuel]}
	}
	return out, nil
}

// decorate fills CollateralDecimals, reading only tokens not seen before.
// Tokens whose read failed stay unknown and are read again next load.
func (x *MarketsIndex) decorate(ctx context.Context, states map[common.Address]*types.MarketSummary) error {
	x.mu.Lock()
	var missing []common.Address
	seen := make(map[common.Address]bool)
	for _, s := range states {
		tok := s.CollateralToken
		if _, ok := x.decimals[tok]; ok || seen[tok] || tok == (common.Address{}) {
			continue
		}
		seen[tok] = true
		missing = append(missing, tok)
	}
	x.mu.Unlock()

	if len(missing) > 0 {
		got, err := x.source.Decimals(ctx, missing)
		if err != nil {
			return fmt.Errorf("collateral decimals: %w", err)
		}
		x.mu.Lock()
		maps.Copy(x.decimals, got)
		x.mu.Unlock()
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	unknown := make(map[common.Address]bool)
	for _, s := range states {
		dec, ok := x.decimals[s.CollateralToken]
		s.CollateralDecimals, s.DecimalsKnown = dec, ok
		if !ok && s.CollateralToken != (common.Address{}) {
			unknown[s.CollateralToken] = true
		}
	}
	if len(unknown) > 0 {
		x.logger.Warn("collateral decimals unknown", "tokens", len(unknown))
	}
	return nil
}

func (x *MarketsIndex) setProgress(p types.Progress) {
	x.mu.Lock()
	x.progress = p
	x.mu.Unlock()
}

// Markets returns the current poll -> markets map. Do not modify it.
func (x *MarketsIndex) Markets() map[common.Address]types.MarketPair {
	return x.current.Load().Markets
}

// Market returns the markets of one poll.
func (x *MarketsIndex) Market(poll common.Address) (types.MarketPair, bool) {
	pair, ok := x.current.Load().Markets[poll]
	return pair, ok
}

// Snapshot returns the current index snapshot.
func (x *MarketsIndex) Snapshot() IndexSnapshot { return *x.current.Load() }

// Progress returns the state of the current (or last) load.
func (x *MarketsIndex) Progress() types.Progress {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.progress
}

// Running reports whether a load is in progress.
func (x *MarketsIndex) Running() bool { return x.running.Load() }

// Subscribe delivers each snapshot published by a completed load.
func (x *MarketsIndex) Subscribe() (<-chan IndexSnapshot, func()) { return x.updates.Subscribe() }
