// Package portfolio computes a wallet's positions across every known market.
//
// A full scan first (re)loads the markets index, then resolves holdings in
// adaptive multicall batches. The batch size ratchets down on failure and
// stays down for the session. Only polls with a nonzero balance, share or
// stake produce a UserPosition.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"pollscan/internal/batch"
	"pollscan/internal/chain"
	"pollscan/internal/market"
	"pollscan/internal/notify"
	"pollscan/pkg/types"
)

var (
	// ErrScanInFlight is returned by ScanAll while another scan is running.
	ErrScanInFlight = errors.New("position scan already in progress")
	// ErrNoWallet is returned when no wallet address is configured.
	ErrNoWallet = errors.New("no wallet configured")
	// ErrHoldingsUnknown is returned when part of a poll's holdings could
	// not be read. The position list is left as it was.
	ErrHoldingsUnknown = errors.New("holdings read incomplete")
)

// PollSource provides the polls to scan, newest first.
type PollSource interface {
	Polls() []market.PollView
	Poll(addr common.Address) (market.PollView, bool)
}

// MarketIndex provides the markets of each poll.
type MarketIndex interface {
	LoadWithProgress(ctx context.Context, polls []common.Address, progress func(types.Progress)) (market.IndexReport, error)
	Markets() map[common.Address]types.MarketPair
	Market(poll common.Address) (types.MarketPair, bool)
}

// HoldingsReader resolves raw balances.
type HoldingsReader interface {
	Resolve(ctx context.Context, user common.Address, queries []chain.PositionQuery) (map[common.Address]chain.Holdings, error)
}

// StatusReader reads live poll resolution status.
type StatusReader interface {
	FinalizedStatus(ctx context.Context, polls []common.Address) (map[common.Address]chain.Resolution, error)
}

// Config tunes the scanner. Batch.Ratchet is always on.
type Config struct {
	Wallet      common.Address
	EpochLength int64
	Batch       batch.Policy
}

// Snapshot is an immutable view of the wallet's positions.
type Snapshot struct {
	Wallet     common.Address       `json:"wallet"`
	Positions  []types.UserPosition `json:"positions"`
	TotalValue decimal.Decimal      `json:"total_value"`
	Progress   types.Progress       `json:"progress"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// Report summarizes one full scan.
type Report struct {
	Polls     int
	Queried   int
	Positions int
	Failed    int // polls abandoned or partly unreadable; previous positions kept
	BatchSize int
	Duration  time.Duration
}

// Scanner owns the positions list. ScanAll and RefreshPosition are its
// writers and are serialized by writeMu.
type Scanner struct {
	polls    PollSource
	index    MarketIndex
	holdings HoldingsReader
	status   StatusReader
	exec     *batch.Executor
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger

	running atomic.Bool
	writeMu sync.Mutex

	mu       sync.RWMutex
	snapshot Snapshot

	updates notify.Broadcaster[Snapshot]
}

// NewScanner creates a position scanner for cfg.Wallet.
func NewScanner(polls PollSource, index MarketIndex, holdings HoldingsReader, status StatusReader, cfg Config, logger *slog.Logger) *Scanner {
	cfg.Batch.Ratchet = true
	logger = logger.With("component", "positions")
	return &Scanner{
		polls:    polls,
		index:    index,
		holdings: holdings,
		status:   status,
		exec:     batch.NewExecutor(cfg.Batch, logger),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
		snapshot: Snapshot{
			Wallet:     cfg.Wallet,
			TotalValue: decimal.Zero,
			Progress:   types.Progress{Phase: types.PhaseIdle},
		},
	}
}

// ScanAll reloads markets (progress 0-50) and resolves the wallet's holdings
// in every poll that has a market (50-100). A scan started while another
// one runs returns ErrScanInFlight.
func (s *Scanner) ScanAll(ctx context.Context) (Report, error) {
	if s.cfg.Wallet == (common.Address{}) {
		return Report{}, ErrNoWallet
	}
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrScanInFlight
	}
	defer s.running.Store(false)

	started := s.now()
	views := s.polls.Polls()
	rep := Report{Polls: len(views)}

	addrs := make([]common.Address, len(views))
	for i, v := range views {
		addrs[i] = v.Address
	}
	s.setProgress(types.Progress{Phase: types.PhaseLoadingMarkets, Total: 100})
	_, err := s.index.LoadWithProgress(ctx, addrs, func(p types.Progress) {
		s.setProgress(types.Progress{Phase: types.PhaseLoadingMarkets, Done: scaled(p, 0), Total: 100})
	})
	switch {
	case errors.Is(err, market.ErrLoadInFlight):
		s.logger.Info("markets load already running, using current index")
	case err != nil:
		s.setProgress(types.Progress{Phase: types.PhaseIdle})
		return rep, fmt.Errorf("load markets: %w", err)
	}

	markets := s.index.Markets()
	var queries []chain.PositionQuery
	byPoll := make(map[common.Address]market.PollView, len(views))
	for _, v := range views {
		pair, ok := markets[v.Address]
		if !ok || pair.Empty() {
			continue
		}
		queries = append(queries, query(v.Address, pair))
		byPoll[v.Address] = v
	}
	rep.Queried = len(queries)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := make(map[common.Address]types.UserPosition)
	for _, p := range s.Positions() {
		prev[p.PollAddress] = p
	}
	current := types.EpochOf(s.now(), s.cfg.EpochLength)
	found := make(map[common.Address]types.UserPosition)

	var fetched map[common.Address]chain.Holdings
	fn := func(ctx context.Context, sp batch.Span) error {
		h, err := s.holdings.Resolve(ctx, s.cfg.Wallet, queries[sp.Start:sp.End])
		if err != nil {
			return err
		}
		fetched = h
		return nil
	}
	settled := func(sp batch.Span, err error, done, total int) {
		for _, q := range queries[sp.Start:sp.End] {
			h := fetched[q.Poll]
			if err != nil || h.Failed() {
				if p, ok := prev[q.Poll]; ok {
					found[q.Poll] = p
				}
				rep.Failed++
				continue
			}
			pos := s.position(byPoll[q.Poll].Poll, markets[q.Poll], h, current)
			if !pos.IsZero() {
				found[q.Poll] = pos
			}
		}
		fetched = nil
		s.setProgress(types.Progress{
			Phase: types.PhaseScanningPositions,
			Done:  scaled(types.Progress{Done: done, Total: total}, 50),
			Total: 100,
		})
	}

	brep, err := s.exec.Run(ctx, len(queries), fn, settled)
	rep.BatchSize = brep.Size
	if err != nil {
		s.setProgress(types.Progress{Phase: types.PhaseIdle})
		return rep, err
	}

	// keep poll order: newest index epoch first
	positions := make([]types.UserPosition, 0, len(found))
	for _, v := range views {
		if p, ok := found[v.Address]; ok {
			positions = append(positions, p)
		}
	}
	rep.Positions = len(positions)
	s.install(positions, types.Progress{Phase: types.PhaseDone, Done: 100, Total: 100})

	rep.Duration = s.now().Sub(started)
	s.logger.Info("position scan complete",
		"wallet", s.cfg.Wallet.Hex(),
		"polls", rep.Polls,
		"queried", rep.Queried,
		"positions", rep.Positions,
		"failed", rep.Failed,
		"batch_size", rep.BatchSize,
		"duration", rep.Duration,
	)
	return rep, nil
}

// RefreshPosition re-reads one poll's status and holdings and patches the
// list: replace if present, append if new, remove if now zero.
func (s *Scanner) RefreshPosition(ctx context.Context, poll common.Address) (*types.UserPosition, error) {
	if s.cfg.Wallet == (common.Address{}) {
		return nil, ErrNoWallet
	}
	view, ok := s.polls.Poll(poll)
	if !ok {
		return nil, fmt.Errorf("refresh position %s: unknown poll", poll.Hex())
	}
	p := view.Poll

	res, err := s.status.FinalizedStatus(ctx, []common.Address{poll})
	if err != nil {
		return nil, fmt.Errorf("refresh position status: %w", err)
	}
	if r, ok := res[poll]; ok {
		p.Status = r.Status
	}

	var pos types.UserPosition
	if pair, ok := s.index.Market(poll); ok && !pair.Empty() {
		h, err := s.holdings.Resolve(ctx, s.cfg.Wallet, []chain.PositionQuery{query(poll, pair)})
		if err != nil {
			return nil, fmt.Errorf("refresh position holdings: %w", err)
		}
		if h[poll].Failed() {
			return nil, fmt.Errorf("refresh position %s: %w", poll.Hex(), ErrHoldingsUnknown)
		}
		pos = s.position(p, pair, h[poll], types.EpochOf(s.now(), s.cfg.EpochLength))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.Positions()
	next := make([]types.UserPosition, 0, len(current)+1)
	replaced := false
	for _, c := range current {
		if c.PollAddress != poll {
			next = append(next, c)
			continue
		}
		replaced = true
		if !pos.IsZero() {
			next = append(next, pos)
		}
	}
	if !replaced && !pos.IsZero() {
		next = append(next, pos)
	}
	s.install(next, s.Progress())

	if pos.IsZero() {
		return nil, nil
	}
	return &pos, nil
}

// position builds the UserPosition for one poll. A zero result means the
// wallet holds nothing there.
func (s *Scanner) position(p types.Poll, pair types.MarketPair, h chain.Holdings, current int64) types.UserPosition {
	pos := types.UserPosition{
		PollAddress:    p.Address,
		PollQuestion:   p.Question,
		PollStatus:     p.Status,
		IsFinalized:    p.IsFinalized(current),
		CloseTimestamp: types.EpochStart(p.DeadlineEpoch, s.cfg.EpochLength),
		TotalValue:     decimal.Zero,
	}
	if !h.AMM.IsZero() {
		pos.AMM = h.AMM
	}
	if !h.Pari.IsZero() {
		pos.Pari = h.Pari
	}
	pos.TotalValue = Value(p.Status, pair, pos.AMM, pos.Pari)
	return pos
}

// Value prices a position in collateral units.
//
// AMM: yes*p + no*(1-p) + lp*tvl/supply, where p is the market's yes
// probability, or 1, 0 and 1/2 once the poll resolved Yes, No or Unknown.
// Pari-mutuel: yesStake + noStake.
// A side whose collateral decimals are unknown adds nothing.
func Value(status types.PollStatus, pair types.MarketPair, amm *types.AmmPosition, pari *types.PariPosition) decimal.Decimal {
	total := decimal.Zero
	if amm != nil && pair.AMM != nil && pair.AMM.DecimalsKnown {
		dec := pair.AMM.CollateralDecimals
		p := probability(status, *pair.AMM)
		one := decimal.NewFromInt(1)

		total = total.
			Add(types.ToUnits(amm.YesBalance, dec).Mul(p)).
			Add(types.ToUnits(amm.NoBalance, dec).Mul(one.Sub(p)))

		if amm.LPTotalSupply != nil && amm.LPTotalSupply.Sign() > 0 && amm.LPShares != nil {
			share := new(big.Int).Mul(amm.LPShares, pair.AMM.CollateralTVL)
			share.Quo(share, amm.LPTotalSupply)
			total = total.Add(types.ToUnits(share, dec))
		}
	}
	if pari != nil && pair.PariMutuel != nil && pair.PariMutuel.DecimalsKnown {
		dec := pair.PariMutuel.CollateralDecimals
		total = total.
			Add(types.ToUnits(pari.YesStake, dec)).
			Add(types.ToUnits(pari.NoStake, dec))
	}
	return total
}

func probability(status types.PollStatus, m types.MarketSummary) decimal.Decimal {
	switch status {
	case types.StatusYes:
		return decimal.NewFromInt(1)
	case types.StatusNo:
		return decimal.Zero
	case types.StatusUnknown:
		return decimal.NewFromFloat(0.5)
	default:
		return m.YesProbability()
	}
}

func query(poll common.Address, pair types.MarketPair) chain.PositionQuery {
	q := chain.PositionQuery{Poll: poll}
	if pair.AMM != nil {
		q.AMM = pair.AMM.MarketAddress
	}
	if pair.PariMutuel != nil {
		q.PariMutuel = pair.PariMutuel.MarketAddress
	}
	return q
}

// scaled maps a phase's progress onto 50 points starting at base.
func scaled(p types.Progress, base int) int {
	if p.Total <= 0 {
		return base + 50
	}
	return base + min(50, p.Done*50/p.Total)
}

// install swaps in a new positions list and publishes it.
func (s *Scanner) install(positions []types.UserPosition, progress types.Progress) {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.TotalValue)
	}
	s.mu.Lock()
	s.snapshot = Snapshot{
		Wallet:     s.cfg.Wallet,
		Positions:  slices.Clip(positions),
		TotalValue: total,
		Progress:   progress,
		UpdatedAt:  s.now(),
	}
	snap := s.snapshot
	s.mu.Unlock()
	s.updates.Publish(snap)
}

func (s *Scanner) setProgress(p types.Progress) {
	s.mu.Lock()
	s.snapshot.Progress = p
	snap := s.snapshot
	s.mu.Unlock()
	s.updates.Publish(snap)
}

// Positions returns the current positions. Do not modify the slice.
func (s *Scanner) Positions() []types.UserPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Positions
}

// Snapshot returns the current snapshot.
func (s *Scanner) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Progress returns the progress of the current (or last) scan.
func (s *Scanner) Progress() types.Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Progress
}

// State returns the phase the scanner is in.
func (s *Scanner) State() types.Phase { return s.Progress().Phase }

// Running reports whether a full scan is in progress.
func (s *Scanner) Running() bool { return s.running.Load() }

// Wallet returns the scanned wallet.
func (s *Scanner) Wallet() common.Address { return s.cfg.Wallet }

// Subscribe delivers every published snapshot, progress updates included.
func (s *Scanner) Subscribe() (<-chan Snapshot, func()) { return s.updates.Subscribe() }
