// Package market discovers polls and their markets.
//
// The Aggregator keeps the deduplicated set of every poll the oracle has
// indexed. A refresh replays epochs the EpochCache already confirmed by
// direct lookup, then scans the rest of the index (from the last checked
// epoch up to a lookahead past now, since polls are filed under their
// deadline) with the RangeScanner. The MarketsIndex maps polls to their AMM
// and pari-mutuel markets. Both publish immutable snapshots; readers never
// see a collection being mutated.
package market

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pollscan/internal/batch"
	"pollscan/internal/config"
	"pollscan/internal/notify"
	"pollscan/pkg/types"
)

// ErrRefreshInFlight is returned by Refresh when another refresh is running.
// The second call is dropped, not queued.
var ErrRefreshInFlight = errors.New("poll refresh already in progress")

// PollSource is the oracle read side used by the aggregator.
type PollSource interface {
	PollsInRange(ctx context.Context, hi, lo int64) ([]types.Poll, error)
	PollsByEpochs(ctx context.Context, epochs []int64) ([]types.Poll, error)
}

// EpochStore persists which epochs hold polls.
type EpochStore interface {
	Load(ctx context.Context, contract common.Address, version int, deploymentTS int64) (*types.EpochCacheRecord, error)
	Save(ctx context.Context, rec types.EpochCacheRecord) error
}

// AggregatorConfig tunes a refresh. Retry.Initial is ignored; scans start
// at ChunkSize and cache replays at CacheChunkSize.
type AggregatorConfig struct {
	Oracle               common.Address
	CacheVersion         int
	DeploymentTimestamp  int64
	EpochLength          int64
	LookaheadEpochs      int64
	PendingTimeoutEpochs int64
	ChunkSize            int
	CacheChunkSize       int
	FlushEvery           int
	ActivitySize         int
	Retry                batch.Policy
}

// NewAggregatorConfig maps the scanner settings.
func NewAggregatorConfig(cfg *config.Config) AggregatorConfig {
	return AggregatorConfig{
		Oracle:               common.HexToAddress(cfg.Chain.OracleAddress),
		CacheVersion:         cfg.Cache.Version,
		DeploymentTimestamp:  cfg.Epoch.DeploymentTimestamp,
		EpochLength:          cfg.Epoch.LengthSec,
		LookaheadEpochs:      cfg.Epoch.LookaheadEpochs,
		PendingTimeoutEpochs: cfg.Epoch.PendingTimeoutEpochs,
		ChunkSize:            cfg.Scanner.ChunkSize,
		CacheChunkSize:       cfg.Scanner.CacheChunkSize,
		FlushEvery:           cfg.Scanner.FlushEvery,
		ActivitySize:         cfg.Scanner.ActivitySize,
		Retry: batch.Policy{
			Floor:      cfg.Scanner.MinChunkSize,
			MaxRetries: cfg.Scanner.MaxRetries,
			Pause:      cfg.Scanner.ChunkPause,
			RetryDelay: cfg.Scanner.RetryDelay,
		},
	}
}

// PollView is a poll as presented to readers.
type PollView struct {
	types.Poll
	// Stale marks a Pending poll whose check epoch is long past.
	Stale bool `json:"stale"`
}

// Snapshot is an immutable view of the aggregated polls. Polls are sorted
// by index epoch descending, then by address.
type Snapshot struct {
	Polls        []PollView     `json:"polls"`
	CurrentEpoch int64          `json:"current_epoch"`
	Refreshing   bool           `json:"refreshing"`
	Progress     types.Progress `json:"progress"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Report summarizes one refresh.
type Report struct {
	CurrentEpoch  int64
	ScanHi        int64
	ScanLo        int64
	CacheHit      bool
	Replayed      int
	Scanned       int
	Total         int
	FailedChunks  int
	FailedLookups int
	Confirmed     int
	Future        int
	Resolved      []types.ActivityEntry
	Duration      time.Duration
}

// Aggregator owns the poll collection. Refresh is its only writer.
type Aggregator struct {
	source  PollSource
	scanner *RangeScanner
	cache   EpochStore
	cfg     AggregatorConfig
	now     func() time.Time
	logger  *slog.Logger

	running atomic.Bool

	mu       sync.RWMutex
	polls    map[common.Address]types.Poll
	statuses map[common.Address]types.PollStatus // as of the last completed refresh
	snapshot Snapshot
	index    map[common.Address]int // position in snapshot.Polls
	activity *activityRing
	progress types.Progress

	snapshots notify.Broadcaster[Snapshot]
	progressC notify.Broadcaster[types.Progress]
}

// NewAggregator creates an aggregator with an empty collection.
func NewAggregator(source PollSource, cache EpochStore, cfg AggregatorConfig, logger *slog.Logger) *Aggregator {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 1
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1
	}
	if cfg.CacheChunkSize <= 0 {
		cfg.CacheChunkSize = 1
	}
	return &Aggregator{
		source:   source,
		scanner:  NewRangeScanner(source, cfg.Retry, logger),
		cache:    cache,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "aggregator"),
		polls:    make(map[common.Address]types.Poll),
		index:    make(map[common.Address]int),
		activity: newActivityRing(cfg.ActivitySize),
		progress: types.Progress{Phase: types.PhaseIdle},
	}
}

// Refresh brings the collection up to date. It returns ErrRefreshInFlight
// if a refresh is already running, and ctx's error if cancelled; every other
// failure (cache I/O, failed chunks) is logged and counted in the Report.
func (a *Aggregator) Refresh(ctx context.Context) (Report, error) {
	if !a.running.CompareAndSwap(false, true) {
		return Report{}, ErrRefreshInFlight
	}
	defer a.running.Store(false)

	started := a.now()
	current := types.EpochOf(started, a.cfg.EpochLength)
	rep := Report{CurrentEpoch: current}

	rec, err := a.cache.Load(ctx, a.cfg.Oracle, a.cfg.CacheVersion, a.cfg.DeploymentTimestamp)
	if err != nil {
		a.logger.Warn("epoch cache unavailable, scanning from deployment", "error", err)
		rec = nil
	}

	found := newPollSet()
	var confirmed []int64
	startFrom := a.deploymentEpoch()
	if rec != nil {
		rep.CacheHit = true
		confirmed = rec.ConfirmedEpochs
		startFrom = rec.LastCheckedEpoch
		if err := a.replay(ctx, confirmed, found, &rep); err != nil {
			a.setProgress(types.Progress{Phase: types.PhaseIdle})
			return rep, err
		}
	}

	rep.ScanHi, rep.ScanLo = current+a.cfg.LookaheadEpochs, startFrom
	lowestFailed := int64(math.MaxInt64)
	chunks := 0
	for c := range a.scanner.ScanRange(ctx, rep.ScanHi, startFrom-1, a.cfg.ChunkSize) {
		chunks++
		if c.Failed {
			rep.FailedChunks++
			lowestFailed = min(lowestFailed, c.Lo)
		} else {
			rep.Scanned += found.add(c.Polls)
		}
		a.setProgress(c.Progress)
		if chunks%a.cfg.FlushEvery == 0 {
			a.flush(found, current, c.Progress)
		}
	}
	if err := ctx.Err(); err != nil {
		a.setProgress(types.Progress{Phase: types.PhaseIdle})
		return rep, err
	}

	// Epochs at or above a failed chunk stay unconfirmed so the next
	// refresh scans them again.
	lastChecked := min(current, lowestFailed)
	next := epochSets(confirmed, found.list(), lastChecked)
	next.ContractAddress = a.cfg.Oracle
	next.CacheVersion = a.cfg.CacheVersion
	next.DeploymentTimestamp = a.cfg.DeploymentTimestamp
	next.UpdatedAt = started.UTC()
	rep.Confirmed, rep.Future = len(next.ConfirmedEpochs), len(next.FutureEpochs)
	if err := a.cache.Save(ctx, next); err != nil {
		a.logger.Warn("epoch cache save failed", "error", err)
	}

	rep.Resolved = a.commit(found, current)
	rep.Total = a.Len()
	rep.Duration = a.now().Sub(started)

	a.logger.Info("poll refresh complete",
		"current_epoch", current,
		"cache_hit", rep.CacheHit,
		"replayed", rep.Replayed,
		"scanned", rep.Scanned,
		"total", rep.Total,
		"failed_chunks", rep.FailedChunks,
		"failed_lookups", rep.FailedLookups,
		"resolved", len(rep.Resolved),
		"duration", rep.Duration,
	)
	return rep, nil
}

// replay re-reads the polls of confirmed epochs by direct lookup.
func (a *Aggregator) replay(ctx context.Context, epochs []int64, found *pollSet, rep *Report) error {
	if len(epochs) == 0 {
		return nil
	}
	p := a.cfg.Retry
	p.Initial = a.cfg.CacheChunkSize
	exec := batch.NewExecutor(p, a.logger)

	var fetched []types.Poll
	fn := func(ctx context.Context, sp batch.Span) error {
		polls, err := a.source.PollsByEpochs(ctx, epochs[sp.Start:sp.End])
		if err != nil {
			return err
		}
		fetched = polls
		return nil
	}
	settled := func(sp batch.Span, err error, done, total int) {
		if err != nil {
			rep.FailedLookups++
		} else {
			rep.Replayed += found.add(fetched)
		}
		fetched = nil
		a.setProgress(types.Progress{Phase: types.PhaseReplayingCache, Done: done, Total: total})
	}

	_, err := exec.Run(ctx, len(epochs), fn, settled)
	return err
}

// epochSets splits the index epochs that hold polls around lastChecked and
// merges the lower part into the previously confirmed set.
func epochSets(prevConfirmed []int64, polls []types.Poll, lastChecked int64) types.EpochCacheRecord {
	confirmed := slices.Clone(prevConfirmed)
	var future []int64
	for _, p := range polls {
		if e := p.IndexEpoch(); e < lastChecked {
			confirmed = append(confirmed, e)
		} else {
			future = append(future, e)
		}
	}
	slices.Sort(confirmed)
	slices.Sort(future)
	return types.EpochCacheRecord{
		LastCheckedEpoch: lastChecked,
		ConfirmedEpochs:  slices.Compact(confirmed),
		FutureEpochs:     slices.Compact(future),
	}
}

// commit merges this refresh's polls into the collection, records
// resolutions and publishes the final snapshot.
func (a *Aggregator) commit(found *pollSet, current int64) []types.ActivityEntry {
	a.mu.Lock()
	for _, p := range found.list() {
		a.polls[p.Address] = p
	}
	all := make([]types.Poll, 0, len(a.polls))
	for _, p := range a.polls {
		all = append(all, p)
	}

	resolved := resolutions(a.statuses, all, a.now())
	// push oldest first so the newest entry ends up on top
	slices.SortFunc(resolved, func(x, y types.ActivityEntry) int { return bytes.Compare(x.PollAddress[:], y.PollAddress[:]) })
	for _, e := range resolved {
		a.activity.push(e)
	}

	statuses := make(map[common.Address]types.PollStatus, len(all))
	for _, p := range all {
		statuses[p.Address] = p.Status
	}
	a.statuses = statuses

	a.progress = types.Progress{Phase: types.PhaseDone}
	snap := a.buildLocked(all, current, false)
	a.mu.Unlock()

	a.snapshots.Publish(snap)
	a.progressC.Publish(snap.Progress)
	return resolved
}

// flush publishes an intermediate snapshot: the committed collection
// overlaid with what this refresh has found so far.
func (a *Aggregator) flush(found *pollSet, current int64, progress types.Progress) {
	a.mu.Lock()
	merged := make(map[common.Address]types.Poll, len(a.polls)+found.len())
	for addr, p := range a.polls {
		merged[addr] = p
	}
	for _, p := range found.list() {
		merged[p.Address] = p
	}
	all := make([]types.Poll, 0, len(merged))
	for _, p := range merged {
		all = append(all, p)
	}
	a.progress = progress
	snap := a.buildLocked(all, current, true)
	a.mu.Unlock()

	a.snapshots.Publish(snap)
}

// buildLocked sorts polls into a new snapshot and installs it.
func (a *Aggregator) buildLocked(all []types.Poll, current int64, refreshing bool) Snapshot {
	slices.SortFunc(all, func(x, y types.Poll) int {
		if x.IndexEpoch() != y.IndexEpoch() {
			if x.IndexEpoch() > y.IndexEpoch() {
				return -1
			}
			return 1
		}
		return bytes.Compare(x.Address[:], y.Address[:])
	})

	views := make([]PollView, len(all))
	index := make(map[common.Address]int, len(all))
	for i, p := range all {
		views[i] = PollView{Poll: p, Stale: a.stale(p, current)}
		index[p.Address] = i
	}

	a.snapshot = Snapshot{
		Polls:        views,
		CurrentEpoch: current,
		Refreshing:   refreshing,
		Progress:     a.progress,
		UpdatedAt:    a.now(),
	}
	a.index = index
	return a.snapshot
}

func (a *Aggregator) stale(p types.Poll, current int64) bool {
	if p.Status != types.StatusPending || a.cfg.PendingTimeoutEpochs <= 0 {
		return false
	}
	return p.CheckEpoch < current-a.cfg.PendingTimeoutEpochs
}

func (a *Aggregator) setProgress(p types.Progress) {
	a.mu.Lock()
	a.progress = p
	a.mu.Unlock()
	a.progressC.Publish(p)
}

func (a *Aggregator) deploymentEpoch() int64 {
	if a.cfg.EpochLength <= 0 {
		return 0
	}
	return a.cfg.DeploymentTimestamp / a.cfg.EpochLength
}

// Snapshot returns the latest published snapshot. Its slices are shared
// with other readers and must not be modified.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.snapshot
	s.Progress = a.progress
	s.Refreshing = a.running.Load()
	return s
}

// Polls returns the polls of the latest snapshot.
func (a *Aggregator) Polls() []PollView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot.Polls
}

// Poll looks up one poll in the latest snapshot.
func (a *Aggregator) Poll(addr common.Address) (PollView, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i, ok := a.index[addr]
	if !ok {
		return PollView{}, false
	}
	return a.snapshot.Polls[i], true
}

// Len returns the number of committed polls.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.polls)
}

// Activity returns recent resolutions, newest first.
func (a *Aggregator) Activity() []types.ActivityEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.activity.list()
}

// Progress returns the state of the current (or last) refresh.
func (a *Aggregator) Progress() types.Progress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.progress
}

// Running reports whether a refresh is in progress.
func (a *Aggregator) Running() bool { return a.running.Load() }

// Subscribe delivers every published snapshot, intermediate ones included.
func (a *Aggregator) Subscribe() (<-chan Snapshot, func()) { return a.snapshots.Subscribe() }

// SubscribeProgress delivers progress updates.
func (a *Aggregator) SubscribeProgress() (<-chan types.Progress, func()) {
	return a.progressC.Subscribe()
}

// pollSet collects polls keyed by address; the first occurrence wins.
type pollSet struct {
	order  []common.Address
	byAddr map[common.Address]types.Poll
}

func newPollSet() *pollSet {
	return &pollSet{byAddr: make(map[common.Address]types.Poll)}
}

// add inserts polls not seen yet and returns how many were new.
func (s *pollSet) add(polls []types.Poll) int {
	n := 0
	for _, p := range polls {
		if p.Address == (common.Address{}) {
			continue
		}
		if _, ok := s.byAddr[p.Address]; ok {
			continue
		}
		s.byAddr[p.Address] = p
		s.order = append(s.order, p.Address)
		n++
	}
	return n
}

func (s *pollSet) list() []types.Poll {
	out := make([]types.Poll, len(s.order))
	for i, addr := range s.order {
		out[i] = s.byAddr[addr]
	}
	return out
}

func (s *pollSet) len() int { return len(s.order) }
