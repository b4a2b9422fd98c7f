package market

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pollscan/internal/batch"
	"pollscan/internal/chain"
	"pollscan/internal/store"
	"pollscan/pkg/types"
)

var errRPC = errors.New("rpc: response too large")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func addr(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}

func poll(n, epoch int64, status types.PollStatus) types.Poll {
	return types.Poll{
		Address:           addr(n),
		Question:          "question",
		DeadlineEpoch:     epoch,
		FinalizationEpoch: epoch + 2,
		CheckEpoch:        epoch + 1,
		Status:            status,
	}
}

// fakeSource is an in-memory oracle index keyed by index epoch.
type fakeSource struct {
	mu      sync.Mutex
	byEpoch map[int64][]types.Poll
	// failRange reports whether PollsInRange(hi, lo) should fail.
	failRange func(hi, lo int64) bool
	// block, when set, is waited on by every call.
	block chan struct{}

	ranges [][2]int64
	lookup [][]int64
}

func newFakeSource(polls ...types.Poll) *fakeSource {
	s := &fakeSource{byEpoch: make(map[int64][]types.Poll)}
	for _, p := range polls {
		s.put(p)
	}
	return s
}

// put files p under its index epoch, replacing an earlier copy.
func (s *fakeSource) put(p types.Poll) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := p.IndexEpoch()
	for i, q := range s.byEpoch[e] {
		if q.Address == p.Address {
			s.byEpoch[e][i] = p
			return
		}
	}
	s.byEpoch[e] = append(s.byEpoch[e], p)
}

func (s *fakeSource) wait(ctx context.Context) error {
	if s.block == nil {
		return nil
	}
	select {
	case <-s.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSource) PollsInRange(ctx context.Context, hi, lo int64) ([]types.Poll, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = append(s.ranges, [2]int64{hi, lo})
	if s.failRange != nil && s.failRange(hi, lo) {
		return nil, errRPC
	}
	var out []types.Poll
	for e := lo; e <= hi; e++ {
		out = append(out, s.byEpoch[e]...)
	}
	return out, nil
}

func (s *fakeSource) PollsByEpochs(ctx context.Context, epochs []int64) ([]types.Poll, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookup = append(s.lookup, slices.Clone(epochs))
	var out []types.Poll
	for _, e := range epochs {
		out = append(out, s.byEpoch[e]...)
	}
	return out, nil
}

// scannedBelow reports whether any range call reached below epoch e.
func (s *fakeSource) scannedBelow(e int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.ranges {
		if r[1] < e {
			return true
		}
	}
	return false
}

func (s *fakeSource) rangeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ranges)
}

func fastPolicy() batch.Policy {
	return batch.Policy{Floor: 1}
}

const testEpochLength = 300

// clockAt returns a clock frozen at the start of epoch e.
func clockAt(e int64) func() time.Time {
	return func() time.Time { return types.EpochStart(e, testEpochLength) }
}

func testAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Oracle:          addr(0xfeed),
		CacheVersion:    1,
		EpochLength:     testEpochLength,
		LookaheadEpochs: 2,
		ChunkSize:       4,
		CacheChunkSize:  2,
		FlushEvery:      1,
		ActivitySize:    10,
		Retry:           fastPolicy(),
	}
}

func newTestCache(t *testing.T) *store.EpochCache {
	t.Helper()
	backend, err := store.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	return store.NewEpochCache(backend, testLogger())
}

func newTestAggregator(t *testing.T, src *fakeSource, cache *store.EpochCache, current int64) *Aggregator {
	t.Helper()
	a := NewAggregator(src, cache, testAggregatorConfig(), testLogger())
	a.now = clockAt(current)
	return a
}

// fakeMarkets serves factory lookups and market states from maps.
type fakeMarkets struct {
	mu        sync.Mutex
	pairs     map[common.Address]chain.PollMarkets
	states    map[common.Address]*types.MarketSummary
	decimals  map[common.Address]uint8
	failPolls map[common.Address]bool
	decCalls  int
}

func (f *fakeMarkets) PollMarkets(_ context.Context, polls []common.Address) (map[common.Address]chain.PollMarkets, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[common.Address]chain.PollMarkets)
	for _, p := range polls {
		if f.failPolls[p] {
			return nil, errRPC
		}
		if pm, ok := f.pairs[p]; ok {
			out[p] = pm
		}
	}
	return out, nil
}

func (f *fakeMarkets) States(_ context.Context, markets map[common.Address]types.MarketType) (map[common.Address]*types.MarketSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[common.Address]*types.MarketSummary)
	for m, kind := range markets {
		if s, ok := f.states[m]; ok {
			c := *s
			c.Type = kind
			out[m] = &c
		}
	}
	return out, nil
}

func (f *fakeMarkets) Decimals(_ context.Context, tokens []common.Address) (map[common.Address]uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decCalls++
	out := make(map[common.Address]uint8)
	for _, tok := range tokens {
		if d, ok := f.decimals[tok]; ok {
			out[tok] = d
		}
	}
	return out, nil
}
