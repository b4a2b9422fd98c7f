package market

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pollscan/internal/batch"
	"pollscan/internal/chain"
	"pollscan/pkg/types"
)

var usdc = addr(0xc0)

func newFakeMarkets(n int) *fakeMarkets {
	f := &fakeMarkets{
		pairs:     make(map[common.Address]chain.PollMarkets),
		states:    make(map[common.Address]*types.MarketSummary),
		decimals:  map[common.Address]uint8{usdc: 6},
		failPolls: make(map[common.Address]bool),
	}
	for i := int64(1); i <= int64(n); i++ {
		amm, pari := addr(1000+i), addr(2000+i)
		f.pairs[addr(i)] = chain.PollMarkets{AMM: amm, PariMutuel: pari}
		for _, m := range []common.Address{amm, pari} {
			f.states[m] = &types.MarketSummary{
				MarketAddress:   m,
				IsLive:          true,
				CollateralTVL:   big.NewInt(5_000_000),
				YesChance:       big.NewInt(600_000_000),
				CollateralToken: usdc,
			}
		}
	}
	return f
}

func pollAddrs(n int) []common.Address {
	out := make([]common.Address, n)
	for i := range out {
		out[i] = addr(int64(i + 1))
	}
	return out
}

func TestMarketsIndexLoad(t *testing.T) {
	t.Parallel()
	src := newFakeMarkets(5)
	idx := NewMarketsIndex(src, batch.Policy{Initial: 2, Floor: 1}, testLogger())

	ch, cancel := idx.Subscribe()
	defer cancel()

	rep, err := idx.Load(context.Background(), append(pollAddrs(5), addr(99)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rep.Polls != 6 || rep.WithMarket != 5 || rep.Failed != 0 {
		t.Errorf("report = %+v, want 6 polls, 5 with market, 0 failed", rep)
	}

	pair, ok := idx.Market(addr(3))
	if !ok || pair.AMM == nil || pair.PariMutuel == nil {
		t.Fatalf("Market(3) = %+v, %v; want both sides", pair, ok)
	}
	if pair.AMM.Type != types.MarketAMM || pair.PariMutuel.Type != types.MarketPariMutuel {
		t.Errorf("types = %s/%s", pair.AMM.Type, pair.PariMutuel.Type)
	}
	if pair.AMM.CollateralDecimals != 6 || pair.AMM.TVL().String() != "5" {
		t.Errorf("decimals = %d tvl = %s, want 6 and 5", pair.AMM.CollateralDecimals, pair.AMM.TVL())
	}
	if _, ok := idx.Market(addr(99)); ok {
		t.Error("poll without markets should not be indexed")
	}
	if src.decCalls != 1 {
		t.Errorf("decimals read %d times, want once (cached)", src.decCalls)
	}

	select {
	case snap := <-ch:
		if len(snap.Markets) != 5 {
			t.Errorf("published %d entries, want 5", len(snap.Markets))
		}
	default:
		t.Error("no snapshot published")
	}
	if p := idx.Progress(); p.Phase != types.PhaseDone || p.Percent() != 100 {
		t.Errorf("progress = %+v, want done at 100%%", p)
	}
}

func TestMarketsIndexUnknownDecimalsRetried(t *testing.T) {
	t.Parallel()
	src := newFakeMarkets(2)
	src.decimals = nil
	idx := NewMarketsIndex(src, batch.Policy{Initial: 2, Floor: 1}, testLogger())

	if _, err := idx.Load(context.Background(), pollAddrs(2)); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	pair, ok := idx.Market(addr(1))
	if !ok || pair.AMM == nil {
		t.Fatalf("Market(1) = %+v, %v; want an AMM", pair, ok)
	}
	if pair.AMM.DecimalsKnown {
		t.Error("decimals should be unknown when decimals() returned nothing")
	}
	if !pair.AMM.TVL().IsZero() {
		t.Errorf("tvl = %s, want zero while decimals are unknown", pair.AMM.TVL())
	}

	src.mu.Lock()
	src.decimals = map[common.Address]uint8{usdc: 6}
	src.mu.Unlock()

	if _, err := idx.Load(context.Background(), pollAddrs(2)); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	pair, _ = idx.Market(addr(1))
	if !pair.AMM.DecimalsKnown || pair.AMM.CollateralDecimals != 6 {
		t.Errorf("decimals = %d known = %v, want 6 and true after retry", pair.AMM.CollateralDecimals, pair.AMM.DecimalsKnown)
	}
	if src.decCalls != 2 {
		t.Errorf("decimals read %d times, want 2 (unknown token read again)", src.decCalls)
	}
}

func TestMarketsIndexKeepsPreviousOnFailedBatch(t *testing.T) {
	t.Parallel()
	src := newFakeMarkets(4)
	idx := NewMarketsIndex(src, batch.Policy{Initial: 4, Floor: 1}, testLogger())
	polls := pollAddrs(4)

	if _, err := idx.Load(context.Background(), polls); err != nil {
		t.Fatalf("first Load: %v", err)
	}

	src.mu.Lock()
	src.failPolls[addr(2)] = true
	src.states[addr(1003)].IsLive = false
	src.mu.Unlock()

	rep, err := idx.Load(context.Background(), polls)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if rep.Failed != 1 {
		t.Errorf("Failed = %d, want 1", rep.Failed)
	}
	if pair, ok := idx.Market(addr(2)); !ok || pair.AMM == nil {
		t.Error("failed poll should keep its previous markets")
	}
	if pair, _ := idx.Market(addr(3)); pair.AMM.IsLive {
		t.Error("healthy poll should reflect the new state")
	}
}

func TestMarketsIndexRejectsOverlap(t *testing.T) {
	t.Parallel()
	idx := NewMarketsIndex(newFakeMarkets(1), batch.Policy{Initial: 1, Floor: 1}, testLogger())
	idx.running.Store(true)
	if _, err := idx.Load(context.Background(), pollAddrs(1)); !errors.Is(err, ErrLoadInFlight) {
		t.Errorf("err = %v, want ErrLoadInFlight", err)
	}
}

func TestMarketsIndexLoadAsyncPublishes(t *testing.T) {
	t.Parallel()
	idx := NewMarketsIndex(newFakeMarkets(3), batch.Policy{Initial: 10, Floor: 1}, testLogger())
	ch, cancel := idx.Subscribe()
	defer cancel()

	idx.LoadAsync(context.Background(), pollAddrs(3))

	select {
	case snap := <-ch:
		if len(snap.Markets) != 3 {
			t.Errorf("published %d polls, want 3", len(snap.Markets))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot published")
	}
}
