package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"pollscan/pkg/types"
)

var (
	factoryAddr = common.HexToAddress("0x0f")
	usdc        = common.HexToAddress("0x0c")
)

func installMarket(fc *fakeChain, market common.Address, live bool, tvl, chance int64) {
	fc.on(market, marketABI, "marketState", func([]any) ([]any, error) {
		return []any{live, big.NewInt(tvl), big.NewInt(chance), usdc}, nil
	})
}

func TestPollMarketsDiscovery(t *testing.T) {
	t.Parallel()
	fc := newFakeChain()
	fc.on(factoryAddr, factoryABI, "getPollMarkets", func(args []any) ([]any, error) {
		switch args[0].(common.Address) {
		case addr(1):
			return []any{addr(11), addr(12)}, nil
		case addr(2):
			return []any{addr(21), common.Address{}}, nil
		default:
			return nil, errReverted
		}
	})
	_, mc := newTestClient(t, fc)
	m := NewMarkets(mc, factoryAddr)

	got, err := m.PollMarkets(context.Background(), []common.Address{addr(1), addr(2), addr(3)})
	if err != nil {
		t.Fatalf("PollMarkets: %v", err)
	}
	if got[addr(1)] != (PollMarkets{AMM: addr(11), PariMutuel: addr(12)}) {
		t.Errorf("poll 1 markets = %+v", got[addr(1)])
	}
	if got[addr(2)].PariMutuel != (common.Address{}) {
		t.Errorf("poll 2 should have no pari market, got %+v", got[addr(2)])
	}
	if _, ok := got[addr(3)]; ok {
		t.Error("failed lookup should be absent")
	}
	if len(fc.batches) != 1 || fc.batches[0] != 3 {
		t.Errorf("batches = %v, want one multicall of 3", fc.batches)
	}
}

func TestMarketStatesDegradeFailedMarket(t *testing.T) {
	t.Parallel()
	fc := newFakeChain()
	installMarket(fc, addr(11), true, 5_000_000, 600_000_000)
	// addr(12) has no marketState handler and reverts
	_, mc := newTestClient(t, fc)
	m := NewMarkets(mc, factoryAddr)

	got, err := m.States(context.Background(), map[common.Address]types.MarketType{
		addr(11): types.MarketAMM,
		addr(12): types.MarketPariMutuel,
	})
	if err != nil {
		t.Fatalf("States: %v", err)
	}
	s, ok := got[addr(11)]
	if !ok {
		t.Fatal("live market missing")
	}
	if !s.IsLive || s.Type != types.MarketAMM || s.CollateralTVL.Int64() != 5_000_000 || s.CollateralToken != usdc {
		t.Errorf("summary = %+v", s)
	}
	if _, ok := got[addr(12)]; ok {
		t.Error("reverted market should be absent, not an error")
	}
}

func TestDecimals(t *testing.T) {
	t.Parallel()
	fc := newFakeChain()
	fc.on(usdc, erc20ABI, "decimals", func([]any) ([]any, error) { return []any{uint8(6)}, nil })
	_, mc := newTestClient(t, fc)
	m := NewMarkets(mc, factoryAddr)

	got, err := m.Decimals(context.Background(), []common.Address{usdc, addr(99)})
	if err != nil {
		t.Fatalf("Decimals: %v", err)
	}
	if got[usdc] != 6 {
		t.Errorf("decimals = %d, want 6", got[usdc])
	}
	if _, ok := got[addr(99)]; ok {
		t.Error("token without decimals should be absent")
	}
}
