package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"pollscan/pkg/types"
)

// PollMarkets are the market contracts the factory registered for a poll.
// A zero address means the poll has no market of that kind.
type PollMarkets struct {
	AMM        common.Address
	PariMutuel common.Address
}

// Markets reads market discovery and state through multicalls.
type Markets struct {
	mc      *Multicall
	factory common.Address
}

// NewMarkets creates a reader bound to the market factory.
func NewMarkets(mc *Multicall, factory common.Address) *Markets {
	return &Markets{mc: mc, factory: factory}
}

// PollMarkets asks the factory for each poll's markets in one multicall.
// Polls whose lookup failed are missing from the result.
func (m *Markets) PollMarkets(ctx context.Context, polls []common.Address) (map[common.Address]PollMarkets, error) {
	var plan callPlan[common.Address]
	for _, p := range polls {
		if err := plan.add(p, factoryABI, m.factory, "getPollMarkets", p); err != nil {
			return nil, err
		}
	}
	results, err := m.mc.Aggregate(ctx, plan.calls)
	if err != nil {
		return nil, fmt.Errorf("get poll markets: %w", err)
	}

	out := make(map[common.Address]PollMarkets, len(results))
	for i, r := range results {
		values, err := decode(factoryABI, "getPollMarkets", r)
		if err != nil {
			continue
		}
		amm, _ := values[0].(common.Address)
		pari, _ := values[1].(common.Address)
		out[plan.tags[i]] = PollMarkets{AMM: amm, PariMutuel: pari}
	}
	return out, nil
}

// States reads marketState for each market in one multicall. Markets whose
// call failed are missing from the result. Collateral decimals are left
// unknown; see Decimals.
func (m *Markets) States(ctx context.Context, markets map[common.Address]types.MarketType) (map[common.Address]*types.MarketSummary, error) {
	var plan callPlan[common.Address]
	for addr := range markets {
		if err := plan.add(addr, marketABI, addr, "marketState"); err != nil {
			return nil, err
		}
	}
	results, err := m.mc.Aggregate(ctx, plan.calls)
	if err != nil {
		return nil, fmt.Errorf("get market states: %w", err)
	}

	out := make(map[common.Address]*types.MarketSummary, len(results))
	for i, r := range results {
		values, err := decode(marketABI, "marketState", r)
		if err != nil {
			continue
		}
		addr := plan.tags[i]
		live, _ := values[0].(bool)
		tvl, _ := values[1].(*big.Int)
		chance, _ := values[2].(*big.Int)
		collateral, _ := values[3].(common.Address)
		out[addr] = &types.MarketSummary{
			MarketAddress:   addr,
			Type:            markets[addr],
			IsLive:          live,
			CollateralTVL:   tvl,
			YesChance:       chance,
			CollateralToken: collateral,
		}
	}
	return out, nil
}

// Decimals reads ERC-20 decimals for each token in one multicall. Tokens
// whose call failed are missing from the result.
func (m *Markets) Decimals(ctx context.Context, tokens []common.Address) (map[common.Address]uint8, error) {
	var plan callPlan[common.Address]
	for _, tok := range tokens {
		if err := plan.add(tok, erc20ABI, tok, "decimals"); err != nil {
			return nil, err
		}
	}
	results, err := m.mc.Aggregate(ctx, plan.calls)
	if err != nil {
		return nil, fmt.Errorf("get token decimals: %w", err)
	}

	out := make(map[common.Address]uint8, len(results))
	for i, r := range results {
		values, err := decode(erc20ABI, "decimals", r)
		if err != nil {
			continue
		}
		if d, ok := values[0].(uint8); ok {
			out[plan.tags[i]] = d
		}
	}
	return out, nil
}
