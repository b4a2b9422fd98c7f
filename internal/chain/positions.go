package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"pollscan/pkg/types"
)

// PositionQuery names the markets to inspect for one poll. Zero market
// addresses are skipped.
type PositionQuery struct {
	Poll       common.Address
	AMM        common.Address
	PariMutuel common.Address
}

// Holdings is a user's raw position in a poll's markets. A nil side means
// the poll has no such market, or its reads failed when the matching
// Failed flag is set.
type Holdings struct {
	AMM  *types.AmmPosition
	Pari *types.PariPosition

	AMMFailed  bool
	PariFailed bool
}

// Failed reports whether either side is unknown rather than empty.
func (h Holdings) Failed() bool {
	return h.AMMFailed || h.PariFailed
}

// Positions resolves user holdings in two multicall phases: market-level
// reads first, then balances on the outcome tokens those reads returned.
type Positions struct {
	client *Client
	mc     *Multicall
}

// NewPositions creates a position reader.
func NewPositions(client *Client, mc *Multicall) *Positions {
	return &Positions{client: client, mc: mc}
}

type positionTag struct {
	query  int
	method string
}

// Resolve reads user's holdings for every query. The error covers a failed
// batch; individual failed reads leave that market's side nil and flag it.
func (p *Positions) Resolve(ctx context.Context, user common.Address, queries []PositionQuery) (map[common.Address]Holdings, error) {
	var phase1 callPlan[positionTag]
	for i, q := range queries {
		if q.AMM != (common.Address{}) {
			for _, method := range []string{"yesToken", "noToken", "totalSupply"} {
				if err := phase1.add(positionTag{i, method}, marketABI, q.AMM, method); err != nil {
					return nil, err
				}
			}
			if err := phase1.add(positionTag{i, "balanceOf"}, marketABI, q.AMM, "balanceOf", user); err != nil {
				return nil, err
			}
		}
		if q.PariMutuel != (common.Address{}) {
			if err := phase1.add(positionTag{i, "getPosition"}, marketABI, q.PariMutuel, "getPosition", user); err != nil {
				return nil, err
			}
		}
	}

	results, err := p.mc.Aggregate(ctx, phase1.calls)
	if err != nil {
		return nil, fmt.Errorf("read market positions: %w", err)
	}

	amms := make(map[int]*types.AmmPosition)
	failed := make(map[int]bool)
	out := make(map[common.Address]Holdings, len(queries))

	for i, r := range results {
		tag := phase1.tags[i]
		q := queries[tag.query]
		values, err := decode(marketABI, tag.method, r)
		if err != nil {
			if tag.method == "getPosition" {
				h := out[q.Poll]
				h.PariFailed = true
				out[q.Poll] = h
			} else {
				failed[tag.query] = true
			}
			continue
		}

		if tag.method == "getPosition" {
			yes, _ := values[0].(*big.Int)
			no, _ := values[1].(*big.Int)
			claimed, _ := values[2].(bool)
			h := out[q.Poll]
			h.Pari = &types.PariPosition{Market: q.PariMutuel, YesStake: yes, NoStake: no, Claimed: claimed}
			out[q.Poll] = h
			continue
		}

		amm := amms[tag.query]
		if amm == nil {
			amm = &types.AmmPosition{Market: q.AMM}
			amms[tag.query] = amm
		}
		switch tag.method {
		case "yesToken":
			amm.YesToken, _ = values[0].(common.Address)
		case "noToken":
			amm.NoToken, _ = values[0].(common.Address)
		case "totalSupply":
			amm.LPTotalSupply, _ = values[0].(*big.Int)
		case "balanceOf":
			amm.LPShares, _ = values[0].(*big.Int)
		}
	}

	// phase 2: outcome token balances
	var phase2 callPlan[positionTag]
	for qi, amm := range amms {
		if failed[qi] {
			continue
		}
		if err := phase2.add(positionTag{qi, "yes"}, erc20ABI, amm.YesToken, "balanceOf", user); err != nil {
			return nil, err
		}
		if err := phase2.add(positionTag{qi, "no"}, erc20ABI, amm.NoToken, "balanceOf", user); err != nil {
			return nil, err
		}
	}

	results, err = p.mc.Aggregate(ctx, phase2.calls)
	if err != nil {
		return nil, fmt.Errorf("read outcome balances: %w", err)
	}
	for i, r := range results {
		tag := phase2.tags[i]
		values, err := decode(erc20ABI, "balanceOf", r)
		if err != nil {
			failed[tag.query] = true
			continue
		}
		bal, _ := values[0].(*big.Int)
		if tag.method == "yes" {
			amms[tag.query].YesBalance = bal
		} else {
			amms[tag.query].NoBalance = bal
		}
	}

	for qi := range failed {
		poll := queries[qi].Poll
		h := out[poll]
		h.AMMFailed = true
		out[poll] = h
	}
	for qi, amm := range amms {
		if failed[qi] {
			continue
		}
		poll := queries[qi].Poll
		h := out[poll]
		h.AMM = amm
		out[poll] = h
	}
	return out, nil
}

// Allowance reads an ERC-20 allowance directly.
func (p *Positions) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	values, err := p.client.CallMethod(ctx, erc20ABI, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	v, _ := values[0].(*big.Int)
	if v == nil {
		return new(big.Int), nil
	}
	return v, nil
}
