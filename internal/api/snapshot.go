package api

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pollscan/internal/config"
	"pollscan/internal/market"
	"pollscan/internal/portfolio"
	"pollscan/pkg/types"
)

// Provider exposes the repositories read by the dashboard. Every accessor
// returns an immutable snapshot.
type Provider interface {
	PollsSnapshot() market.Snapshot
	Poll(addr common.Address) (market.PollView, bool)
	MarketsSnapshot() market.IndexSnapshot
	// Positions reports false when no wallet is configured.
	Positions() (portfolio.Snapshot, bool)
	Activity() []types.ActivityEntry

	TriggerRefresh() bool
	RefreshPosition(ctx context.Context, poll common.Address) (*types.UserPosition, error)
	Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error)

	// DashboardEvents returns the event channel (may be nil).
	DashboardEvents() <-chan DashboardEvent
}

// BuildSnapshot aggregates state from all components into a dashboard snapshot
func BuildSnapshot(provider Provider, cfg *config.Config) DashboardSnapshot {
	polls := provider.PollsSnapshot()
	pi := PollsInfo{
		Total:        len(polls.Polls),
		CurrentEpoch: polls.CurrentEpoch,
		Refreshing:   polls.Refreshing,
		Progress:     polls.Progress,
		UpdatedAt:    polls.UpdatedAt,
	}
	for _, p := range polls.Polls {
		if p.Status == types.StatusPending {
			pi.Pending++
		}
		if p.Stale {
			pi.Stale++
		}
	}

	idx := provider.MarketsSnapshot()
	mi := MarketsInfo{UpdatedAt: idx.UpdatedAt}
	for _, pair := range idx.Markets {
		if pair.Empty() {
			continue
		}
		mi.Polls++
		for _, m := range []*types.MarketSummary{pair.AMM, pair.PariMutuel} {
			if m == nil {
				continue
			}
			if m.Type == types.MarketAMM {
				mi.AMM++
			} else {
				mi.PariMutuel++
			}
			if m.IsLive {
				mi.Live++
			}
		}
	}

	snap := DashboardSnapshot{
		Timestamp: time.Now(),
		Polls:     pi,
		Markets:   mi,
		Activity:  provider.Activity(),
		Config:    NewConfigSummary(cfg),
	}
	if pos, ok := provider.Positions(); ok {
		snap.Positions = &pos
	}
	return snap
}
