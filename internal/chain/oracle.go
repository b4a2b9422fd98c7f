package chain

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"pollscan/pkg/types"
)

// pollTuple mirrors the oracle's poll struct for abi.ConvertType.
type pollTuple struct {
	PollAddress       common.Address
	Question          string
	Rules             string
	Sources           []string
	DeadlineEpoch     uint32
	FinalizationEpoch uint32
	CheckEpoch        uint32
	Creator           common.Address
	Arbiter           common.Address
	Status            uint8
	Category          uint8
	ResolutionReason  string
}

func (t pollTuple) poll() types.Poll {
	return types.Poll{
		Address:           t.PollAddress,
		Question:          t.Question,
		Rules:             t.Rules,
		Sources:           t.Sources,
		DeadlineEpoch:     int64(t.DeadlineEpoch),
		FinalizationEpoch: int64(t.FinalizationEpoch),
		CheckEpoch:        int64(t.CheckEpoch),
		Creator:           t.Creator,
		Arbiter:           t.Arbiter,
		Status:            types.PollStatus(t.Status),
		Category:          t.Category,
		ResolutionReason:  t.ResolutionReason,
	}
}

// OracleConfig holds the oracle address and the query filters applied to
// every lookup. Zero filters match everything.
type OracleConfig struct {
	Address      common.Address
	StatusFilter uint8
	TypeFilter   uint8
	MaxResults   int
}

// Oracle reads the PredictionOracle's epoch-indexed poll registry.
type Oracle struct {
	client *Client
	mc     *Multicall
	cfg    OracleConfig
}

// NewOracle creates an oracle reader.
func NewOracle(client *Client, mc *Multicall, cfg OracleConfig) *Oracle {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 200
	}
	return &Oracle{client: client, mc: mc, cfg: cfg}
}

// PollsByEpochRange returns one page of polls indexed in [from, to], in the
// oracle's order, starting at startIndex within from. The returned cursor
// resumes the walk.
func (o *Oracle) PollsByEpochRange(ctx context.Context, from, to int64, startIndex *big.Int) ([]types.Poll, int64, *big.Int, error) {
	if startIndex == nil {
		startIndex = new(big.Int)
	}
	values, err := o.client.CallMethod(ctx, oracleABI, o.cfg.Address, "getPollsByEpochRange",
		epoch32(from),
		epoch32(to),
		o.cfg.StatusFilter,
		o.cfg.TypeFilter,
		big.NewInt(int64(o.cfg.MaxResults)),
		startIndex,
	)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("get polls in epochs [%d, %d]: %w", from, to, err)
	}
	if len(values) != 3 {
		return nil, 0, nil, fmt.Errorf("getPollsByEpochRange returned %d values", len(values))
	}

	polls := convertPolls(values[0])
	nextEpoch, _ := values[1].(uint32)
	nextIndex, _ := values[2].(*big.Int)
	if nextIndex == nil {
		nextIndex = new(big.Int)
	}
	return polls, int64(nextEpoch), nextIndex, nil
}

// PollsInRange returns every poll indexed in [lo, hi], paging until a page
// comes back shorter than MaxResults.
func (o *Oracle) PollsInRange(ctx context.Context, hi, lo int64) ([]types.Poll, error) {
	if hi < lo {
		return nil, nil
	}

	var all []types.Poll
	from, index := lo, new(big.Int)
	for {
		page, nextEpoch, nextIndex, err := o.PollsByEpochRange(ctx, from, hi, index)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < o.cfg.MaxResults {
			return all, nil
		}
		// a cursor that does not move forward would loop forever
		if nextEpoch > hi || nextEpoch < from || (nextEpoch == from && nextIndex.Cmp(index) <= 0) {
			return all, nil
		}
		from, index = nextEpoch, nextIndex
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// PollsByEpochs returns the polls indexed under the given epochs. When a
// lookup hits MaxResults the answer may be truncated, so those epochs are
// re-read one by one with paging.
func (o *Oracle) PollsByEpochs(ctx context.Context, epochs []int64) ([]types.Poll, error) {
	if len(epochs) == 0 {
		return nil, nil
	}

	packed := make([]uint32, len(epochs))
	for i, e := range epochs {
		packed[i] = epoch32(e)
	}
	values, err := o.client.CallMethod(ctx, oracleABI, o.cfg.Address, "getPollsByEpochs",
		packed,
		o.cfg.StatusFilter,
		o.cfg.TypeFilter,
		big.NewInt(int64(o.cfg.MaxResults)),
	)
	if err != nil {
		return nil, fmt.Errorf("get polls for %d epochs: %w", len(epochs), err)
	}
	polls := convertPolls(values[0])
	if len(polls) < o.cfg.MaxResults {
		return polls, nil
	}

	polls = polls[:0]
	for _, e := range epochs {
		page, err := o.PollsInRange(ctx, e, e)
		if err != nil {
			return nil, err
		}
		polls = append(polls, page...)
	}
	return polls, nil
}

// Resolution is a poll contract's own view of its outcome.
type Resolution struct {
	Finalized bool
	Status    types.PollStatus
}

// FinalizedStatus reads getFinalizedStatus from each poll contract in one
// multicall. Polls whose call failed are missing from the result.
func (o *Oracle) FinalizedStatus(ctx context.Context, polls []common.Address) (map[common.Address]Resolution, error) {
	var plan callPlan[common.Address]
	for _, p := range polls {
		if err := plan.add(p, pollABI, p, "getFinalizedStatus"); err != nil {
			return nil, err
		}
	}
	results, err := o.mc.Aggregate(ctx, plan.calls)
	if err != nil {
		return nil, fmt.Errorf("get finalized status: %w", err)
	}

	out := make(map[common.Address]Resolution, len(results))
	for i, r := range results {
		values, err := decode(pollABI, "getFinalizedStatus", r)
		if err != nil {
			continue
		}
		finalized, _ := values[0].(bool)
		status, _ := values[1].(uint8)
		out[plan.tags[i]] = Resolution{Finalized: finalized, Status: types.PollStatus(status)}
	}
	return out, nil
}

func convertPolls(v any) []types.Poll {
	tuples := *abi.ConvertType(v, new([]pollTuple)).(*[]pollTuple)
	polls := make([]types.Poll, 0, len(tuples))
	for _, t := range tuples {
		polls = append(polls, t.poll())
	}
	return polls
}

// epoch32 clamps an epoch to the contract's uint32 domain.
func epoch32(e int64) uint32 {
	switch {
	case e < 0:
		return 0
	case e > math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(e)
	}
}
