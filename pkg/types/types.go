// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the scanner: polls, market
// summaries, user positions, cache records and progress reports. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Epochs
// ————————————————————————————————————————————————————————————————————————

// EpochOf returns the epoch number containing t for the given epoch length
// in seconds. Contracts carry epochs as uint32; arithmetic here uses int64
// so that lookahead and backward walks never wrap.
func EpochOf(t time.Time, lengthSec int64) int64 {
	if lengthSec <= 0 {
		return 0
	}
	return t.Unix() / lengthSec
}

// EpochStart returns the unix time at which an epoch begins.
func EpochStart(epoch, lengthSec int64) time.Time {
	return time.Unix(epoch*lengthSec, 0).UTC()
}

// ————————————————————————————————————————————————————————————————————————
// Polls
// ————————————————————————————————————————————————————————————————————————

// PollStatus is the oracle's resolution state for a poll.
type PollStatus uint8

const (
	StatusPending PollStatus = 0
	StatusYes     PollStatus = 1
	StatusNo      PollStatus = 2
	StatusUnknown PollStatus = 3
)

// String returns the display name used by the API.
func (s PollStatus) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusYes:
		return "Yes"
	case StatusNo:
		return "No"
	case StatusUnknown:
		return "Unknown"
	default:
		return "Invalid"
	}
}

// Resolved reports whether the poll has left the Pending state.
func (s PollStatus) Resolved() bool {
	return s != StatusPending
}

// Poll is a yes/no question registered with the oracle. Identity is Address.
// Everything except Status and ResolutionReason is immutable after creation;
// those two transition once, away from Pending.
type Poll struct {
	Address           common.Address `json:"address"`
	Question          string         `json:"question"`
	Rules             string         `json:"rules"`
	Sources           []string       `json:"sources"`
	DeadlineEpoch     int64          `json:"deadline_epoch"`
	FinalizationEpoch int64          `json:"finalization_epoch"`
	CheckEpoch        int64          `json:"check_epoch"`
	Creator           common.Address `json:"creator"`
	Arbiter           common.Address `json:"arbiter"`
	Status            PollStatus     `json:"status"`
	Category          uint8          `json:"category"`
	ResolutionReason  string         `json:"resolution_reason"`
}

// IndexEpoch is the epoch under which the oracle files the poll. Polls are
// indexed by their deadline, so freshly created polls land in future epochs.
func (p Poll) IndexEpoch() int64 {
	return p.DeadlineEpoch
}

// IsFinalized reports whether the poll's outcome is immutable at the given epoch.
func (p Poll) IsFinalized(currentEpoch int64) bool {
	return p.Status.Resolved() && currentEpoch >= p.FinalizationEpoch
}

// ————————————————————————————————————————————————————————————————————————
// Markets
// ————————————————————————————————————————————————————————————————————————

// MarketType distinguishes the two market kinds a poll can back.
type MarketType string

const (
	MarketAMM        MarketType = "amm"
	MarketPariMutuel MarketType = "pari_mutuel"
)

// ChanceScale is the fixed-point scale of MarketSummary.YesChance.
const ChanceScale = 1_000_000_000

// MarketSummary is the marketState() view of one market.
type MarketSummary struct {
	MarketAddress      common.Address `json:"market_address"`
	Type               MarketType     `json:"type"`
	IsLive             bool           `json:"is_live"`
	CollateralTVL      *big.Int       `json:"collateral_tvl"`
	YesChance          *big.Int       `json:"yes_chance"` // 1e9 = 100%
	CollateralToken    common.Address `json:"collateral_token"`
	CollateralDecimals uint8          `json:"collateral_decimals"`
	// DecimalsKnown is false until decimals() was read for CollateralToken.
	// CollateralDecimals is meaningless while it is false.
	DecimalsKnown bool `json:"decimals_known"`
}

// YesProbability returns YesChance as a decimal in [0, 1].
func (m MarketSummary) YesProbability() decimal.Decimal {
	if m.YesChance == nil {
		return decimal.Zero
	}
	p := decimal.NewFromBigInt(m.YesChance, -9)
	if p.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	if p.IsNegative() {
		return decimal.Zero
	}
	return p
}

// TVL returns CollateralTVL in whole collateral units, or zero while the
// collateral decimals are unknown.
func (m MarketSummary) TVL() decimal.Decimal {
	if !m.DecimalsKnown {
		return decimal.Zero
	}
	return ToUnits(m.CollateralTVL, m.CollateralDecimals)
}

// MarketPair holds the markets backing one poll. Either side may be nil.
type MarketPair struct {
	AMM        *MarketSummary `json:"amm,omitempty"`
	PariMutuel *MarketSummary `json:"pari_mutuel,omitempty"`
}

// Empty reports whether the poll has no known market.
func (p MarketPair) Empty() bool {
	return p.AMM == nil && p.PariMutuel == nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// AmmPosition is a wallet's holdings in an AMM market: outcome tokens plus
// LP shares (the market contract is itself the LP token).
type AmmPosition struct {
	Market        common.Address `json:"market"`
	YesToken      common.Address `json:"yes_token"`
	NoToken       common.Address `json:"no_token"`
	YesBalance    *big.Int       `json:"yes_balance"`
	NoBalance     *big.Int       `json:"no_balance"`
	LPShares      *big.Int       `json:"lp_shares"`
	LPTotalSupply *big.Int       `json:"lp_total_supply"`
}

// IsZero reports whether the wallet holds nothing in this market.
func (p *AmmPosition) IsZero() bool {
	return p == nil || (isZero(p.YesBalance) && isZero(p.NoBalance) && isZero(p.LPShares))
}

// PariPosition is a wallet's stake in a pari-mutuel market.
type PariPosition struct {
	Market   common.Address `json:"market"`
	YesStake *big.Int       `json:"yes_stake"`
	NoStake  *big.Int       `json:"no_stake"`
	Claimed  bool           `json:"claimed"`
}

// IsZero reports whether the wallet has no stake in this market.
func (p *PariPosition) IsZero() bool {
	return p == nil || (isZero(p.YesStake) && isZero(p.NoStake))
}

// UserPosition aggregates a wallet's holdings for one poll. Derived on
// demand and held only in memory for the session.
type UserPosition struct {
	PollAddress    common.Address  `json:"poll_address"`
	PollQuestion   string          `json:"poll_question"`
	PollStatus     PollStatus      `json:"poll_status"`
	IsFinalized    bool            `json:"is_finalized"`
	CloseTimestamp time.Time       `json:"close_timestamp"`
	AMM            *AmmPosition    `json:"amm,omitempty"`
	Pari           *PariPosition   `json:"pari,omitempty"`
	TotalValue     decimal.Decimal `json:"total_value"`
}

// IsZero reports whether the position carries no balance at all.
func (p UserPosition) IsZero() bool {
	return p.AMM.IsZero() && p.Pari.IsZero()
}

// ————————————————————————————————————————————————————————————————————————
// Cache, activity, progress
// ————————————————————————————————————————————————————————————————————————

// EpochCacheRecord is what the epoch cache persists per (contract, version).
// Confirmed epochs lie strictly before LastCheckedEpoch and are never scanned
// again; future epochs must be rescanned. The two sets are disjoint.
type EpochCacheRecord struct {
	ContractAddress     common.Address `json:"contract_address"`
	CacheVersion        int            `json:"cache_version"`
	DeploymentTimestamp int64          `json:"deployment_timestamp"`
	LastCheckedEpoch    int64          `json:"last_checked_epoch"`
	ConfirmedEpochs     []int64        `json:"confirmed_epochs"`
	FutureEpochs        []int64        `json:"future_epochs"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ActivityEntry records a poll leaving the Pending state.
type ActivityEntry struct {
	ID          string         `json:"id"`
	PollAddress common.Address `json:"poll_address"`
	Question    string         `json:"question"`
	Status      PollStatus     `json:"status"`
	At          time.Time      `json:"at"`
}

// Phase names a step of a long-running scan.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseReplayingCache    Phase = "replaying_cache"
	PhaseScanningEpochs    Phase = "scanning_epochs"
	PhaseLoadingMarkets    Phase = "loading_markets"
	PhaseScanningPositions Phase = "scanning_positions"
	PhaseDone              Phase = "done"
)

// Progress reports how far a scan has come. Done and Total share a unit
// chosen by the producer (epochs, markets, ...).
type Progress struct {
	Phase Phase `json:"phase"`
	Done  int   `json:"done"`
	Total int   `json:"total"`
}

// Percent returns progress in [0, 100].
func (p Progress) Percent() int {
	if p.Total <= 0 {
		if p.Phase == PhaseDone {
			return 100
		}
		return 0
	}
	pct := p.Done * 100 / p.Total
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// ToUnits converts an integer amount in base units to whole units.
func ToUnits(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

func isZero(x *big.Int) bool {
	return x == nil || x.Sign() == 0
}
