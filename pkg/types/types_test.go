package types

import (
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPollStatusString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status PollStatus
		want   string
	}{
		{StatusPending, "Pending"},
		{StatusYes, "Yes"},
		{StatusNo, "No"},
		{StatusUnknown, "Unknown"},
		{PollStatus(9), "Invalid"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("PollStatus(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestEpochOf(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1_700_000_123, 0)
	if got := EpochOf(ts, 300); got != 1_700_000_123/300 {
		t.Errorf("EpochOf = %d, want %d", got, 1_700_000_123/300)
	}
	if got := EpochOf(ts, 0); got != 0 {
		t.Errorf("EpochOf with zero length = %d, want 0", got)
	}
	if got := EpochStart(EpochOf(ts, 300), 300); got.After(ts) {
		t.Errorf("EpochStart %v is after %v", got, ts)
	}
}

func TestYesProbability(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chance *big.Int
		want   string
	}{
		{"nil", nil, "0"},
		{"half", big.NewInt(500_000_000), "0.5"},
		{"full", big.NewInt(ChanceScale), "1"},
		{"clamped above one", big.NewInt(2 * ChanceScale), "1"},
	}

	for _, tt := range tests {
		m := MarketSummary{YesChance: tt.chance}
		want, _ := decimal.NewFromString(tt.want)
		if got := m.YesProbability(); !got.Equal(want) {
			t.Errorf("%s: YesProbability() = %s, want %s", tt.name, got, want)
		}
	}
}

func TestUserPositionIsZero(t *testing.T) {
	t.Parallel()

	var empty UserPosition
	if !empty.IsZero() {
		t.Error("position without markets should be zero")
	}

	withZeroBalances := UserPosition{
		AMM:  &AmmPosition{YesBalance: big.NewInt(0), NoBalance: big.NewInt(0)},
		Pari: &PariPosition{YesStake: big.NewInt(0)},
	}
	if !withZeroBalances.IsZero() {
		t.Error("position with only zero balances should be zero")
	}

	withStake := UserPosition{Pari: &PariPosition{NoStake: big.NewInt(3)}}
	if withStake.IsZero() {
		t.Error("position with a stake should not be zero")
	}
}

func TestProgressPercent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		p    Progress
		want int
	}{
		{Progress{Done: 0, Total: 10}, 0},
		{Progress{Done: 5, Total: 10}, 50},
		{Progress{Done: 12, Total: 10}, 100},
		{Progress{Phase: PhaseDone}, 100},
		{Progress{Phase: PhaseIdle}, 0},
	}

	for _, tt := range tests {
		if got := tt.p.Percent(); got != tt.want {
			t.Errorf("%+v.Percent() = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestToUnits(t *testing.T) {
	t.Parallel()

	got := ToUnits(big.NewInt(1_500_000), 6)
	if !got.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("ToUnits = %s, want 1.5", got)
	}
	if !ToUnits(nil, 6).IsZero() {
		t.Error("ToUnits(nil) should be zero")
	}
}
