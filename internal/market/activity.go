package market

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"pollscan/pkg/types"
)

// activityRing keeps the most recent resolution events, newest first.
// Not safe for concurrent use; the aggregator guards it.
type activityRing struct {
	entries []types.ActivityEntry
	size    int
}

func newActivityRing(size int) *activityRing {
	if size <= 0 {
		size = 1
	}
	return &activityRing{size: size}
}

// push prepends e, evicting the oldest entry once full.
func (r *activityRing) push(e types.ActivityEntry) {
	r.entries = append([]types.ActivityEntry{e}, r.entries...)
	if len(r.entries) > r.size {
		r.entries = r.entries[:r.size]
	}
}

func (r *activityRing) list() []types.ActivityEntry {
	out := make([]types.ActivityEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// resolutions diffs two refreshes and returns one entry per poll that left
// Pending. prev == nil means there is no earlier refresh to compare with.
func resolutions(prev map[common.Address]types.PollStatus, polls []types.Poll, at time.Time) []types.ActivityEntry {
	if prev == nil {
		return nil
	}
	var out []types.ActivityEntry
	for _, p := range polls {
		before, seen := prev[p.Address]
		if !seen || before != types.StatusPending || !p.Status.Resolved() {
			continue
		}
		out = append(out, types.ActivityEntry{
			ID:          uuid.NewString(),
			PollAddress: p.Address,
			Question:    p.Question,
			Status:      p.Status,
			At:          at,
		})
	}
	return out
}
