package market

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"

	"pollscan/internal/batch"
	"pollscan/pkg/types"
)

// RangeScanner walks the oracle's epoch index backwards in chunks.
//
// Each chunk is one getPollsByEpochRange walk (paged as needed). When a
// chunk fails the chunk size shrinks and the same upper epoch is retried;
// a sub-range that still fails at the floor comes out as an empty chunk
// marked Failed, and the scan carries on below it.
type RangeScanner struct {
	source PollSource
	policy batch.Policy
	logger *slog.Logger
}

// Chunk is one settled sub-range [Lo, Hi] of a scan.
type Chunk struct {
	Hi       int64
	Lo       int64
	Polls    []types.Poll
	Failed   bool
	Progress types.Progress // epochs settled / epochs in range
}

// NewRangeScanner creates a scanner. policy.Initial is ignored: each scan
// starts at the chunk size it is given.
func NewRangeScanner(source PollSource, policy batch.Policy, logger *slog.Logger) *RangeScanner {
	return &RangeScanner{
		source: source,
		policy: policy,
		logger: logger.With("component", "range_scanner"),
	}
}

// ScanRange returns the chunks covering epochs fromInclusive down to
// toExclusive, newest first: [from, from-size+1], [from-size, ...], ...
//
// The sequence is lazy and single-use; ranging over it a second time yields
// nothing. Breaking out of the loop stops the scan before the next RPC.
func (s *RangeScanner) ScanRange(ctx context.Context, fromInclusive, toExclusive int64, chunkSize int) iter.Seq[Chunk] {
	var used atomic.Bool
	return func(yield func(Chunk) bool) {
		if used.Swap(true) {
			return
		}
		total := fromInclusive - toExclusive
		if total <= 0 {
			return
		}

		p := s.policy
		p.Initial = chunkSize
		p.Ratchet = false
		exec := batch.NewExecutor(p, s.logger)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		// fetched holds the polls of the span fn last succeeded on, until the
		// settled callback hands them to the consumer.
		var fetched []types.Poll
		bounds := func(sp batch.Span) (hi, lo int64) {
			return fromInclusive - int64(sp.Start), fromInclusive - int64(sp.End) + 1
		}

		fn := func(ctx context.Context, sp batch.Span) error {
			hi, lo := bounds(sp)
			polls, err := s.source.PollsInRange(ctx, hi, lo)
			if err != nil {
				return err
			}
			fetched = polls
			return nil
		}

		settled := func(sp batch.Span, err error, done, n int) {
			hi, lo := bounds(sp)
			c := Chunk{
				Hi:       hi,
				Lo:       lo,
				Failed:   err != nil,
				Progress: types.Progress{Phase: types.PhaseScanningEpochs, Done: done, Total: n},
			}
			if err == nil {
				c.Polls = fetched
			}
			fetched = nil
			if !yield(c) {
				cancel()
			}
		}

		_, _ = exec.Run(runCtx, int(total), fn, settled)
	}
}

// Polls flattens a chunk sequence into its polls, in chunk order.
func Polls(chunks iter.Seq[Chunk]) iter.Seq[types.Poll] {
	return func(yield func(types.Poll) bool) {
		for c := range chunks {
			for _, p := range c.Polls {
				if !yield(p) {
					return
				}
			}
		}
	}
}
