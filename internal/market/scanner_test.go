package market

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"pollscan/pkg/types"
)

func spreadPolls(n int) []types.Poll {
	polls := make([]types.Poll, 0, n)
	for i := range n {
		polls = append(polls, poll(int64(i+1), int64(i*3%97), types.StatusPending))
	}
	return polls
}

func collect(t *testing.T, s *RangeScanner, from, to int64, size int) map[common.Address]int {
	t.Helper()
	found := make(map[common.Address]int)
	for p := range Polls(s.ScanRange(context.Background(), from, to, size)) {
		found[p.Address]++
	}
	return found
}

func TestScanRangeChunkSizeInvariant(t *testing.T) {
	t.Parallel()
	src := newFakeSource(spreadPolls(60)...)
	s := NewRangeScanner(src, fastPolicy(), testLogger())

	want := collect(t, s, 99, -1, 100)
	if len(want) != 60 {
		t.Fatalf("full scan found %d polls, want 60", len(want))
	}
	for _, size := range []int{1, 3, 7, 64, 1000} {
		got := collect(t, s, 99, -1, size)
		if len(got) != len(want) {
			t.Errorf("size %d: found %d polls, want %d", size, len(got), len(want))
		}
		for a, n := range got {
			if n != 1 {
				t.Errorf("size %d: poll %s seen %d times", size, a.Hex(), n)
			}
		}
	}
}

func TestScanRangeNewestFirstAndContiguous(t *testing.T) {
	t.Parallel()
	s := NewRangeScanner(newFakeSource(), fastPolicy(), testLogger())

	next := int64(20)
	last := types.Progress{}
	for c := range s.ScanRange(context.Background(), 20, 4, 5) {
		if c.Hi != next {
			t.Fatalf("chunk Hi = %d, want %d", c.Hi, next)
		}
		if c.Lo > c.Hi || c.Lo <= 4 {
			t.Fatalf("chunk [%d, %d] out of range", c.Lo, c.Hi)
		}
		if c.Progress.Done < last.Done {
			t.Fatalf("progress went backwards: %d < %d", c.Progress.Done, last.Done)
		}
		next, last = c.Lo-1, c.Progress
	}
	if next != 4 {
		t.Errorf("scan stopped above epoch %d, want it to end at 5", next+1)
	}
	if last.Done != 16 || last.Total != 16 {
		t.Errorf("final progress = %+v, want 16/16", last)
	}
}

func TestScanRangeSkipsFailingEpoch(t *testing.T) {
	t.Parallel()
	src := newFakeSource(poll(1, 10, 0), poll(2, 50, 0), poll(3, 90, 0))
	src.failRange = func(hi, lo int64) bool { return lo <= 50 && 50 <= hi }
	s := NewRangeScanner(src, fastPolicy(), testLogger())

	var failed []Chunk
	found := make(map[common.Address]bool)
	for c := range s.ScanRange(context.Background(), 99, -1, 32) {
		if c.Failed {
			failed = append(failed, c)
			continue
		}
		for _, p := range c.Polls {
			found[p.Address] = true
		}
	}

	if len(failed) != 1 || failed[0].Hi != 50 || failed[0].Lo != 50 {
		t.Fatalf("failed chunks = %+v, want only [50, 50]", failed)
	}
	if !found[addr(1)] || !found[addr(3)] || found[addr(2)] {
		t.Errorf("found = %v, want polls 1 and 3 only", found)
	}
}

func TestScanRangeIsSingleUse(t *testing.T) {
	t.Parallel()
	src := newFakeSource(poll(1, 3, 0))
	s := NewRangeScanner(src, fastPolicy(), testLogger())
	seq := s.ScanRange(context.Background(), 9, -1, 5)

	first := 0
	for range seq {
		first++
	}
	second := 0
	for range seq {
		second++
	}
	if first != 2 || second != 0 {
		t.Errorf("chunks = %d then %d, want 2 then 0", first, second)
	}
}

func TestScanRangeBreakStopsScanning(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	s := NewRangeScanner(src, fastPolicy(), testLogger())

	for range s.ScanRange(context.Background(), 999, -1, 10) {
		break
	}
	if n := src.rangeCalls(); n != 1 {
		t.Errorf("range calls = %d after break, want 1", n)
	}
}

func TestScanRangeEmpty(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	s := NewRangeScanner(src, fastPolicy(), testLogger())

	for c := range s.ScanRange(context.Background(), 5, 5, 10) {
		t.Errorf("unexpected chunk %+v", c)
	}
	if src.rangeCalls() != 0 {
		t.Error("an empty range must not call the source")
	}
}
