// Package batch implements the adaptive batch executor shared by the epoch
// range scanner, the markets index and the positions scanner.
//
// The executor walks items [0, n) in spans of a current batch size. When a
// span fails, the size shrinks (halving by default, never below the floor)
// and the same start is retried. A span that keeps failing at the floor, or
// exhausts its retry budget, is abandoned and recorded, and the walk moves
// on: one bad span never aborts a scan. A reduced size is kept for the rest
// of the run; with Ratchet it is also kept for every later run, so the
// executor never grows back within a session.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Span is a half-open item range [Start, End).
type Span struct {
	Start int
	End   int
}

// Len returns the number of items in the span.
func (s Span) Len() int { return s.End - s.Start }

// Policy configures an Executor.
//
//   - Initial: batch size for the first span of a (non-ratcheted) run.
//   - Floor: the size below which the executor never shrinks.
//   - MaxRetries: shrink-and-retry attempts per span; 0 means "until the floor".
//   - Backoff: computes the next size after a failure (default Halve).
//   - Pause: fixed delay between consecutive spans, to keep RPC load bounded.
//   - RetryDelay: delay before retrying a failed span.
//   - Ratchet: keep the reduced size across runs.
type Policy struct {
	Initial    int
	Floor      int
	MaxRetries int
	Backoff    func(size int) int
	Pause      time.Duration
	RetryDelay time.Duration
	Ratchet    bool
}

// Halve is the default backoff.
func Halve(size int) int { return size / 2 }

// Report summarizes one run.
type Report struct {
	Spans   int    // spans that succeeded
	Retries int    // shrink-and-retry attempts
	Failed  []Span // spans abandoned after exhausting retries
	Size    int    // batch size when the run ended
}

// Executor runs batched work under a Policy. Safe for sequential reuse;
// callers serialize runs themselves.
type Executor struct {
	policy Policy
	logger *slog.Logger

	mu   sync.Mutex
	size int // ratcheted size, 0 until the first shrink
}

// NewExecutor creates an executor, normalizing the policy so that
// 1 <= Floor <= Initial.
func NewExecutor(p Policy, logger *slog.Logger) *Executor {
	if p.Floor < 1 {
		p.Floor = 1
	}
	if p.Initial < p.Floor {
		p.Initial = p.Floor
	}
	if p.Backoff == nil {
		p.Backoff = Halve
	}
	return &Executor{policy: p, logger: logger}
}

// Size returns the batch size the next run will start with.
func (e *Executor) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.policy.Ratchet && e.size > 0 {
		return e.size
	}
	return e.policy.Initial
}

// Settled is called once per span after it either succeeded (err == nil)
// or was abandoned (err is the last failure). done counts the items of
// [0, total) covered so far.
type Settled func(s Span, err error, done, total int)

// Run calls fn for consecutive spans covering [0, n). settled, if non-nil,
// is called in order for every span that succeeded or was abandoned. The
// only error returned is ctx's.
func (e *Executor) Run(ctx context.Context, n int, fn func(context.Context, Span) error, settled Settled) (Report, error) {
	size := e.Size()
	rep := Report{Size: size}
	if n <= 0 {
		return rep, nil
	}
	defer func() {
		if e.policy.Ratchet {
			e.mu.Lock()
			e.size = rep.Size
			e.mu.Unlock()
		}
	}()

	start, attempts := 0, 0
	for start < n {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		span := Span{Start: start, End: min(n, start+size)}
		err := fn(ctx, span)
		if err == nil {
			rep.Spans++
			start, attempts = span.End, 0
			notify(settled, span, nil, n)
			if start < n {
				if err := sleep(ctx, e.policy.Pause); err != nil {
					return rep, err
				}
			}
			continue
		}
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}

		attempts++
		// A tail span cut short by n shrinks from its own length.
		cur := min(size, span.Len())
		next := e.shrink(cur)
		if next < cur && (e.policy.MaxRetries == 0 || attempts <= e.policy.MaxRetries) {
			e.logger.Debug("batch failed, shrinking",
				"start", span.Start,
				"size", cur,
				"next_size", next,
				"attempt", attempts,
				"error", err,
			)
			size = next
			rep.Size = size
			rep.Retries++
			if err := sleep(ctx, e.policy.RetryDelay); err != nil {
				return rep, err
			}
			continue
		}

		e.logger.Warn("batch abandoned",
			"start", span.Start,
			"end", span.End,
			"size", size,
			"attempts", attempts,
			"error", err,
		)
		rep.Failed = append(rep.Failed, span)
		start, attempts = span.End, 0
		notify(settled, span, err, n)
		if start < n {
			if err := sleep(ctx, e.policy.Pause); err != nil {
				return rep, err
			}
		}
	}
	return rep, nil
}

// shrink returns the next size after a failure, clamped to the floor.
// A result equal to size means the executor cannot shrink any further.
func (e *Executor) shrink(size int) int {
	next := e.policy.Backoff(size)
	if next < e.policy.Floor {
		next = e.policy.Floor
	}
	if next > size {
		return size
	}
	return next
}

func notify(settled Settled, s Span, err error, total int) {
	if settled != nil {
		settled(s, err, s.End, total)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
