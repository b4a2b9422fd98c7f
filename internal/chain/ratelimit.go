package chain

import (
	"context"
	"sync"
	"time"
)

// TokenBucket paces eth_call requests against the RPC endpoint. Tokens
// refill continuously at rate per second up to capacity; a multicall costs
// one token no matter how many sub-calls it carries.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		last:     time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		wait, ok := tb.take()
		if ok {
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// take refills, then consumes a token if one is available. Otherwise it
// returns how long until the next token.
func (tb *TokenBucket) take() (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.last = now

	if tb.tokens >= 1 {
		tb.tokens--
		return 0, true
	}
	if tb.rate <= 0 {
		return time.Second, false
	}
	return time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second)), false
}
