// Package notify fans immutable snapshots out to subscribers.
//
// Each subscriber gets a one-slot channel holding the most recent value:
// publishing never blocks, and a slow reader skips intermediate snapshots
// rather than holding up the writer.
package notify

import "sync"

// Broadcaster delivers values of T to every current subscriber. The zero
// value is ready to use.
type Broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan T]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish hands v to every subscriber, replacing any value it has not read yet.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}

// Len returns the number of current subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
