package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"pollscan/pkg/types"
)

const (
	minReconnectWait = time.Second
	maxReconnectWait = 30 * time.Second
	headBufferSize   = 16
)

// HeadSource is the subscription side of a WebSocket RPC client.
// *ethclient.Client satisfies it.
type HeadSource interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error)
	Close()
}

var _ HeadSource = (*ethclient.Client)(nil)

// HeadWatcher follows new block headers over a WebSocket RPC and emits the
// epoch number each time the chain crosses into a new epoch. It reconnects
// with exponential backoff (1s doubling to 30s) until ctx is cancelled.
type HeadWatcher struct {
	url         string
	epochLength int64
	dial        func(ctx context.Context, url string) (HeadSource, error)

	epochs chan int64
	logger *slog.Logger
}

// NewHeadWatcher creates a watcher for the endpoint at wsURL.
func NewHeadWatcher(wsURL string, epochLength int64, logger *slog.Logger) *HeadWatcher {
	return &HeadWatcher{
		url:         wsURL,
		epochLength: epochLength,
		dial: func(ctx context.Context, url string) (HeadSource, error) {
			return ethclient.DialContext(ctx, url)
		},
		epochs: make(chan int64, 1),
		logger: logger.With("component", "heads"),
	}
}

// Epochs delivers new epoch numbers. Only the latest value is kept if the
// consumer falls behind.
func (w *HeadWatcher) Epochs() <-chan int64 { return w.epochs }

// Run maintains the subscription. Blocks until ctx is cancelled.
func (w *HeadWatcher) Run(ctx context.Context) error {
	backoff := minReconnectWait
	var last int64 = -1

	for {
		received, err := w.follow(ctx, &last)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			backoff = minReconnectWait
		}

		w.logger.Warn("head subscription lost, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// follow runs one subscription session. It reports whether any header
// arrived, so a session that worked for a while resets the backoff.
func (w *HeadWatcher) follow(ctx context.Context, last *int64) (bool, error) {
	src, err := w.dial(ctx, w.url)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer src.Close()

	heads := make(chan *gethtypes.Header, headBufferSize)
	sub, err := src.SubscribeNewHead(ctx, heads)
	if err != nil {
		return false, fmt.Errorf("subscribe new heads: %w", err)
	}
	defer sub.Unsubscribe()
	w.logger.Info("subscribed to new heads", "url", w.url)

	received := false
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return received, err
		case h := <-heads:
			if h == nil {
				continue
			}
			received = true
			epoch := types.EpochOf(time.Unix(int64(h.Time), 0), w.epochLength)
			if epoch <= *last {
				continue
			}
			*last = epoch
			w.emit(epoch)
		}
	}
}

// emit sends without blocking, replacing an unread stale epoch.
func (w *HeadWatcher) emit(epoch int64) {
	select {
	case w.epochs <- epoch:
	default:
		select {
		case <-w.epochs:
		default:
		}
		select {
		case w.epochs <- epoch:
		default:
		}
	}
}
