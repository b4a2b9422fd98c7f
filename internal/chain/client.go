package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrCallFailed is returned when a contract call inside a multicall
// reverted or returned no data.
var ErrCallFailed = errors.New("contract call failed")

// ContractCaller is the read side of an Ethereum RPC client.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ ContractCaller = (*ethclient.Client)(nil)

// Client performs rate-limited eth_calls with a per-call deadline.
type Client struct {
	caller  ContractCaller
	limiter *TokenBucket
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient wraps caller. A nil limiter disables pacing; a zero timeout
// leaves deadlines to the caller's context.
func NewClient(caller ContractCaller, limiter *TokenBucket, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		caller:  caller,
		limiter: limiter,
		timeout: timeout,
		logger:  logger.With("component", "chain"),
	}
}

// Dial connects to an HTTP or WebSocket JSON-RPC endpoint.
func Dial(ctx context.Context, rawURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return c, nil
}

// Call performs a raw eth_call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CallMethod packs method with args, calls the contract and unpacks the
// outputs.
func (c *Client) CallMethod(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.Call(ctx, to, data)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), ErrCallFailed)
	}
	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}
