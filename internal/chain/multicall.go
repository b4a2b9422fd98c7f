package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Call is one Multicall3 sub-call. Field names match the aggregate3 tuple
// components so the slice packs directly.
type Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result is one aggregate3 return entry.
type Result struct {
	Success    bool
	ReturnData []byte
}

// Multicall batches reads through a Multicall3 deployment.
type Multicall struct {
	client  *Client
	address common.Address
}

// NewMulticall creates a multicall bound to the aggregator at address.
func NewMulticall(client *Client, address common.Address) *Multicall {
	return &Multicall{client: client, address: address}
}

// Aggregate runs calls in one eth_call. The error covers the batch as a
// whole (transport, revert of a non-optional call, decoding); per-call
// failures of AllowFailure calls come back as Result{Success: false}.
func (m *Multicall) Aggregate(ctx context.Context, calls []Call) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	data, err := multicallABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	out, err := m.client.Call(ctx, m.address, data)
	if err != nil {
		return nil, fmt.Errorf("multicall of %d calls: %w", len(calls), err)
	}

	values, err := multicallABI.Unpack("aggregate3", out)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	results := *abi.ConvertType(values[0], new([]Result)).(*[]Result)
	if len(results) != len(calls) {
		return nil, fmt.Errorf("aggregate3 returned %d results for %d calls", len(results), len(calls))
	}
	return results, nil
}

// newCall packs an optional sub-call.
func newCall(contractABI abi.ABI, target common.Address, method string, args ...any) (Call, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return Call{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return Call{Target: target, AllowFailure: true, CallData: data}, nil
}

// decode unpacks a sub-call result, mapping reverts and empty returns to
// ErrCallFailed.
func decode(contractABI abi.ABI, method string, r Result) ([]any, error) {
	if !r.Success || len(r.ReturnData) == 0 {
		return nil, fmt.Errorf("%s: %w", method, ErrCallFailed)
	}
	values, err := contractABI.Unpack(method, r.ReturnData)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// callPlan accumulates sub-calls together with a tag per call so results
// can be routed back after Aggregate.
type callPlan[T any] struct {
	calls []Call
	tags  []T
}

func (p *callPlan[T]) add(tag T, contractABI abi.ABI, target common.Address, method string, args ...any) error {
	c, err := newCall(contractABI, target, method, args...)
	if err != nil {
		return err
	}
	p.calls = append(p.calls, c)
	p.tags = append(p.tags, tag)
	return nil
}
