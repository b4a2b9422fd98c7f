package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var errReverted = errors.New("execution reverted")

type handler func(args []any) ([]any, error)

type fakeMethod struct {
	method abi.Method
	fn     handler
}

// fakeChain is an in-memory EVM stand-in: contracts are method handlers
// keyed by address and selector, and calls to the multicall address are
// decoded and fanned out to them.
type fakeChain struct {
	mu        sync.Mutex
	multicall common.Address
	methods   map[common.Address]map[[4]byte]fakeMethod
	calls     int
	batches   []int

	// failBatch, when set, fails an aggregate3 of n sub-calls outright.
	failBatch func(n int) bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		multicall: common.HexToAddress("0xca11"),
		methods:   make(map[common.Address]map[[4]byte]fakeMethod),
	}
}

func (f *fakeChain) on(addr common.Address, contractABI abi.ABI, name string, fn handler) {
	m := contractABI.Methods[name]
	var sel [4]byte
	copy(sel[:], m.ID)
	if f.methods[addr] == nil {
		f.methods[addr] = make(map[[4]byte]fakeMethod)
	}
	f.methods[addr][sel] = fakeMethod{method: m, fn: fn}
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if *msg.To == f.multicall {
		return f.aggregate(msg.Data)
	}
	return f.dispatch(*msg.To, msg.Data)
}

func (f *fakeChain) dispatch(to common.Address, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errReverted
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	m, ok := f.methods[to][sel]
	if !ok {
		return nil, errReverted
	}
	args, err := m.method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	out, err := m.fn(args)
	if err != nil {
		return nil, err
	}
	return m.method.Outputs.Pack(out...)
}

func (f *fakeChain) aggregate(data []byte) ([]byte, error) {
	method := multicallABI.Methods["aggregate3"]
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	calls := *abi.ConvertType(args[0], new([]Call)).(*[]Call)
	f.batches = append(f.batches, len(calls))
	if f.failBatch != nil && f.failBatch(len(calls)) {
		return nil, errors.New("response size exceeded")
	}

	results := make([]Result, len(calls))
	for i, c := range calls {
		out, err := f.dispatch(c.Target, c.CallData)
		if err != nil {
			if !c.AllowFailure {
				return nil, errReverted
			}
			results[i] = Result{Success: false, ReturnData: []byte{}}
			continue
		}
		results[i] = Result{Success: true, ReturnData: out}
	}
	return method.Outputs.Pack(results)
}

func (f *fakeChain) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, fc *fakeChain) (*Client, *Multicall) {
	t.Helper()
	c := NewClient(fc, nil, 0, testLogger())
	return c, NewMulticall(c, fc.multicall)
}

func addr(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}
