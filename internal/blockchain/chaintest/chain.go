// Package chaintest provides an in-memory lending pool that answers batched
// JSON-RPC reads the way a node would.
package chaintest

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/loangraph/loansync/internal/blockchain"
	"github.com/loangraph/loansync/internal/domain/loan"
)

type version struct {
	block uint64
	rec   loan.Record
}

var (
	uint256Type, _ = abi.NewType("uint256", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
	uint8Type, _   = abi.NewType("uint8", "", nil)

	countOutputs   = abi.Arguments{{Type: uint256Type}}
	loanOutputs    = abi.Arguments{{Type: uint256Type}, {Type: addressType}, {Type: uint256Type}, {Type: uint256Type}, {Type: uint256Type}, {Type: uint8Type}}
	detailsOutputs = abi.Arguments{{Type: uint256Type}, {Type: uint256Type}, {Type: uint256Type}}
)

// Chain is a fake node holding one pool's loans with their history, so calls
// pinned to an older block see the state at that block. It is safe for
// concurrent use.
type Chain struct {
	mu       sync.Mutex
	head     uint64
	loans    map[uint64][]version
	failures map[uint64]error
	batchErr error
	gate     chan struct{}
	batches  []int
	tags     []string
	onBatch  func(n int)

	selLoan    []byte
	selDetails []byte
	selCount   []byte
}

func New(contract *blockchain.Contract) *Chain {
	loanCall, _ := contract.PackLoan(0)
	detailsCall, _ := contract.PackLoanDetails(0)
	countCall, _ := contract.PackLoansCount()
	return &Chain{
		loans:      map[uint64][]version{},
		failures:   map[uint64]error{},
		selLoan:    loanCall[:4],
		selDetails: detailsCall[:4],
		selCount:   countCall[:4],
	}
}

func (c *Chain) SetHead(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = block
}

// Put stores rec as of the current head; loansCount is the highest id stored.
func (c *Chain) Put(rec loan.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := c.loans[rec.ID]
	if n := len(hist); n > 0 && hist[n-1].block == c.head {
		hist[n-1].rec = rec
		return
	}
	c.loans[rec.ID] = append(hist, version{block: c.head, rec: rec})
}

// OnBatch registers fn to run after every answered batch with the batch's
// sequence number, starting at 1.
func (c *Chain) OnBatch(fn func(n int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBatch = fn
}

// CallTags returns the block tag of every eth_call received.
func (c *Chain) CallTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tags...)
}

// FailLoan makes every read of id fail with err until cleared with nil.
func (c *Chain) FailLoan(id uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, id)
		return
	}
	c.failures[id] = err
}

// FailBatches makes the whole transport fail until cleared with nil.
func (c *Chain) FailBatches(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchErr = err
}

// Hold makes batches wait until Release is called.
func (c *Chain) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
}

func (c *Chain) Release() {
	c.mu.Lock()
	gate := c.gate
	c.gate = nil
	c.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// BatchSizes returns the element count of every batch received.
func (c *Chain) BatchSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.batches...)
}

func (c *Chain) BatchCallContext(ctx context.Context, elems []rpc.BatchElem) error {
	c.mu.Lock()
	c.batches = append(c.batches, len(elems))
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	if c.batchErr != nil {
		err := c.batchErr
		c.mu.Unlock()
		return err
	}
	for i := range elems {
		elems[i].Error = c.answer(&elems[i])
	}
	n, hook := len(c.batches), c.onBatch
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

// at resolves a block tag against the current head.
func (c *Chain) at(tag any) (uint64, error) {
	s, _ := tag.(string)
	if s == "" || s == "latest" {
		return c.head, nil
	}
	block, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("invalid block tag %q", s)
	}
	if block > c.head {
		return 0, fmt.Errorf("header not found")
	}
	return block, nil
}

// loanAt returns the newest version of id stored at or before block.
func (c *Chain) loanAt(id, block uint64) (loan.Record, bool) {
	hist := c.loans[id]
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].block <= block {
			return hist[i].rec, true
		}
	}
	return loan.Record{}, false
}

func (c *Chain) answer(el *rpc.BatchElem) error {
	switch el.Method {
	case "eth_blockNumber":
		out, ok := el.Result.(*hexutil.Uint64)
		if !ok {
			return fmt.Errorf("unexpected result type %T", el.Result)
		}
		*out = hexutil.Uint64(c.head)
		return nil
	case "eth_call":
	default:
		return fmt.Errorf("method %s not supported", el.Method)
	}

	args, ok := el.Args[0].(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected call args %T", el.Args[0])
	}
	var tag any
	if len(el.Args) > 1 {
		tag = el.Args[1]
	}
	if s, ok := tag.(string); ok {
		c.tags = append(c.tags, s)
	}
	block, err := c.at(tag)
	if err != nil {
		return err
	}
	data, ok := args["data"].(hexutil.Bytes)
	if !ok || len(data) < 4 {
		return fmt.Errorf("missing call data")
	}
	out, ok := el.Result.(*hexutil.Bytes)
	if !ok {
		return fmt.Errorf("unexpected result type %T", el.Result)
	}

	sel := data[:4]
	if bytes.Equal(sel, c.selCount) {
		var maxID uint64
		for id := range c.loans {
			if _, ok := c.loanAt(id, block); ok {
				maxID = max(maxID, id)
			}
		}
		packed, err := countOutputs.Pack(new(big.Int).SetUint64(maxID))
		*out = packed
		return err
	}
	if len(data) < 36 {
		return fmt.Errorf("missing loan id")
	}
	id := new(big.Int).SetBytes(data[4:36]).Uint64()
	if err := c.failures[id]; err != nil {
		return err
	}
	rec, ok := c.loanAt(id, block)
	if !ok {
		rec = loan.Record{ID: id, Amount: loan.ZeroAmount}
	}

	var packed []byte
	switch {
	case bytes.Equal(sel, c.selLoan):
		packed, err = loanOutputs.Pack(
			new(big.Int).SetUint64(rec.ID),
			common.HexToAddress(rec.Borrower),
			amountBig(rec.Amount),
			big.NewInt(rec.RequestedTime/1000),
			big.NewInt(rec.ApprovedTime/1000),
			rec.Status.Code,
		)
	case bytes.Equal(sel, c.selDetails):
		packed, err = detailsOutputs.Pack(
			amountBig(rec.Details.TotalAmountRepaid),
			amountBig(rec.Details.BaseAmountRepaid),
			amountBig(rec.Details.InterestPaid),
		)
	default:
		return fmt.Errorf("unknown selector %x", sel)
	}
	*out = packed
	return err
}

func amountBig(a loan.Amount) *big.Int {
	u, err := a.Uint256()
	if err != nil {
		return new(big.Int)
	}
	return u.ToBig()
}
