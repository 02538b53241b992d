package blockchain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/loangraph/loansync/internal/domain/loan"
	"golang.org/x/crypto/sha3"
)

const poolFunctionsABI = `[
  {"type":"function","name":"loansCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"loans","stateMutability":"view","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[
    {"name":"id","type":"uint256"},
    {"name":"borrower","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"requestedTime","type":"uint256"},
    {"name":"approvedTime","type":"uint256"},
    {"name":"status","type":"uint8"}
  ]},
  {"type":"function","name":"loanDetails","stateMutability":"view","inputs":[{"name":"loanId","type":"uint256"}],"outputs":[
    {"name":"totalAmountRepaid","type":"uint256"},
    {"name":"baseAmountRepaid","type":"uint256"},
    {"name":"interestPaid","type":"uint256"}
  ]}`

const loanEventABI = `{"type":"event","name":"%s","anonymous":false,"inputs":[{"name":"borrower","type":"address","indexed":true},{"name":"loanId","type":"uint256","indexed":false}]}`

// Contract binds the minimal lending pool ABI for one schema.
type Contract struct {
	schema loan.Schema
	abi    abi.ABI
	topics map[common.Hash]loan.EventKind
}

func NewContract(schema loan.Schema) (*Contract, error) {
	var b strings.Builder
	b.WriteString(poolFunctionsABI)
	for _, kind := range loan.EventKinds(schema) {
		b.WriteString(",")
		fmt.Fprintf(&b, loanEventABI, kind)
	}
	b.WriteString("]")

	parsed, err := abi.JSON(strings.NewReader(b.String()))
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	topics := make(map[common.Hash]loan.EventKind)
	for _, kind := range loan.EventKinds(schema) {
		topics[EventTopic(kind)] = kind
	}
	return &Contract{schema: schema, abi: parsed, topics: topics}, nil
}

func (c *Contract) Schema() loan.Schema {
	return c.schema
}

// EventTopic is topic0 of a loan event: keccak256 of its canonical signature.
func EventTopic(kind loan.EventKind) common.Hash {
	hash := sha3.NewLegacyKeccak256()
	_, _ = hash.Write([]byte(string(kind) + "(address,uint256)"))
	return common.BytesToHash(hash.Sum(nil))
}

// Topics returns topic0 values for kinds, in order.
func (c *Contract) Topics(kinds []loan.EventKind) []common.Hash {
	out := make([]common.Hash, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, EventTopic(k))
	}
	return out
}

func (c *Contract) KindOf(topic common.Hash) (loan.EventKind, bool) {
	k, ok := c.topics[topic]
	return k, ok
}

func (c *Contract) PackLoansCount() ([]byte, error) {
	return c.abi.Pack("loansCount")
}

func (c *Contract) PackLoan(id uint64) ([]byte, error) {
	return c.abi.Pack("loans", new(big.Int).SetUint64(id))
}

func (c *Contract) PackLoanDetails(id uint64) ([]byte, error) {
	return c.abi.Pack("loanDetails", new(big.Int).SetUint64(id))
}

func (c *Contract) UnpackLoansCount(data []byte) (uint64, error) {
	out, err := c.abi.Unpack("loansCount", data)
	if err != nil {
		return 0, fmt.Errorf("unpack loansCount: %w", err)
	}
	n, err := bigAt(out, 0)
	if err != nil {
		return 0, fmt.Errorf("loansCount: %w", err)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("loansCount out of range: %s", n)
	}
	return n.Uint64(), nil
}

// UnpackLoan decodes a loans(id) result. Details are filled separately.
func (c *Contract) UnpackLoan(data []byte) (loan.Record, error) {
	out, err := c.abi.Unpack("loans", data)
	if err != nil {
		return loan.Record{}, fmt.Errorf("unpack loans: %w", err)
	}
	if len(out) != 6 {
		return loan.Record{}, fmt.Errorf("unpack loans: expected 6 values, got %d", len(out))
	}
	id, err := bigAt(out, 0)
	if err != nil || !id.IsUint64() {
		return loan.Record{}, fmt.Errorf("loans: invalid id")
	}
	borrower, ok := out[1].(common.Address)
	if !ok {
		return loan.Record{}, fmt.Errorf("loans: invalid borrower")
	}
	amountRaw, err := bigAt(out, 2)
	if err != nil {
		return loan.Record{}, fmt.Errorf("loans: %w", err)
	}
	amount, err := loan.AmountFromBig(amountRaw)
	if err != nil {
		return loan.Record{}, fmt.Errorf("loans: %w", err)
	}
	requested, err := bigAt(out, 3)
	if err != nil {
		return loan.Record{}, fmt.Errorf("loans: %w", err)
	}
	approved, err := bigAt(out, 4)
	if err != nil {
		return loan.Record{}, fmt.Errorf("loans: %w", err)
	}
	status, ok := out[5].(uint8)
	if !ok {
		return loan.Record{}, fmt.Errorf("loans: invalid status")
	}
	requestedMs, err := loan.SecondsToMillis(requested)
	if err != nil {
		return loan.Record{}, fmt.Errorf("loans: requested time: %w", err)
	}
	approvedMs, err := loan.SecondsToMillis(approved)
	if err != nil {
		return loan.Record{}, fmt.Errorf("loans: approved time: %w", err)
	}
	return loan.Record{
		ID:            id.Uint64(),
		Status:        loan.NewStatus(c.schema, status),
		Borrower:      strings.ToLower(borrower.Hex()),
		Amount:        amount,
		RequestedTime: requestedMs,
		ApprovedTime:  approvedMs,
	}, nil
}

func (c *Contract) UnpackLoanDetails(data []byte) (loan.Details, error) {
	out, err := c.abi.Unpack("loanDetails", data)
	if err != nil {
		return loan.Details{}, fmt.Errorf("unpack loanDetails: %w", err)
	}
	amounts := make([]loan.Amount, 3)
	for i := range amounts {
		v, err := bigAt(out, i)
		if err != nil {
			return loan.Details{}, fmt.Errorf("loanDetails: %w", err)
		}
		if amounts[i], err = loan.AmountFromBig(v); err != nil {
			return loan.Details{}, fmt.Errorf("loanDetails: %w", err)
		}
	}
	return loan.Details{
		TotalAmountRepaid: amounts[0],
		BaseAmountRepaid:  amounts[1],
		InterestPaid:      amounts[2],
	}, nil
}

// UnpackEventLoanID reads the non-indexed loanId of a loan event.
func (c *Contract) UnpackEventLoanID(kind loan.EventKind, data []byte) (uint64, error) {
	out, err := c.abi.Unpack(string(kind), data)
	if err != nil {
		return 0, fmt.Errorf("unpack %s: %w", kind, err)
	}
	id, err := bigAt(out, 0)
	if err != nil || !id.IsUint64() {
		return 0, fmt.Errorf("%s: invalid loan id", kind)
	}
	return id.Uint64(), nil
}

// CallArgs builds an eth_call transaction object.
func CallArgs(to common.Address, data []byte) map[string]any {
	return map[string]any{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
}

func bigAt(values []any, i int) (*big.Int, error) {
	if i >= len(values) {
		return nil, fmt.Errorf("missing value %d", i)
	}
	v, ok := values[i].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("value %d is not uint256", i)
	}
	return v, nil
}
