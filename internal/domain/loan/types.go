package loan

import (
	"fmt"
	"math"
	"math/big"

	"github.com/holiman/uint256"
)

// Amount is an unsigned 256-bit quantity carried as a 0x-prefixed hex string
// so it survives JSON without precision loss.
type Amount string

const ZeroAmount Amount = "0x0"

// AmountFromBig encodes a contract uint256 value. Negative or oversized values
// are rejected rather than truncated.
func AmountFromBig(v *big.Int) (Amount, error) {
	if v == nil {
		return ZeroAmount, nil
	}
	if v.Sign() < 0 {
		return "", fmt.Errorf("negative amount %s", v.String())
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return "", fmt.Errorf("amount overflows uint256")
	}
	return Amount(u.Hex()), nil
}

func (a Amount) Uint256() (*uint256.Int, error) {
	if a == "" {
		return uint256.NewInt(0), nil
	}
	return uint256.FromHex(string(a))
}

type Details struct {
	TotalAmountRepaid Amount `json:"totalAmountRepaid"`
	BaseAmountRepaid  Amount `json:"baseAmountRepaid"`
	InterestPaid      Amount `json:"interestPaid"`
}

type Record struct {
	ID            uint64  `json:"id"`
	Status        Status  `json:"status"`
	Borrower      string  `json:"borrower"`
	Amount        Amount  `json:"amount"`
	RequestedTime int64   `json:"requestedTime"`
	ApprovedTime  int64   `json:"approvedTime"`
	Details       Details `json:"details"`
}

type Snapshot struct {
	Loans       []Record `json:"loans"`
	BlockNumber uint64   `json:"blockNumber"`
}

type PendingUpdate struct {
	Loan        Record `json:"loan"`
	BlockNumber uint64 `json:"blockNumber"`
}

const maxSeconds = math.MaxInt64 / 1000

// SecondsToMillis scales a contract timestamp (unix seconds) to milliseconds.
// Timestamps whose millisecond value does not fit an int64 are rejected.
func SecondsToMillis(v *big.Int) (int64, error) {
	if v == nil {
		return 0, nil
	}
	if v.Sign() < 0 {
		return 0, fmt.Errorf("negative timestamp %s", v.String())
	}
	if !v.IsInt64() || v.Int64() > maxSeconds {
		return 0, fmt.Errorf("timestamp %s out of range", v.String())
	}
	return v.Int64() * 1000, nil
}

func CloneRecords(in []Record) []Record {
	if in == nil {
		return nil
	}
	out := make([]Record, len(in))
	copy(out, in)
	return out
}
