package loan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidScope = errors.New("invalid scope")

// Scope selects the loans tracked for a pool, optionally narrowed to one
// borrower account.
type Scope struct {
	Pool    common.Address
	Account *common.Address
}

func PoolScope(pool common.Address) Scope {
	return Scope{Pool: pool}
}

func AccountScope(pool, account common.Address) Scope {
	return Scope{Pool: pool, Account: &account}
}

// ParseScope validates hex addresses. An empty account yields a pool-wide scope.
func ParseScope(pool, account string) (Scope, error) {
	pool = strings.TrimSpace(pool)
	if !common.IsHexAddress(pool) {
		return Scope{}, fmt.Errorf("%w: pool %q", ErrInvalidScope, pool)
	}
	out := Scope{Pool: common.HexToAddress(pool)}
	account = strings.TrimSpace(account)
	if account == "" {
		return out, nil
	}
	if !common.IsHexAddress(account) {
		return Scope{}, fmt.Errorf("%w: account %q", ErrInvalidScope, account)
	}
	acct := common.HexToAddress(account)
	out.Account = &acct
	return out, nil
}

// Key is the canonical registry/cache key: "pool" or "pool:account".
func (s Scope) Key() string {
	key := strings.ToLower(s.Pool.Hex())
	if s.Account != nil {
		key += ":" + strings.ToLower(s.Account.Hex())
	}
	return key
}

func (s Scope) String() string {
	return s.Key()
}

func (s Scope) Scoped() bool {
	return s.Account != nil
}

// Matches reports whether a record belongs to the scope.
func (s Scope) Matches(r Record) bool {
	if s.Account == nil {
		return true
	}
	return strings.EqualFold(r.Borrower, s.Account.Hex())
}
