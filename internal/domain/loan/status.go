package loan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Schema names the contract variant that reported a status. The two variants
// use different enumerations and are never unified.
type Schema string

const (
	// SchemaRequest is the request/approve/deny/cancel workflow.
	SchemaRequest Schema = "request"
	// SchemaInstant is the instant borrow/repay/default workflow.
	SchemaInstant Schema = "instant"
)

func ParseSchema(v string) (Schema, error) {
	switch Schema(strings.ToLower(strings.TrimSpace(v))) {
	case SchemaRequest, "":
		return SchemaRequest, nil
	case SchemaInstant:
		return SchemaInstant, nil
	default:
		return "", fmt.Errorf("unknown loan schema %q", v)
	}
}

// Request workflow status codes, in contract enum order.
const (
	Applied uint8 = iota
	Denied
	Approved
	Cancelled
	FundsWithdrawn
	RequestRepaid
	RequestDefaulted
)

// Instant workflow status codes, in contract enum order.
const (
	Null uint8 = iota
	Outstanding
	InstantRepaid
	InstantDefaulted
)

var statusNames = map[Schema][]string{
	SchemaRequest: {"APPLIED", "DENIED", "APPROVED", "CANCELLED", "FUNDS_WITHDRAWN", "REPAID", "DEFAULTED"},
	SchemaInstant: {"NULL", "OUTSTANDING", "REPAID", "DEFAULTED"},
}

var transitions = map[Schema]map[uint8][]uint8{
	SchemaRequest: {
		Applied:        {Approved, Denied},
		Approved:       {Cancelled, FundsWithdrawn},
		FundsWithdrawn: {RequestRepaid, RequestDefaulted},
	},
	SchemaInstant: {
		Null:        {Outstanding},
		Outstanding: {InstantRepaid, InstantDefaulted},
	},
}

// Status is the contract-reported loan state. Any code is accepted; the
// mirror never second-guesses the chain.
type Status struct {
	Schema Schema `json:"schema"`
	Code   uint8  `json:"code"`
}

func NewStatus(schema Schema, code uint8) Status {
	return Status{Schema: schema, Code: code}
}

func (s Status) String() string {
	names := statusNames[s.Schema]
	if int(s.Code) < len(names) {
		return names[s.Code]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s.Code)
}

func (s Status) Known() bool {
	return int(s.Code) < len(statusNames[s.Schema])
}

// CanTransition reports whether next is a legal successor of s under the
// schema's state machine. Informational only.
func (s Status) CanTransition(next Status) bool {
	if s.Schema != next.Schema {
		return false
	}
	for _, c := range transitions[s.Schema][s.Code] {
		if c == next.Code {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	if !s.Known() {
		return false
	}
	return len(transitions[s.Schema][s.Code]) == 0
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Schema Schema `json:"schema"`
		Code   uint8  `json:"code"`
		Name   string `json:"name"`
	}{s.Schema, s.Code, s.String()})
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw struct {
		Schema Schema `json:"schema"`
		Code   uint8  `json:"code"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	s.Schema = raw.Schema
	s.Code = raw.Code
	return nil
}
