package loan

// EventKind is the contract event name that signals a loan changed.
type EventKind string

const (
	EventRequested EventKind = "LoanRequested"
	EventApproved  EventKind = "LoanApproved"
	EventDenied    EventKind = "LoanDenied"
	EventCancelled EventKind = "LoanCancelled"
	EventBorrowed  EventKind = "LoanBorrowed"
	EventRepaid    EventKind = "LoanRepaid"
	EventDefaulted EventKind = "LoanDefaulted"
)

// EventKinds lists the events a schema's contract emits.
func EventKinds(schema Schema) []EventKind {
	if schema == SchemaInstant {
		return []EventKind{EventBorrowed, EventRepaid, EventDefaulted}
	}
	return []EventKind{EventRequested, EventApproved, EventDenied, EventCancelled, EventBorrowed, EventRepaid, EventDefaulted}
}

// CreationKinds lists the events that introduce a new loan id. Historical
// queries over these recover the ids belonging to one borrower.
func CreationKinds(schema Schema) []EventKind {
	if schema == SchemaInstant {
		return []EventKind{EventBorrowed}
	}
	return []EventKind{EventRequested}
}

// Event is a decoded loan event. Only the id and position are trusted; the
// loan itself is always re-read from the contract.
type Event struct {
	Kind        EventKind `json:"kind"`
	LoanID      uint64    `json:"loanId"`
	Borrower    string    `json:"borrower"`
	BlockNumber uint64    `json:"blockNumber"`
	TxHash      string    `json:"txHash"`
	LogIndex    uint      `json:"logIndex"`
	Removed     bool      `json:"removed"`
}
