package ledger

import "agt20-indexer/internal/domain"

// Outcome classifies what happened to a post.
type Outcome int

const (
	// NoOp means the post carried no agt-20 operation. Nothing was written.
	NoOp Outcome = iota
	// Applied means the operation changed the ledger.
	Applied
	// Rejected means a well-formed operation failed a precondition and its
	// post identifier was consumed by a Rejection row.
	Rejected
	// AlreadyIndexed means the post identifier was consumed earlier.
	AlreadyIndexed
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	case AlreadyIndexed:
		return "already_indexed"
	default:
		return "no_op"
	}
}

// Rejection reasons raised by the processor. Policy reasons come from
// package policy.
const (
	ReasonTokenExists         = "token_exists"
	ReasonTokenMissing        = "token_missing"
	ReasonLimitExceeded       = "limit_exceeded"
	ReasonSupplyExceeded      = "supply_exceeded"
	ReasonInsufficientBalance = "insufficient_balance"
)

// Result describes the processing of a single post.
type Result struct {
	PostID    string
	Outcome   Outcome
	Kind      domain.OpKind     // empty for NoOp
	Tick      string            // empty for NoOp
	Reason    string            // set for Rejected
	Operation *domain.Operation // set for Applied
}
