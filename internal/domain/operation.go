package domain

import "math/big"

// OpKind is the kind of a ledger operation.
type OpKind string

const (
	OpDeploy   OpKind = "deploy"
	OpMint     OpKind = "mint"
	OpTransfer OpKind = "transfer"
	OpBurn     OpKind = "burn"
)

// String returns the string representation of OpKind.
func (k OpKind) String() string {
	return string(k)
}

// IsValid checks if the kind is one of the four recognized kinds.
func (k OpKind) IsValid() bool {
	switch k {
	case OpDeploy, OpMint, OpTransfer, OpBurn:
		return true
	}
	return false
}

// Operation is the immutable audit record of an applied post.
// Corresponds to operations table in PostgreSQL. PostID is UNIQUE.
type Operation struct {
	ID          string   // PRIMARY KEY, deterministic hash of PostID
	Kind        OpKind   // deploy | mint | transfer | burn
	TokenID     string   // FK to tokens
	Tick        string   // denormalized ticker
	FromAgentID *string  // sender (transfer, burn)
	ToAgentID   *string  // receiver (deploy, mint, transfer)
	FromAgent   *string  // sender name
	ToAgent     *string  // receiver name
	Amount      *big.Int // nil for deploy
	PostID      string   // source post identifier, idempotency key
	PostURL     string   // canonical source post URL
	Timestamp   int64    // post authoring timestamp (ms)
}

// Clone returns a deep copy of the operation.
func (o *Operation) Clone() *Operation {
	c := *o
	c.Amount = cloneInt(o.Amount)
	return &c
}
