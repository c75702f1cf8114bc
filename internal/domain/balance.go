package domain

import "math/big"

// Balance is the amount of a token held by an agent.
// Corresponds to balances table in PostgreSQL, keyed by (token_id, agent_id).
// Rows are kept when the amount drops to zero.
type Balance struct {
	TokenID   string
	AgentID   string
	Amount    *big.Int // >= 0
	UpdatedAt int64    // ms
}

// Clone returns a deep copy of the balance.
func (b *Balance) Clone() *Balance {
	c := *b
	c.Amount = cloneInt(b.Amount)
	return &c
}

// IsHolder reports whether the balance is strictly positive.
func (b *Balance) IsHolder() bool {
	return b != nil && b.Amount != nil && b.Amount.Sign() > 0
}

// Holding is a balance joined with the names it refers to.
type Holding struct {
	Tick      string
	AgentName string
	Amount    *big.Int
}
