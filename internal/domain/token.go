package domain

import (
	"math/big"
	"strings"
	"unicode/utf8"
)

// MaxTickLength is the maximum number of runes in a ticker.
const MaxTickLength = 10

// Token represents a deployed agt-20 token.
// Corresponds to tokens table in PostgreSQL.
type Token struct {
	ID         string   // PRIMARY KEY
	Tick       string   // UNIQUE, normalized uppercase
	MaxSupply  *big.Int // immutable cap on Supply
	MintLimit  *big.Int // immutable per-mint cap
	Supply     *big.Int // minted minus burned, 0 <= Supply <= MaxSupply
	Holders    int      // agents with a positive balance
	Operations int      // lifetime applied operations
	Deployer   string   // deployer agent name or on-chain address
	DeployedAt int64    // authoring timestamp of the deploy post (ms)
	CreatedAt  int64    // record creation timestamp (ms)
	UpdatedAt  int64    // last mutation timestamp (ms)
}

// Clone returns a deep copy of the token.
func (t *Token) Clone() *Token {
	c := *t
	c.MaxSupply = cloneInt(t.MaxSupply)
	c.MintLimit = cloneInt(t.MintLimit)
	c.Supply = cloneInt(t.Supply)
	return &c
}

// Remaining returns MaxSupply - Supply.
func (t *Token) Remaining() *big.Int {
	return new(big.Int).Sub(t.MaxSupply, t.Supply)
}

// Claimable reports whether minting has completed and the token can move on-chain.
func (t *Token) Claimable() bool {
	return t.Supply.Cmp(t.MaxSupply) >= 0
}

// ProgressPercent returns Supply/MaxSupply as an integer percentage.
func (t *Token) ProgressPercent() int64 {
	if t.MaxSupply.Sign() == 0 {
		return 0
	}
	p := new(big.Int).Mul(t.Supply, big.NewInt(100))
	p.Quo(p, t.MaxSupply)
	return p.Int64()
}

// NormalizeTick trims and uppercases a ticker.
func NormalizeTick(tick string) string {
	return strings.ToUpper(strings.TrimSpace(tick))
}

// ValidTick reports whether a normalized ticker is 1..MaxTickLength runes.
func ValidTick(tick string) bool {
	n := utf8.RuneCountInString(tick)
	return n > 0 && n <= MaxTickLength
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
