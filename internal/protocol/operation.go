package protocol

import (
	"math/big"

	"agt20-indexer/internal/domain"
)

// Operation is a decoded agt-20 operation. The concrete type is one of
// Deploy, Mint, Transfer or Burn.
type Operation interface {
	Kind() domain.OpKind
	Ticker() string
}

// Deploy registers a new ticker.
type Deploy struct {
	Tick string
	Max  *big.Int
	Lim  *big.Int
}

// Mint credits the author with Amt of Tick.
type Mint struct {
	Tick     string
	Amt      *big.Int
	Blessing string // optional, required for gated tickers
}

// Transfer moves Amt of Tick from the author to To.
type Transfer struct {
	Tick string
	Amt  *big.Int
	To   string
}

// Burn destroys Amt of Tick held by the author.
type Burn struct {
	Tick string
	Amt  *big.Int
}

func (Deploy) Kind() domain.OpKind   { return domain.OpDeploy }
func (Mint) Kind() domain.OpKind     { return domain.OpMint }
func (Transfer) Kind() domain.OpKind { return domain.OpTransfer }
func (Burn) Kind() domain.OpKind     { return domain.OpBurn }

func (o Deploy) Ticker() string   { return o.Tick }
func (o Mint) Ticker() string     { return o.Tick }
func (o Transfer) Ticker() string { return o.Tick }
func (o Burn) Ticker() string     { return o.Tick }

// Amount returns the amount carried by op, or nil for deploy.
func Amount(op Operation) *big.Int {
	switch o := op.(type) {
	case Mint:
		return o.Amt
	case Transfer:
		return o.Amt
	case Burn:
		return o.Amt
	}
	return nil
}
