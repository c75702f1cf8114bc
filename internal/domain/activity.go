package domain

import "math/big"

// DailyActivity aggregates archived operations of one kind for one day.
type DailyActivity struct {
	Tick   string
	Day    int64 // start of day, UTC (ms)
	Kind   OpKind
	Count  uint64
	Volume *big.Int // sum of amounts, zero for deploy
}
