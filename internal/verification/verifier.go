// Package verification recomputes ledger invariants from stored rows.
// Supply bounds, holder counts and operation counters must hold for every
// token; a gap between the balance sum and supply is reported as drift,
// since snapshot sync overwrites supply without moving balances.
package verification

import (
	"context"
	"fmt"
	"math/big"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/storage"
)

// Checked fields.
const (
	FieldSupply     = "Supply"
	FieldHolders    = "Holders"
	FieldBalance    = "Balance"
	FieldOperations = "Operations"
)

// FieldDivergence represents a mismatch between a stored and a recomputed value.
type FieldDivergence struct {
	Field    string // checked field
	Expected string // recomputed value
	Actual   string // stored value
}

// TokenResult contains the result of verifying a single token.
type TokenResult struct {
	Tick        string
	Match       bool              // true if every invariant holds
	Divergences []FieldDivergence // violated invariants
	Supply      *big.Int          // stored supply
	BalanceSum  *big.Int          // sum of stored balances
}

// Drifted reports whether balances no longer add up to supply.
func (r *TokenResult) Drifted() bool {
	return r.Supply.Cmp(r.BalanceSum) != 0
}

// VerificationReport contains results for every token.
type VerificationReport struct {
	TotalTokens     int
	MatchedTokens   int
	DivergentTokens int
	DriftedTokens   int
	Results         []TokenResult
}

// OK reports whether no invariant is violated. Drift alone is not a violation.
func (r *VerificationReport) OK() bool {
	return r.DivergentTokens == 0
}

// Verifier checks stored ledger state.
type Verifier struct {
	store storage.LedgerReader
}

// NewVerifier creates a Verifier over store.
func NewVerifier(store storage.LedgerReader) *Verifier {
	return &Verifier{store: store}
}

// VerifyToken verifies a single token by ticker.
func (v *Verifier) VerifyToken(ctx context.Context, tick string) (*TokenResult, error) {
	token, err := v.store.GetToken(ctx, domain.NormalizeTick(tick))
	if err != nil {
		return nil, fmt.Errorf("get token %s: %w", tick, err)
	}
	return v.verify(ctx, token)
}

// VerifyAll verifies every token.
func (v *Verifier) VerifyAll(ctx context.Context) (*VerificationReport, error) {
	tokens, err := v.store.ListTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}

	report := &VerificationReport{TotalTokens: len(tokens)}
	for _, token := range tokens {
		res, err := v.verify(ctx, token)
		if err != nil {
			return nil, err
		}
		if res.Match {
			report.MatchedTokens++
		} else {
			report.DivergentTokens++
		}
		if res.Drifted() {
			report.DriftedTokens++
		}
		report.Results = append(report.Results, *res)
	}
	return report, nil
}

func (v *Verifier) verify(ctx context.Context, token *domain.Token) (*TokenResult, error) {
	balances, err := v.store.ListBalancesByToken(ctx, token.ID)
	if err != nil {
		return nil, fmt.Errorf("list balances %s: %w", token.Tick, err)
	}
	ops, err := v.store.ListOperationsByToken(ctx, token.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("list operations %s: %w", token.Tick, err)
	}

	res := &TokenResult{
		Tick:       token.Tick,
		Supply:     new(big.Int).Set(token.Supply),
		BalanceSum: new(big.Int),
	}
	res.Divergences = CompareToken(token, balances, len(ops), res.BalanceSum)
	res.Match = len(res.Divergences) == 0
	return res, nil
}

// CompareToken checks token against its balance rows and operation count,
// accumulating the balance total into sum.
func CompareToken(token *domain.Token, balances []*domain.Balance, operations int, sum *big.Int) []FieldDivergence {
	var divergences []FieldDivergence

	// 0 <= supply <= max_supply
	if token.Supply.Sign() < 0 || token.Supply.Cmp(token.MaxSupply) > 0 {
		divergences = append(divergences, FieldDivergence{
			Field:    FieldSupply,
			Expected: "0.." + token.MaxSupply.String(),
			Actual:   token.Supply.String(),
		})
	}

	holders := 0
	for _, b := range balances {
		if b.Amount.Sign() < 0 {
			divergences = append(divergences, FieldDivergence{
				Field:    FieldBalance,
				Expected: ">= 0",
				Actual:   fmt.Sprintf("%s (agent %s)", b.Amount, b.AgentID),
			})
		}
		if b.IsHolder() {
			holders++
		}
		sum.Add(sum, b.Amount)
	}

	if holders != token.Holders {
		divergences = append(divergences, FieldDivergence{
			Field:    FieldHolders,
			Expected: fmt.Sprint(holders),
			Actual:   fmt.Sprint(token.Holders),
		})
	}

	if operations != token.Operations {
		divergences = append(divergences, FieldDivergence{
			Field:    FieldOperations,
			Expected: fmt.Sprint(operations),
			Actual:   fmt.Sprint(token.Operations),
		})
	}

	return divergences
}
