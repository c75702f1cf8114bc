package verification

import (
	"context"
	"math/big"
	"testing"
	"time"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/ledger"
	"agt20-indexer/internal/storage"
	"agt20-indexer/internal/storage/memory"
)

const hourMs = int64(time.Hour / time.Millisecond)

func replay(t *testing.T, store *memory.LedgerStore, contents ...string) {
	t.Helper()
	p := ledger.NewProcessor(ledger.ProcessorOptions{Store: store})
	for i, c := range contents {
		post := &domain.Post{
			ID:         "post-" + string(rune('a'+i)),
			AuthorName: "alice",
			Content:    c,
			CreatedAt:  int64(i) * 3 * hourMs,
		}
		if _, err := p.Process(context.Background(), post); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
}

func TestVerifier_ReplayedLedgerMatches(t *testing.T) {
	store := memory.NewLedgerStore()
	replay(t, store,
		`{"p":"agt-20","op":"deploy","tick":"AAA","max":"1000","lim":"100"}`,
		`{"p":"agt-20","op":"mint","tick":"AAA","amt":"100"}`,
		`{"p":"agt-20","op":"transfer","tick":"AAA","amt":"40","to":"bob"}`,
		`{"p":"agt-20","op":"burn","tick":"AAA","amt":"10"}`,
	)

	report, err := NewVerifier(store).VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected OK report, got %+v", report.Results)
	}
	if report.TotalTokens != 1 || report.MatchedTokens != 1 || report.DriftedTokens != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if got := report.Results[0].BalanceSum.String(); got != "90" {
		t.Errorf("expected balance sum 90, got %s", got)
	}
}

func TestVerifier_DetectsHolderAndOperationMismatch(t *testing.T) {
	store := memory.NewLedgerStore()
	err := store.WithTx(context.Background(), func(tx storage.LedgerTx) error {
		return tx.InsertToken(context.Background(), &domain.Token{
			ID:         "tok-bad",
			Tick:       "BAD",
			MaxSupply:  big.NewInt(10),
			MintLimit:  big.NewInt(10),
			Supply:     big.NewInt(0),
			Holders:    2,
			Operations: 1,
		})
	})
	if err != nil {
		t.Fatalf("InsertToken: %v", err)
	}

	res, err := NewVerifier(store).VerifyToken(context.Background(), "bad")
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if res.Match {
		t.Fatal("expected divergences")
	}

	fields := map[string]FieldDivergence{}
	for _, d := range res.Divergences {
		fields[d.Field] = d
	}
	if d, ok := fields[FieldHolders]; !ok || d.Expected != "0" || d.Actual != "2" {
		t.Errorf("expected holders divergence 0 vs 2, got %+v", fields)
	}
	if d, ok := fields[FieldOperations]; !ok || d.Expected != "0" || d.Actual != "1" {
		t.Errorf("expected operations divergence 0 vs 1, got %+v", fields)
	}
}

func TestVerifier_SnapshotDriftIsNotViolation(t *testing.T) {
	store := memory.NewLedgerStore()
	replay(t, store,
		`{"p":"agt-20","op":"deploy","tick":"AAA","max":"1000","lim":"100"}`,
		`{"p":"agt-20","op":"mint","tick":"AAA","amt":"100"}`,
	)

	ctx := context.Background()
	tok, _ := store.GetToken(ctx, "AAA")
	err := store.WithTx(ctx, func(tx storage.LedgerTx) error {
		return tx.SetTokenSupply(ctx, tok.ID, big.NewInt(700), 0)
	})
	if err != nil {
		t.Fatalf("SetTokenSupply: %v", err)
	}

	report, err := NewVerifier(store).VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if !report.OK() {
		t.Errorf("drift must not fail verification: %+v", report.Results)
	}
	if report.DriftedTokens != 1 || !report.Results[0].Drifted() {
		t.Errorf("expected drift, got %+v", report)
	}
}

func TestCompareToken_SupplyBounds(t *testing.T) {
	token := &domain.Token{
		Tick:      "X",
		MaxSupply: big.NewInt(10),
		Supply:    big.NewInt(11),
	}
	balances := []*domain.Balance{{AgentID: "a", Amount: big.NewInt(-1)}}

	divs := CompareToken(token, balances, 0, new(big.Int))
	seen := map[string]bool{}
	for _, d := range divs {
		seen[d.Field] = true
	}
	if !seen[FieldSupply] || !seen[FieldBalance] {
		t.Errorf("expected supply and balance divergences, got %+v", divs)
	}
}

func TestVerifier_UnknownToken(t *testing.T) {
	_, err := NewVerifier(memory.NewLedgerStore()).VerifyToken(context.Background(), "NOPE")
	if err == nil {
		t.Fatal("expected error")
	}
}
