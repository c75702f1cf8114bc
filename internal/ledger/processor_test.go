package ledger

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/moderation"
	"agt20-indexer/internal/policy"
	"agt20-indexer/internal/storage"
	"agt20-indexer/internal/storage/memory"
)

const hourMs = int64(time.Hour / time.Millisecond)

func newTestProcessor(store storage.LedgerStore, classifier moderation.Classifier) *Processor {
	return NewProcessor(ProcessorOptions{
		Store: store,
		Guard: policy.NewGuard(policy.Options{Classifier: classifier}),
	})
}

func post(id, author, content string, at int64) *domain.Post {
	return &domain.Post{ID: id, AuthorName: author, Content: content, CreatedAt: at}
}

func process(t *testing.T, p *Processor, posts ...*domain.Post) []*Result {
	t.Helper()
	var results []*Result
	for _, ps := range posts {
		res, err := p.Process(context.Background(), ps)
		require.NoError(t, err)
		results = append(results, res)
	}
	return results
}

func balanceOf(t *testing.T, store storage.LedgerStore, tick, agent string) *big.Int {
	t.Helper()
	ctx := context.Background()
	tok, err := store.GetToken(ctx, tick)
	require.NoError(t, err)
	a, err := store.GetAgent(ctx, agent)
	if err != nil {
		return new(big.Int)
	}
	b, err := store.GetBalance(ctx, tok.ID, a.ID)
	if err != nil {
		return new(big.Int)
	}
	return b.Amount
}

const (
	deployAAA = `{"p":"agt-20","op":"deploy","tick":"AAA","max":"1000","lim":"100"}`
	mintAAA   = `{"p":"agt-20","op":"mint","tick":"AAA","amt":"100"}`
)

func TestProcessor_DeployMintTransfer(t *testing.T) {
	store := memory.NewLedgerStore()
	p := newTestProcessor(store, nil)
	ctx := context.Background()

	results := process(t, p,
		post("p1", "D", deployAAA, 1*hourMs),
		post("p2", "X", mintAAA, 2*hourMs),
	)
	assert.Equal(t, Applied, results[0].Outcome)
	assert.Equal(t, Applied, results[1].Outcome)

	tok, err := store.GetToken(ctx, "AAA")
	require.NoError(t, err)
	assert.Equal(t, "100", tok.Supply.String())
	assert.Equal(t, 1, tok.Holders)
	assert.Equal(t, 2, tok.Operations)
	assert.Equal(t, "D", tok.Deployer)
	assert.Equal(t, "100", balanceOf(t, store, "AAA", "X").String())

	x, err := store.GetAgent(ctx, "X")
	require.NoError(t, err)
	require.NotNil(t, x.LastMintAt)
	assert.Equal(t, 2*hourMs, *x.LastMintAt)

	results = process(t, p, post("p3", "X", `{"p":"agt-20","op":"transfer","tick":"AAA","amt":"100","to":"Y"}`, 3*hourMs))
	require.Equal(t, Applied, results[0].Outcome)
	op := results[0].Operation
	require.NotNil(t, op)
	assert.Equal(t, domain.OpTransfer, op.Kind)
	assert.Equal(t, "X", *op.FromAgent)
	assert.Equal(t, "Y", *op.ToAgent)
	assert.Equal(t, DefaultPostURLBase+"/p3", op.PostURL)

	assert.Equal(t, "0", balanceOf(t, store, "AAA", "X").String())
	assert.Equal(t, "100", balanceOf(t, store, "AAA", "Y").String())

	tok, _ = store.GetToken(ctx, "AAA")
	assert.Equal(t, 1, tok.Holders, "X removed, Y added")
	assert.Equal(t, 3, tok.Operations)

	y, err := store.GetAgent(ctx, "Y")
	require.NoError(t, err)
	assert.Equal(t, 1, y.Operations)
}

func TestProcessor_MintOverLimit(t *testing.T) {
	store := memory.NewLedgerStore()
	p := newTestProcessor(store, nil)

	results := process(t, p,
		post("p1", "D", deployAAA, hourMs),
		post("p2", "X", `{"p":"agt-20","op":"mint","tick":"AAA","amt":"150"}`, 2*hourMs),
	)
	assert.Equal(t, Rejected, results[1].Outcome)
	assert.Equal(t, ReasonLimitExceeded, results[1].Reason)

	tok, _ := store.GetToken(context.Background(), "AAA")
	assert.Equal(t, "0", tok.Supply.String())
	assert.Equal(t, 0, tok.Holders)
	assert.Equal(t, 1, store.OperationCount())
	assert.Equal(t, 1, store.RejectionCount())

	_, err := store.GetOperationByPostID(context.Background(), "p2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessor_MintOverSupply(t *testing.T) {
	store := memory.NewLedgerStore()
	p := newTestProcessor(store, nil)

	results := process(t, p,
		post("p1", "D", `{"p":"agt-20","op":"deploy","tick":"TINY","max":"150","lim":"100"}`, hourMs),
		post("p2", "X", `{"p":"agt-20","op":"mint","tick":"TINY","amt":"100"}`, 2*hourMs),
		post("p3", "Y", `{"p":"agt-20","op":"mint","tick":"TINY","amt":"100"}`, 3*hourMs),
		post("p4", "Z", `{"p":"agt-20","op":"mint","tick":"TINY","amt":"50"}`, 4*hourMs),
	)
	assert.Equal(t, Applied, results[1].Outcome)
	assert.Equal(t, Rejected, results[2].Outcome)
	assert.Equal(t, ReasonSupplyExceeded, results[2].Reason)
	assert.Equal(t, Applied, results[3].Outcome)

	tok, _ := store.GetToken(context.Background(), "TINY")
	assert.Equal(t, "150", tok.Supply.String())
	assert.True(t, tok.Claimable())
	assert.Equal(t, int64(100), tok.ProgressPercent())
}

func TestProcessor_DeployOnce(t *testing.T) {
	store := memory.NewLedgerStore()
	p := newTestProcessor(store, nil)

	results := process(t, p,
		post("p1", "D", deployAAA, hourMs),
		post("p2", "E", `{"p":"agt-20","op":"deploy","tick":"aaa","max":"5","lim":"5"}`, 2*hourMs),
	)
	assert.Equal(t, Applied, results[0].Outcome)
	assert.Equal(t, Rejected, results[1].Outcome)
	assert.Equal(t, ReasonTokenExists, results[1].Reason)

	tok, _ := store.GetToken(context.Background(), "AAA")
	assert.Equal(t, "1000", tok.MaxSupply.String())
	assert.Equal(t, "D", tok.Deployer)
}

func TestProcessor_TokenMissingAndInsufficientBalance(t *testing.T) {
	store := memory.NewLedgerStore()
	p := newTestProcessor(store, nil)

	results := process(t, p,
		post("p1", "X", mintAAA, hourMs),
		post("p2", "D", deployAAA, 2*hourMs),
		post("p3", "X", `{"p":"agt-20","op":"burn","tick":"AAA","amt":"1"}`, 3*hourMs),
		post("p4", "X", mintAAA, 4*hourMs),
		post("p5", "X", `{"p":"agt-20","op":"transfer","tick":"AAA","amt":"101","to":"Y"}`, 5*hourMs),
		post("p6", "X", `{"p":"agt-20","op":"burn","tick":"AAA","amt":"101"}`, 6*hourMs),
	)
	assert.Equal(t, ReasonTokenMissing, results[0].Reason)
	assert.Equal(t, ReasonInsufficientBalance, results[2].Reason)
	assert.Equal(t, Applied, results[3].Outcome)
	assert.Equal(t, ReasonInsufficientBalance, results[4].Reason)
	assert.Equal(t, ReasonInsufficientBalance, results[5].Reason)

	// No partial debit.
	assert.Equal(t, "100", balanceOf(t, store, "AAA", "X").String())
	_, err := store.GetAgent(context.Background(), "Y")
	assert.ErrorIs(t, err, storage.ErrNotFound, "rejected transfer must not create the recipient")
}

func TestProcessor_Burn(t *testing.T) {
	store := memory.NewLedgerStore()
	p := newTestProcessor(store, nil)

	process(t, p,
		post("p1", "D", deployAAA, hourMs),
		post("p2", "X", mintAAA, 2*hourMs),
		post("p3", "X", `{"p":"agt-20","op":"burn","tick":"AAA","amt":"40"}`, 3*hourMs),
	)
	tok, _ := store.GetToken(context.Background(), "AAA")
	assert.Equal(t, "60", tok.Supply.String())
	assert.Equal(t, 1, tok.Holders)

	process(t, p, post("p4", "X", `{"p":"agt-20","op":"burn","tick":"AAA","amt":"60"}`, 4*hourMs))
	tok, _ = store.GetToken(context.Background(), "AAA")
	assert.Equal(t, "0", tok.Supply.String())
	assert.Equal(t, 0, tok.Holders)
	assert.Equal(t, 4, tok.Operations)
}

func TestProcessor_SelfTransferKeepsHolders(t *testing.T) {
	store := memory.NewLedgerStore()
	p := newTestProcessor(store, nil)

	results := process(t, p,
		post("p1", "D", deployAAA, hourMs),
		post("p2", "X", mintAAA, 2*hourMs),
		post("p3", "X", `{"p":"agt-20","op":"transfer","tick":"AAA","amt":"100","to":"X"}`, 3*hourMs),
	)
	assert.Equal(t, Applied, results[2].Outcome)

	tok, _ := store.GetToken(context.Background(), "AAA")
	assert.Equal(t, 1, tok.Holders)
	assert.Equal(t, "100", balanceOf(t, store, "AAA", "X").String())
}

func TestProcessor_NoOpAndAlreadyIndexed(t *testing.T) {
	store := memory.NewLedgerStore()
	p := newTestProcessor(store, nil)

	results := process(t, p,
		post("p0", "X", "hello world", hourMs),
		post("p1", "D", deployAAA, hourMs),
		post("p1", "D", deployAAA, hourMs),
		post("p2", "X", `{"p":"agt-20","op":"mint","tick":"NOPE","amt":"1"}`, 2*hourMs),
		post("p2", "X", `{"p":"agt-20","op":"mint","tick":"NOPE","amt":"1"}`, 2*hourMs),
	)
	assert.Equal(t, NoOp, results[0].Outcome)
	assert.Equal(t, Applied, results[1].Outcome)
	assert.Equal(t, AlreadyIndexed, results[2].Outcome)
	assert.Equal(t, Rejected, results[3].Outcome)
	assert.Equal(t, AlreadyIndexed, results[4].Outcome, "a rejected post is consumed")

	// A no-op post writes nothing and stays eligible.
	_, err := store.GetAgent(context.Background(), "X")
	require.NoError(t, err, "rejected mint still registers its author")
	assert.Equal(t, 1, store.OperationCount())
}

func TestProcessor_Cooldown(t *testing.T) {
	store := memory.NewLedgerStore()
	p := newTestProcessor(store, nil)

	results := process(t, p,
		post("p1", "D", deployAAA, 0),
		post("p2", "X", mintAAA, 10*hourMs),
		post("p3", "X", mintAAA, 11*hourMs),
		post("p4", "X", mintAAA, 12*hourMs),
	)
	assert.Equal(t, Applied, results[1].Outcome)
	assert.Equal(t, policy.ReasonCooldown, results[2].Reason)
	assert.Equal(t, Applied, results[3].Outcome)
	assert.Equal(t, "200", balanceOf(t, store, "AAA", "X").String())
}

func TestProcessor_DailyQuota(t *testing.T) {
	store := memory.NewLedgerStore()
	p := newTestProcessor(store, nil)

	results := process(t, p,
		post("p1", "D", `{"p":"agt-20","op":"deploy","tick":"AAA","max":"100000","lim":"1"}`, 0),
		post("p2", "X", `{"p":"agt-20","op":"mint","tick":"AAA","amt":"1"}`, 1*hourMs),
		post("p3", "X", `{"p":"agt-20","op":"mint","tick":"AAA","amt":"1"}`, 4*hourMs),
		post("p4", "X", `{"p":"agt-20","op":"mint","tick":"AAA","amt":"1"}`, 7*hourMs),
		post("p5", "X", `{"p":"agt-20","op":"mint","tick":"AAA","amt":"1"}`, 10*hourMs),
		post("p6", "X", `{"p":"agt-20","op":"mint","tick":"AAA","amt":"1"}`, 25*hourMs+1),
	)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, Applied, results[i].Outcome, "mint %d", i)
	}
	assert.Equal(t, policy.ReasonDailyQuota, results[4].Reason)
	assert.Equal(t, Applied, results[5].Outcome, "window slides past the first mint")
}

func TestProcessor_BlessingGate(t *testing.T) {
	deployCNY := `{"p":"agt-20","op":"deploy","tick":"CNY","max":"8888","lim":"88"}`

	tests := []struct {
		name    string
		verdict moderation.Verdict
		content string
		outcome Outcome
		reason  string
	}{
		{"valid", moderation.Valid, `{"p":"agt-20","op":"mint","tick":"CNY","amt":"88","blessing":"恭喜发财"}`, Applied, ""},
		{"invalid", moderation.Invalid, `{"p":"agt-20","op":"mint","tick":"CNY","amt":"88","blessing":"gm"}`, Rejected, policy.ReasonBlessingInvalid},
		{"unavailable", moderation.Unavailable, `{"p":"agt-20","op":"mint","tick":"CNY","amt":"88","blessing":"新年快乐"}`, Applied, ""},
		{"missing", moderation.Valid, `{"p":"agt-20","op":"mint","tick":"CNY","amt":"88"}`, Rejected, policy.ReasonBlessingMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewLedgerStore()
			p := newTestProcessor(store, moderation.Static(tt.verdict))

			results := process(t, p,
				post("p1", "D", deployCNY, 0),
				post("p2", "X", tt.content, hourMs),
			)
			assert.Equal(t, tt.outcome, results[1].Outcome)
			assert.Equal(t, tt.reason, results[1].Reason)
		})
	}
}

// txTrackingStore reports whether a unit of work is open.
type txTrackingStore struct {
	*memory.LedgerStore
	inTx bool
}

func (s *txTrackingStore) WithTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	return s.LedgerStore.WithTx(ctx, func(tx storage.LedgerTx) error {
		s.inTx = true
		defer func() { s.inTx = false }()
		return fn(tx)
	})
}

// txCheckingClassifier records classifier calls made inside a unit.
type txCheckingClassifier struct {
	store   *txTrackingStore
	calls   int
	inTxHit int
}

func (c *txCheckingClassifier) Classify(context.Context, string) moderation.Verdict {
	c.calls++
	if c.store.inTx {
		c.inTxHit++
	}
	return moderation.Valid
}

func TestProcessor_ClassifiesOutsideUnit(t *testing.T) {
	store := &txTrackingStore{LedgerStore: memory.NewLedgerStore()}
	classifier := &txCheckingClassifier{store: store}
	p := newTestProcessor(store, classifier)

	mintCNY := post("p2", "X", `{"p":"agt-20","op":"mint","tick":"CNY","amt":"88","blessing":"恭喜发财"}`, hourMs)
	results := process(t, p,
		post("p1", "D", `{"p":"agt-20","op":"deploy","tick":"CNY","max":"8888","lim":"88"}`, 0),
		mintCNY,
	)
	assert.Equal(t, Applied, results[1].Outcome)
	assert.Equal(t, 1, classifier.calls)
	assert.Equal(t, 0, classifier.inTxHit, "classifier must not run while the token row is locked")

	// Replays of an indexed post skip the classifier.
	results = process(t, p, mintCNY)
	assert.Equal(t, AlreadyIndexed, results[0].Outcome)
	assert.Equal(t, 1, classifier.calls)
}

func TestProcessor_InvalidPost(t *testing.T) {
	p := newTestProcessor(memory.NewLedgerStore(), nil)

	_, err := p.Process(context.Background(), &domain.Post{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

// randomPosts builds a reproducible sequence of operations over a few
// tokens and agents, spaced far enough apart to clear the cooldown.
func randomPosts(seed int64, n int) []*domain.Post {
	rng := rand.New(rand.NewSource(seed))
	agents := []string{"alice", "bob", "carol", "dave"}
	ticks := []string{"AAA", "BBB"}

	posts := []*domain.Post{
		post("deploy-AAA", "alice", `{"p":"agt-20","op":"deploy","tick":"AAA","max":"500","lim":"60"}`, 0),
		post("deploy-BBB", "bob", `{"p":"agt-20","op":"deploy","tick":"BBB","max":"300","lim":"200"}`, 1),
	}
	for i := 0; i < n; i++ {
		actor := agents[rng.Intn(len(agents))]
		tick := ticks[rng.Intn(len(ticks))]
		amt := rng.Intn(250) + 1
		var content string
		switch rng.Intn(4) {
		case 0, 1:
			content = fmt.Sprintf(`{"p":"agt-20","op":"mint","tick":"%s","amt":"%d"}`, tick, amt)
		case 2:
			to := agents[rng.Intn(len(agents))]
			content = fmt.Sprintf(`{"p":"agt-20","op":"transfer","tick":"%s","amt":"%d","to":"%s"}`, tick, amt, to)
		default:
			content = fmt.Sprintf(`{"p":"agt-20","op":"burn","tick":"%s","amt":"%d"}`, tick, amt)
		}
		posts = append(posts, post(fmt.Sprintf("post-%04d", i), actor, content, int64(i+1)*9*hourMs))
	}
	return posts
}

func assertInvariants(t *testing.T, store *memory.LedgerStore) {
	t.Helper()
	ctx := context.Background()

	tokens, err := store.ListTokens(ctx)
	require.NoError(t, err)
	for _, tok := range tokens {
		require.True(t, tok.Supply.Sign() >= 0, "%s supply negative", tok.Tick)
		require.True(t, tok.Supply.Cmp(tok.MaxSupply) <= 0, "%s supply above max", tok.Tick)

		balances, err := store.ListBalancesByToken(ctx, tok.ID)
		require.NoError(t, err)
		sum := new(big.Int)
		holders := 0
		for _, b := range balances {
			require.True(t, b.Amount.Sign() >= 0, "negative balance")
			sum.Add(sum, b.Amount)
			if b.IsHolder() {
				holders++
			}
		}
		require.Equal(t, holders, tok.Holders, "%s holders", tok.Tick)
		require.Equal(t, 0, sum.Cmp(tok.Supply), "%s sum(balances)=%s supply=%s", tok.Tick, sum, tok.Supply)
	}
}

func TestProcessor_RandomSequencesKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		store := memory.NewLedgerStore()
		p := newTestProcessor(store, nil)

		for _, ps := range randomPosts(seed, 150) {
			_, err := p.Process(context.Background(), ps)
			require.NoError(t, err)
			assertInvariants(t, store)
		}
	}
}

func ledgerFingerprint(t *testing.T, store *memory.LedgerStore) string {
	t.Helper()
	ctx := context.Background()
	tokens, err := store.ListTokens(ctx)
	require.NoError(t, err)

	out := ""
	for _, tok := range tokens {
		out += fmt.Sprintf("%s s=%s h=%d o=%d|", tok.Tick, tok.Supply, tok.Holders, tok.Operations)
		holders, err := store.ListHolders(ctx, tok.ID)
		require.NoError(t, err)
		for _, h := range holders {
			out += fmt.Sprintf("%s=%s,", h.AgentName, h.Amount)
		}
	}
	ops, err := store.ListRecentOperations(ctx, 0)
	require.NoError(t, err)
	for _, op := range ops {
		out += op.ID[:8] + ";"
	}
	return out
}

func TestProcessor_ReplayIsIdempotent(t *testing.T) {
	posts := randomPosts(42, 200)

	once := memory.NewLedgerStore()
	p1 := newTestProcessor(once, nil)
	for _, ps := range posts {
		_, err := p1.Process(context.Background(), ps)
		require.NoError(t, err)
	}

	twice := memory.NewLedgerStore()
	p2 := newTestProcessor(twice, nil)
	for round := 0; round < 2; round++ {
		for _, ps := range posts {
			_, err := p2.Process(context.Background(), ps)
			require.NoError(t, err)
		}
	}

	assert.Equal(t, ledgerFingerprint(t, once), ledgerFingerprint(t, twice))
	assert.Equal(t, once.OperationCount(), twice.OperationCount())
	assert.Equal(t, once.RejectionCount(), twice.RejectionCount())
}
