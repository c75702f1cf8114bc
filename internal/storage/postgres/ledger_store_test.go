package postgres

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/storage"
)

func testToken(tick string, max, lim int64) *domain.Token {
	return &domain.Token{
		ID:         "tok-" + tick,
		Tick:       tick,
		MaxSupply:  big.NewInt(max),
		MintLimit:  big.NewInt(lim),
		Supply:     new(big.Int),
		Deployer:   "alice",
		DeployedAt: 1704067200000,
		CreatedAt:  1704067200000,
		UpdatedAt:  1704067200000,
	}
}

func TestLedgerStore_TokenLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewLedgerStore(pool)
	ctx := context.Background()

	huge, ok := new(big.Int).SetString("21000000000000000000000000", 10)
	require.True(t, ok)

	tok := testToken("CNY", 1, 1)
	tok.MaxSupply = huge
	tok.MintLimit = big.NewInt(1000)

	err := store.WithTx(ctx, func(tx storage.LedgerTx) error {
		if err := tx.InsertToken(ctx, tok); err != nil {
			return err
		}
		return tx.AdjustToken(ctx, tok.ID, storage.TokenDelta{Supply: big.NewInt(1000), Holders: 1, Operations: 2}, 42)
	})
	require.NoError(t, err)

	got, err := store.GetToken(ctx, "CNY")
	require.NoError(t, err)
	assert.Equal(t, 0, huge.Cmp(got.MaxSupply))
	assert.Equal(t, "1000", got.Supply.String())
	assert.Equal(t, 1, got.Holders)
	assert.Equal(t, 2, got.Operations)
	assert.Equal(t, int64(42), got.UpdatedAt)

	// Duplicate ticker
	err = store.WithTx(ctx, func(tx storage.LedgerTx) error {
		return tx.InsertToken(ctx, testToken("CNY", 10, 10))
	})
	assert.True(t, errors.Is(err, storage.ErrDuplicateKey), "expected ErrDuplicateKey, got %v", err)

	// Out of bounds supply adjustments
	err = store.WithTx(ctx, func(tx storage.LedgerTx) error {
		return tx.AdjustToken(ctx, tok.ID, storage.TokenDelta{Supply: big.NewInt(-1001)}, 43)
	})
	assert.True(t, errors.Is(err, storage.ErrSupplyBounds), "expected ErrSupplyBounds, got %v", err)

	err = store.WithTx(ctx, func(tx storage.LedgerTx) error {
		return tx.SetTokenSupply(ctx, tok.ID, new(big.Int).Add(huge, big.NewInt(1)), 43)
	})
	assert.True(t, errors.Is(err, storage.ErrSupplyBounds), "expected ErrSupplyBounds, got %v", err)

	err = store.WithTx(ctx, func(tx storage.LedgerTx) error {
		return tx.AdjustToken(ctx, "missing", storage.TokenDelta{Operations: 1}, 43)
	})
	assert.True(t, errors.Is(err, storage.ErrNotFound), "expected ErrNotFound, got %v", err)

	// Not found
	_, err = store.GetToken(ctx, "NOPE")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestLedgerStore_RollbackOnError(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewLedgerStore(pool)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx storage.LedgerTx) error {
		if err := tx.InsertToken(ctx, testToken("CNY", 100, 10)); err != nil {
			return err
		}
		if _, err := tx.GetOrCreateAgent(ctx, "alice", 1); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetToken(ctx, "CNY")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetAgent(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedgerStore_Balances(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewLedgerStore(pool)
	ctx := context.Background()

	var aliceID, bobID string
	err := store.WithTx(ctx, func(tx storage.LedgerTx) error {
		if err := tx.InsertToken(ctx, testToken("CNY", 1000, 100)); err != nil {
			return err
		}
		alice, err := tx.GetOrCreateAgent(ctx, "alice", 1)
		if err != nil {
			return err
		}
		again, err := tx.GetOrCreateAgent(ctx, "alice", 2)
		if err != nil {
			return err
		}
		assert.Equal(t, alice.ID, again.ID)
		bob, err := tx.GetOrCreateAgent(ctx, "bob", 1)
		if err != nil {
			return err
		}
		aliceID, bobID = alice.ID, bob.ID

		prior, err := tx.CreditBalance(ctx, "tok-CNY", aliceID, big.NewInt(60), 10)
		if err != nil {
			return err
		}
		assert.Equal(t, "0", prior.String())

		prior, err = tx.CreditBalance(ctx, "tok-CNY", aliceID, big.NewInt(40), 11)
		if err != nil {
			return err
		}
		assert.Equal(t, "60", prior.String())

		remaining, err := tx.DebitBalance(ctx, "tok-CNY", aliceID, big.NewInt(30), 12)
		if err != nil {
			return err
		}
		assert.Equal(t, "70", remaining.String())

		_, err = tx.CreditBalance(ctx, "tok-CNY", bobID, big.NewInt(30), 12)
		return err
	})
	require.NoError(t, err)

	// Insufficient debit leaves the balance untouched and aborts the unit
	err = store.WithTx(ctx, func(tx storage.LedgerTx) error {
		_, err := tx.DebitBalance(ctx, "tok-CNY", bobID, big.NewInt(31), 13)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrInsufficientBalance)

	b, err := store.GetBalance(ctx, "tok-CNY", bobID)
	require.NoError(t, err)
	assert.Equal(t, "30", b.Amount.String())

	holders, err := store.ListHolders(ctx, "tok-CNY")
	require.NoError(t, err)
	require.Len(t, holders, 2)
	assert.Equal(t, "alice", holders[0].AgentName)
	assert.Equal(t, "70", holders[0].Amount.String())
	assert.Equal(t, "CNY", holders[0].Tick)

	holdings, err := store.ListHoldings(ctx, bobID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "CNY", holdings[0].Tick)

	balances, err := store.ListBalancesByToken(ctx, "tok-CNY")
	require.NoError(t, err)
	assert.Len(t, balances, 2)
}

func TestLedgerStore_OperationsAndRejections(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewLedgerStore(pool)
	ctx := context.Background()

	var agentID string
	err := store.WithTx(ctx, func(tx storage.LedgerTx) error {
		if err := tx.InsertToken(ctx, testToken("CNY", 1000, 100)); err != nil {
			return err
		}
		a, err := tx.GetOrCreateAgent(ctx, "alice", 1)
		if err != nil {
			return err
		}
		agentID = a.ID
		for i, ts := range []int64{1000, 2000, 3000} {
			err := tx.InsertOperation(ctx, &domain.Operation{
				ID:        "op-" + string(rune('a'+i)),
				Kind:      domain.OpMint,
				TokenID:   "tok-CNY",
				Tick:      "CNY",
				ToAgentID: ptr(a.ID),
				Amount:    big.NewInt(10),
				PostID:    "post-" + string(rune('a'+i)),
				PostURL:   "https://example.com/post/" + string(rune('a'+i)),
				Timestamp: ts,
			})
			if err != nil {
				return err
			}
		}
		if err := tx.TouchAgent(ctx, a.ID, 3, ptr(int64(3000))); err != nil {
			return err
		}
		return tx.InsertRejection(ctx, &domain.Rejection{
			ID: "rej-1", PostID: "post-z", Kind: domain.OpMint, Tick: "CNY",
			Agent: "alice", Reason: "cooldown", Timestamp: 4000,
		})
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx storage.LedgerTx) error {
		for _, id := range []string{"post-a", "post-z"} {
			ok, err := tx.IsPostIndexed(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok, id)
		}
		ok, err := tx.IsPostIndexed(ctx, "post-unknown")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := tx.CountMintsSince(ctx, agentID, 1000)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
	require.NoError(t, err)

	indexed, err := store.IsPostIndexed(ctx, "post-z")
	require.NoError(t, err)
	assert.True(t, indexed)
	indexed, err = store.IsPostIndexed(ctx, "post-unknown")
	require.NoError(t, err)
	assert.False(t, indexed)

	err = store.WithTx(ctx, func(tx storage.LedgerTx) error {
		return tx.InsertOperation(ctx, &domain.Operation{
			ID: "op-dup", Kind: domain.OpBurn, TokenID: "tok-CNY", Tick: "CNY", PostID: "post-a",
		})
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	op, err := store.GetOperationByPostID(ctx, "post-b")
	require.NoError(t, err)
	assert.Equal(t, domain.OpMint, op.Kind)
	require.NotNil(t, op.ToAgent)
	assert.Equal(t, "alice", *op.ToAgent)
	assert.Nil(t, op.FromAgent)
	assert.Equal(t, "10", op.Amount.String())

	recent, err := store.ListRecentOperations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "post-c", recent[0].PostID)
	assert.Equal(t, "post-b", recent[1].PostID)

	byToken, err := store.ListOperationsByToken(ctx, "tok-CNY", 10)
	require.NoError(t, err)
	assert.Len(t, byToken, 3)

	agent, err := store.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, agent.Operations)
	require.NotNil(t, agent.LastMintAt)
	assert.Equal(t, int64(3000), *agent.LastMintAt)
}

func TestLedgerStore_State(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewLedgerStore(pool)
	ctx := context.Background()

	_, err := store.GetState(ctx, domain.StateSingleton)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for _, id := range []string{"p1", "p2"} {
		err = store.WithTx(ctx, func(tx storage.LedgerTx) error {
			return tx.SaveState(ctx, &domain.IndexerState{
				ID:            domain.StateSingleton,
				LastPostID:    ptr(id),
				LastPostAt:    ptr(int64(100)),
				LastIndexedAt: 200,
			})
		})
		require.NoError(t, err)
	}

	st, err := store.GetState(ctx, domain.StateSingleton)
	require.NoError(t, err)
	require.NotNil(t, st.LastPostID)
	assert.Equal(t, "p2", *st.LastPostID)
	assert.Equal(t, int64(200), st.LastIndexedAt)
}

func TestAdvisoryLocker_TryLock(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	a := NewAdvisoryLocker(pool, LedgerLockKey)
	b := NewAdvisoryLocker(pool, LedgerLockKey)

	release, err := a.TryLock(ctx)
	require.NoError(t, err)

	_, err = b.TryLock(ctx)
	assert.ErrorIs(t, err, storage.ErrLocked)

	release()
	release()

	release2, err := b.TryLock(ctx)
	require.NoError(t, err)
	release2()
}
