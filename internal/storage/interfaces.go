package storage

import (
	"context"
	"math/big"

	"agt20-indexer/internal/domain"
)

// LedgerReader is the read side of the ledger used by downstream consumers.
type LedgerReader interface {
	// GetToken retrieves a token by normalized ticker. Returns ErrNotFound if not exists.
	GetToken(ctx context.Context, tick string) (*domain.Token, error)

	// ListTokens retrieves all tokens, most recently deployed first.
	ListTokens(ctx context.Context) ([]*domain.Token, error)

	// GetAgent retrieves an agent by name. Returns ErrNotFound if not exists.
	GetAgent(ctx context.Context, name string) (*domain.Agent, error)

	// GetBalance retrieves the balance for (token, agent). Returns ErrNotFound if not exists.
	GetBalance(ctx context.Context, tokenID, agentID string) (*domain.Balance, error)

	// ListBalancesByToken retrieves every balance row of a token, zero rows included.
	ListBalancesByToken(ctx context.Context, tokenID string) ([]*domain.Balance, error)

	// ListHolders retrieves positive holdings of a token, largest first.
	ListHolders(ctx context.Context, tokenID string) ([]*domain.Holding, error)

	// ListHoldings retrieves positive holdings of an agent across tokens, by ticker.
	ListHoldings(ctx context.Context, agentID string) ([]*domain.Holding, error)

	// IsPostIndexed reports whether an Operation or Rejection exists for the post.
	IsPostIndexed(ctx context.Context, postID string) (bool, error)

	// GetOperationByPostID retrieves the operation created from a post. Returns ErrNotFound if not exists.
	GetOperationByPostID(ctx context.Context, postID string) (*domain.Operation, error)

	// ListRecentOperations retrieves the latest operations, newest first.
	// A non-positive limit returns every operation.
	ListRecentOperations(ctx context.Context, limit int) ([]*domain.Operation, error)

	// ListOperationsByToken retrieves the latest operations of a token, newest first.
	ListOperationsByToken(ctx context.Context, tokenID string, limit int) ([]*domain.Operation, error)

	// GetState retrieves a cursor row. Returns ErrNotFound if not exists.
	GetState(ctx context.Context, id string) (*domain.IndexerState, error)
}

// TokenDelta is an atomic increment applied to a token row.
type TokenDelta struct {
	Supply     *big.Int // may be negative, nil for no change
	Holders    int
	Operations int
}

// LedgerTx is the write side of the ledger. Every method runs inside the
// atomic unit opened by LedgerStore.WithTx.
type LedgerTx interface {
	// IsPostIndexed reports whether an Operation or Rejection exists for the post.
	IsPostIndexed(ctx context.Context, postID string) (bool, error)

	// GetTokenForUpdate retrieves a token and locks it until the unit ends.
	// Returns ErrNotFound if not exists.
	GetTokenForUpdate(ctx context.Context, tick string) (*domain.Token, error)

	// InsertToken adds a new token. Returns ErrDuplicateKey if the ticker exists.
	InsertToken(ctx context.Context, t *domain.Token) error

	// AdjustToken applies d atomically. Returns ErrSupplyBounds if the
	// resulting supply would leave [0, max_supply].
	AdjustToken(ctx context.Context, tokenID string, d TokenDelta, at int64) error

	// SetTokenSupply overwrites supply. Returns ErrSupplyBounds if supply
	// is negative or above max_supply.
	SetTokenSupply(ctx context.Context, tokenID string, supply *big.Int, at int64) error

	// GetOrCreateAgent retrieves an agent by name, creating it when absent.
	GetOrCreateAgent(ctx context.Context, name string, at int64) (*domain.Agent, error)

	// TouchAgent increments the operation counter and, when lastMintAt is
	// non-nil, records it.
	TouchAgent(ctx context.Context, agentID string, ops int, lastMintAt *int64) error

	// GetBalance retrieves the balance for (token, agent). Returns ErrNotFound if not exists.
	GetBalance(ctx context.Context, tokenID, agentID string) (*domain.Balance, error)

	// CreditBalance adds amount, creating the row if needed, and returns the
	// amount held before the credit.
	CreditBalance(ctx context.Context, tokenID, agentID string, amount *big.Int, at int64) (*big.Int, error)

	// DebitBalance subtracts amount and returns the remaining amount.
	// Returns ErrInsufficientBalance, leaving the row untouched, when the
	// row is missing or holds less than amount.
	DebitBalance(ctx context.Context, tokenID, agentID string, amount *big.Int, at int64) (*big.Int, error)

	// CountMintsSince counts mint operations credited to agentID with
	// timestamp in (since, +inf).
	CountMintsSince(ctx context.Context, agentID string, since int64) (int, error)

	// InsertOperation adds an operation. Returns ErrDuplicateKey if post_id exists.
	InsertOperation(ctx context.Context, op *domain.Operation) error

	// InsertRejection adds a rejection. Returns ErrDuplicateKey if post_id exists.
	InsertRejection(ctx context.Context, r *domain.Rejection) error

	// SaveState upserts a cursor row.
	SaveState(ctx context.Context, s *domain.IndexerState) error
}

// LedgerStore is the persistent ledger.
type LedgerStore interface {
	LedgerReader

	// WithTx runs fn as a single all-or-nothing unit. Any error returned by
	// fn discards every write made through tx.
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// Locker guards the ledger against concurrent writers.
type Locker interface {
	// TryLock acquires the writer lock without waiting.
	// Returns ErrLocked if another writer holds it.
	TryLock(ctx context.Context) (release func(), err error)
}

// OperationArchive is an append-only analytics copy of applied operations.
type OperationArchive interface {
	// InsertBulk archives operations. Re-archiving a post_id is harmless.
	InsertBulk(ctx context.Context, ops []*domain.Operation) error

	// DailyActivity aggregates archived operations of a token per day and kind
	// within [from, to] (ms, inclusive), ordered by day ASC, kind ASC.
	DailyActivity(ctx context.Context, tick string, from, to int64) ([]*domain.DailyActivity, error)
}
