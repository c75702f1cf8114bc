package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// WithTx runs fn inside a database transaction. The transaction is rolled
// back when fn returns an error or panics.
func (s *LedgerStore) WithTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&ledgerTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const tokenColumns = `id, tick, max_supply::text, mint_limit::text, supply::text,
	holders, operations, deployer, deployed_at, created_at, updated_at`

func scanToken(row pgx.Row) (*domain.Token, error) {
	var (
		t                        domain.Token
		maxSupply, limit, supply string
	)
	err := row.Scan(
		&t.ID, &t.Tick, &maxSupply, &limit, &supply,
		&t.Holders, &t.Operations, &t.Deployer, &t.DeployedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.MaxSupply, err = parseNumeric(maxSupply); err != nil {
		return nil, err
	}
	if t.MintLimit, err = parseNumeric(limit); err != nil {
		return nil, err
	}
	if t.Supply, err = parseNumeric(supply); err != nil {
		return nil, err
	}
	return &t, nil
}

const operationSelect = `
	SELECT o.id, o.type, o.token_id, o.tick, o.from_agent_id, o.to_agent_id,
		fa.name, ta.name, o.amount::text, o.post_id, o.post_url, o.created_at
	FROM operations o
	LEFT JOIN agents fa ON fa.id = o.from_agent_id
	LEFT JOIN agents ta ON ta.id = o.to_agent_id`

func scanOperation(row pgx.Row) (*domain.Operation, error) {
	var (
		op     domain.Operation
		kind   string
		amount *string
	)
	err := row.Scan(
		&op.ID, &kind, &op.TokenID, &op.Tick, &op.FromAgentID, &op.ToAgentID,
		&op.FromAgent, &op.ToAgent, &amount, &op.PostID, &op.PostURL, &op.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	op.Kind = domain.OpKind(kind)
	if op.Amount, err = parseNullableNumeric(amount); err != nil {
		return nil, err
	}
	return &op, nil
}

func collectOperations(rows pgx.Rows) ([]*domain.Operation, error) {
	defer rows.Close()

	var result []*domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		result = append(result, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return result, nil
}

func collectHoldings(rows pgx.Rows) ([]*domain.Holding, error) {
	defer rows.Close()

	var result []*domain.Holding
	for rows.Next() {
		var (
			h      domain.Holding
			amount string
		)
		if err := rows.Scan(&h.Tick, &h.AgentName, &amount); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		v, err := parseNumeric(amount)
		if err != nil {
			return nil, err
		}
		h.Amount = v
		result = append(result, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holdings: %w", err)
	}
	return result, nil
}

// GetToken retrieves a token by ticker.
func (s *LedgerStore) GetToken(ctx context.Context, tick string) (*domain.Token, error) {
	t, err := scanToken(s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE tick = $1`, tick))
	if isNotFoundError(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

// ListTokens retrieves all tokens, most recently deployed first.
func (s *LedgerStore) ListTokens(ctx context.Context) ([]*domain.Token, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY deployed_at DESC, tick ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var result []*domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return result, nil
}

// GetAgent retrieves an agent by name.
func (s *LedgerStore) GetAgent(ctx context.Context, name string) (*domain.Agent, error) {
	a, err := getAgent(ctx, s.pool, name)
	if isNotFoundError(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func getAgent(ctx context.Context, q querier, name string) (*domain.Agent, error) {
	var a domain.Agent
	err := q.QueryRow(ctx, `
		SELECT id, name, operations, last_mint_at, created_at
		FROM agents WHERE name = $1
	`, name).Scan(&a.ID, &a.Name, &a.Operations, &a.LastMintAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetBalance retrieves the balance for (token, agent).
func (s *LedgerStore) GetBalance(ctx context.Context, tokenID, agentID string) (*domain.Balance, error) {
	return getBalance(ctx, s.pool, tokenID, agentID)
}

func getBalance(ctx context.Context, q querier, tokenID, agentID string) (*domain.Balance, error) {
	var (
		b      = domain.Balance{TokenID: tokenID, AgentID: agentID}
		amount string
	)
	err := q.QueryRow(ctx, `
		SELECT amount::text, updated_at FROM balances
		WHERE token_id = $1 AND agent_id = $2
	`, tokenID, agentID).Scan(&amount, &b.UpdatedAt)
	if isNotFoundError(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if b.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBalancesByToken retrieves every balance row of a token.
func (s *LedgerStore) ListBalancesByToken(ctx context.Context, tokenID string) ([]*domain.Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, amount::text, updated_at FROM balances
		WHERE token_id = $1
		ORDER BY agent_id ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var result []*domain.Balance
	for rows.Next() {
		var (
			b      = domain.Balance{TokenID: tokenID}
			amount string
		)
		if err := rows.Scan(&b.AgentID, &amount, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		if b.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		result = append(result, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	return result, nil
}

// ListHolders retrieves positive holdings of a token, largest first.
func (s *LedgerStore) ListHolders(ctx context.Context, tokenID string) ([]*domain.Holding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.tick, a.name, b.amount::text
		FROM balances b
		JOIN tokens t ON t.id = b.token_id
		JOIN agents a ON a.id = b.agent_id
		WHERE b.token_id = $1 AND b.amount > 0
		ORDER BY b.amount DESC, a.name ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list holders: %w", err)
	}
	return collectHoldings(rows)
}

// ListHoldings retrieves positive holdings of an agent, by ticker.
func (s *LedgerStore) ListHoldings(ctx context.Context, agentID string) ([]*domain.Holding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.tick, a.name, b.amount::text
		FROM balances b
		JOIN tokens t ON t.id = b.token_id
		JOIN agents a ON a.id = b.agent_id
		WHERE b.agent_id = $1 AND b.amount > 0
		ORDER BY t.tick ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	return collectHoldings(rows)
}

// GetOperationByPostID retrieves the operation created from a post.
func (s *LedgerStore) GetOperationByPostID(ctx context.Context, postID string) (*domain.Operation, error) {
	op, err := scanOperation(s.pool.QueryRow(ctx, operationSelect+` WHERE o.post_id = $1`, postID))
	if isNotFoundError(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// ListRecentOperations retrieves the latest operations, newest first.
func (s *LedgerStore) ListRecentOperations(ctx context.Context, limit int) ([]*domain.Operation, error) {
	rows, err := s.pool.Query(ctx, operationSelect+`
		ORDER BY o.created_at DESC, o.post_id DESC
		LIMIT $1
	`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list recent operations: %w", err)
	}
	return collectOperations(rows)
}

// ListOperationsByToken retrieves the latest operations of a token, newest first.
func (s *LedgerStore) ListOperationsByToken(ctx context.Context, tokenID string, limit int) ([]*domain.Operation, error) {
	rows, err := s.pool.Query(ctx, operationSelect+`
		WHERE o.token_id = $1
		ORDER BY o.created_at DESC, o.post_id DESC
		LIMIT $2
	`, tokenID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list token operations: %w", err)
	}
	return collectOperations(rows)
}

// GetState retrieves a cursor row.
func (s *LedgerStore) GetState(ctx context.Context, id string) (*domain.IndexerState, error) {
	var st domain.IndexerState
	err := s.pool.QueryRow(ctx, `
		SELECT id, last_post_id, last_post_at, last_indexed_at
		FROM indexer_state WHERE id = $1
	`, id).Scan(&st.ID, &st.LastPostID, &st.LastPostAt, &st.LastIndexedAt)
	if isNotFoundError(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	return &st, nil
}

// IsPostIndexed reports whether an operation or rejection exists for the post.
func (s *LedgerStore) IsPostIndexed(ctx context.Context, postID string) (bool, error) {
	return (&ledgerTx{q: s.pool}).IsPostIndexed(ctx, postID)
}

// ledgerTx implements storage.LedgerTx on an open pgx.Tx.
type ledgerTx struct {
	q querier
}

var _ storage.LedgerTx = (*ledgerTx)(nil)

func (tx *ledgerTx) IsPostIndexed(ctx context.Context, postID string) (bool, error) {
	var exists bool
	err := tx.q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM operations WHERE post_id = $1)
			OR EXISTS (SELECT 1 FROM rejections WHERE post_id = $1)
	`, postID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check post indexed: %w", err)
	}
	return exists, nil
}

func (tx *ledgerTx) GetTokenForUpdate(ctx context.Context, tick string) (*domain.Token, error) {
	t, err := scanToken(tx.q.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE tick = $1 FOR UPDATE`, tick))
	if isNotFoundError(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token for update: %w", err)
	}
	return t, nil
}

func (tx *ledgerTx) InsertToken(ctx context.Context, t *domain.Token) error {
	if t == nil || t.ID == "" || t.Tick == "" || t.MaxSupply == nil || t.MintLimit == nil {
		return storage.ErrInvalidInput
	}
	_, err := tx.q.Exec(ctx, `
		INSERT INTO tokens (
			id, tick, max_supply, mint_limit, supply, holders, operations,
			deployer, deployed_at, created_at, updated_at
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11)
	`,
		t.ID, t.Tick, numericArg(t.MaxSupply), numericArg(t.MintLimit), numericArg(t.Supply),
		t.Holders, t.Operations, t.Deployer, t.DeployedAt, t.CreatedAt, t.UpdatedAt,
	)
	if isDuplicateKeyError(err) {
		return storage.ErrDuplicateKey
	}
	if isCheckViolation(err) {
		return storage.ErrSupplyBounds
	}
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (tx *ledgerTx) AdjustToken(ctx context.Context, tokenID string, d storage.TokenDelta, at int64) error {
	tag, err := tx.q.Exec(ctx, `
		UPDATE tokens SET
			supply = supply + $2::numeric,
			holders = holders + $3,
			operations = operations + $4,
			updated_at = $5
		WHERE id = $1
			AND supply + $2::numeric >= 0
			AND supply + $2::numeric <= max_supply
			AND holders + $3 >= 0
	`, tokenID, numericArg(d.Supply), d.Holders, d.Operations, at)
	if err != nil {
		return fmt.Errorf("adjust token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.missingOrBounds(ctx, tokenID)
	}
	return nil
}

func (tx *ledgerTx) SetTokenSupply(ctx context.Context, tokenID string, supply *big.Int, at int64) error {
	if supply == nil || supply.Sign() < 0 {
		return storage.ErrSupplyBounds
	}
	tag, err := tx.q.Exec(ctx, `
		UPDATE tokens SET supply = $2::numeric, updated_at = $3
		WHERE id = $1 AND $2::numeric <= max_supply
	`, tokenID, supply.String(), at)
	if err != nil {
		return fmt.Errorf("set token supply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.missingOrBounds(ctx, tokenID)
	}
	return nil
}

// missingOrBounds tells a missing token from a rejected bounds check.
func (tx *ledgerTx) missingOrBounds(ctx context.Context, tokenID string) error {
	var exists bool
	if err := tx.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tokens WHERE id = $1)`, tokenID).Scan(&exists); err != nil {
		return fmt.Errorf("check token: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrSupplyBounds
}

func (tx *ledgerTx) GetOrCreateAgent(ctx context.Context, name string, at int64) (*domain.Agent, error) {
	if name == "" {
		return nil, storage.ErrInvalidInput
	}
	_, err := tx.q.Exec(ctx, `
		INSERT INTO agents (id, name, operations, created_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (name) DO NOTHING
	`, uuid.NewString(), name, at)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}

	a, err := getAgent(ctx, tx.q, name)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (tx *ledgerTx) TouchAgent(ctx context.Context, agentID string, ops int, lastMintAt *int64) error {
	tag, err := tx.q.Exec(ctx, `
		UPDATE agents SET
			operations = operations + $2,
			last_mint_at = COALESCE($3, last_mint_at)
		WHERE id = $1
	`, agentID, ops, lastMintAt)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (tx *ledgerTx) GetBalance(ctx context.Context, tokenID, agentID string) (*domain.Balance, error) {
	return getBalance(ctx, tx.q, tokenID, agentID)
}

func (tx *ledgerTx) CreditBalance(ctx context.Context, tokenID, agentID string, amount *big.Int, at int64) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, storage.ErrInvalidInput
	}
	var prior string
	err := tx.q.QueryRow(ctx, `
		INSERT INTO balances (token_id, agent_id, amount, updated_at)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (token_id, agent_id) DO UPDATE SET
			amount = balances.amount + EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at
		RETURNING (amount - $3::numeric)::text
	`, tokenID, agentID, amount.String(), at).Scan(&prior)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	return parseNumeric(prior)
}

func (tx *ledgerTx) DebitBalance(ctx context.Context, tokenID, agentID string, amount *big.Int, at int64) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, storage.ErrInvalidInput
	}
	var remaining string
	err := tx.q.QueryRow(ctx, `
		UPDATE balances SET amount = amount - $3::numeric, updated_at = $4
		WHERE token_id = $1 AND agent_id = $2 AND amount >= $3::numeric
		RETURNING amount::text
	`, tokenID, agentID, amount.String(), at).Scan(&remaining)
	if isNotFoundError(err) {
		return nil, storage.ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}
	return parseNumeric(remaining)
}

func (tx *ledgerTx) CountMintsSince(ctx context.Context, agentID string, since int64) (int, error) {
	var n int
	err := tx.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM operations
		WHERE to_agent_id = $1 AND type = 'mint' AND created_at > $2
	`, agentID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mints: %w", err)
	}
	return n, nil
}

func (tx *ledgerTx) InsertOperation(ctx context.Context, op *domain.Operation) error {
	if op == nil || op.PostID == "" || !op.Kind.IsValid() {
		return storage.ErrInvalidInput
	}
	var amount *string
	if op.Amount != nil {
		v := op.Amount.String()
		amount = &v
	}
	_, err := tx.q.Exec(ctx, `
		INSERT INTO operations (
			id, type, token_id, tick, from_agent_id, to_agent_id, amount, post_id, post_url, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10)
	`,
		op.ID, string(op.Kind), op.TokenID, op.Tick, op.FromAgentID, op.ToAgentID,
		amount, op.PostID, op.PostURL, op.Timestamp,
	)
	if isDuplicateKeyError(err) {
		return storage.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

func (tx *ledgerTx) InsertRejection(ctx context.Context, r *domain.Rejection) error {
	if r == nil || r.PostID == "" {
		return storage.ErrInvalidInput
	}
	_, err := tx.q.Exec(ctx, `
		INSERT INTO rejections (id, post_id, type, tick, agent_name, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.PostID, string(r.Kind), r.Tick, r.Agent, r.Reason, r.Timestamp)
	if isDuplicateKeyError(err) {
		return storage.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

func (tx *ledgerTx) SaveState(ctx context.Context, st *domain.IndexerState) error {
	if st == nil || st.ID == "" {
		return storage.ErrInvalidInput
	}
	_, err := tx.q.Exec(ctx, `
		INSERT INTO indexer_state (id, last_post_id, last_post_at, last_indexed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			last_post_id = EXCLUDED.last_post_id,
			last_post_at = EXCLUDED.last_post_at,
			last_indexed_at = EXCLUDED.last_indexed_at
	`, st.ID, st.LastPostID, st.LastPostAt, st.LastIndexedAt)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
