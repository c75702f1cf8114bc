package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/storage"
)

type balanceKey struct {
	tokenID string
	agentID string
}

// ledgerState holds ledger rows. The committed state is only changed by
// LedgerStore.commit; a unit of work writes to its own overlay state.
type ledgerState struct {
	tokens     map[string]*domain.Token // keyed by tick
	tokenTicks map[string]string        // token id -> tick
	agents     map[string]*domain.Agent // keyed by name
	agentNames map[string]string        // agent id -> name
	balances   map[balanceKey]*domain.Balance
	operations map[string]*domain.Operation // keyed by post_id
	rejections map[string]*domain.Rejection // keyed by post_id
	states     map[string]*domain.IndexerState
	mints      map[string][]int64 // agent id -> mint timestamps
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		tokens:     make(map[string]*domain.Token),
		tokenTicks: make(map[string]string),
		agents:     make(map[string]*domain.Agent),
		agentNames: make(map[string]string),
		balances:   make(map[balanceKey]*domain.Balance),
		operations: make(map[string]*domain.Operation),
		rejections: make(map[string]*domain.Rejection),
		states:     make(map[string]*domain.IndexerState),
		mints:      make(map[string][]int64),
	}
}

// LedgerStore is an in-memory implementation of storage.LedgerStore and storage.Locker.
// Each WithTx records the rows it touches in an overlay that is merged into
// the committed state only when fn succeeds, so a unit costs O(rows touched).
type LedgerStore struct {
	mu     sync.RWMutex // guards state
	txMu   sync.Mutex   // serializes units of work
	lockMu sync.Mutex   // writer lock handed out by TryLock
	state  *ledgerState
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{state: newLedgerState()}
}

// Compile-time interface checks.
var (
	_ storage.LedgerStore = (*LedgerStore)(nil)
	_ storage.Locker      = (*LedgerStore)(nil)
)

// WithTx runs fn against an overlay and commits it if fn returns nil.
func (s *LedgerStore) WithTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	// txMu excludes other writers, so base is stable for the whole unit.
	tx := &ledgerTx{base: s.state, work: newLedgerState()}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx.work)
	return nil
}

func (s *LedgerStore) commit(w *ledgerState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	for k, v := range w.tokens {
		st.tokens[k] = v
	}
	for k, v := range w.tokenTicks {
		st.tokenTicks[k] = v
	}
	for k, v := range w.agents {
		st.agents[k] = v
	}
	for k, v := range w.agentNames {
		st.agentNames[k] = v
	}
	for k, v := range w.balances {
		st.balances[k] = v
	}
	for k, v := range w.operations {
		st.operations[k] = v
	}
	for k, v := range w.rejections {
		st.rejections[k] = v
	}
	for k, v := range w.states {
		st.states[k] = v
	}
	for k, v := range w.mints {
		st.mints[k] = append(st.mints[k], v...)
	}
}

// TryLock acquires the writer lock without waiting.
func (s *LedgerStore) TryLock(_ context.Context) (func(), error) {
	if !s.lockMu.TryLock() {
		return nil, storage.ErrLocked
	}
	var once sync.Once
	return func() { once.Do(s.lockMu.Unlock) }, nil
}

// GetToken retrieves a token by ticker.
func (s *LedgerStore) GetToken(_ context.Context, tick string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.state.tokens[tick]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// ListTokens retrieves all tokens, most recently deployed first.
func (s *LedgerStore) ListTokens(_ context.Context) ([]*domain.Token, error) {
	s.mu.RLock()
	result := make([]*domain.Token, 0, len(s.state.tokens))
	for _, t := range s.state.tokens {
		result = append(result, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].DeployedAt != result[j].DeployedAt {
			return result[i].DeployedAt > result[j].DeployedAt
		}
		return result[i].Tick < result[j].Tick
	})
	return result, nil
}

// GetAgent retrieves an agent by name.
func (s *LedgerStore) GetAgent(_ context.Context, name string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.state.agents[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a.Clone(), nil
}

// GetBalance retrieves the balance for (token, agent).
func (s *LedgerStore) GetBalance(_ context.Context, tokenID, agentID string) (*domain.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.state.balances[balanceKey{tokenID, agentID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b.Clone(), nil
}

// ListBalancesByToken retrieves every balance row of a token.
func (s *LedgerStore) ListBalancesByToken(_ context.Context, tokenID string) ([]*domain.Balance, error) {
	s.mu.RLock()
	var result []*domain.Balance
	for k, b := range s.state.balances {
		if k.tokenID == tokenID {
			result = append(result, b.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].AgentID < result[j].AgentID
	})
	return result, nil
}

// ListHolders retrieves positive holdings of a token, largest first.
func (s *LedgerStore) ListHolders(_ context.Context, tokenID string) ([]*domain.Holding, error) {
	s.mu.RLock()
	st := s.state
	tick := st.tokenTicks[tokenID]
	var result []*domain.Holding
	for k, b := range st.balances {
		if k.tokenID != tokenID || !b.IsHolder() {
			continue
		}
		result = append(result, &domain.Holding{
			Tick:      tick,
			AgentName: st.agentNames[k.agentID],
			Amount:    new(big.Int).Set(b.Amount),
		})
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if c := result[i].Amount.Cmp(result[j].Amount); c != 0 {
			return c > 0
		}
		return result[i].AgentName < result[j].AgentName
	})
	return result, nil
}

// ListHoldings retrieves positive holdings of an agent, by ticker.
func (s *LedgerStore) ListHoldings(_ context.Context, agentID string) ([]*domain.Holding, error) {
	s.mu.RLock()
	st := s.state
	name := st.agentNames[agentID]
	var result []*domain.Holding
	for k, b := range st.balances {
		if k.agentID != agentID || !b.IsHolder() {
			continue
		}
		result = append(result, &domain.Holding{
			Tick:      st.tokenTicks[k.tokenID],
			AgentName: name,
			Amount:    new(big.Int).Set(b.Amount),
		})
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Tick < result[j].Tick
	})
	return result, nil
}

// IsPostIndexed reports whether an operation or rejection exists for the post.
func (s *LedgerStore) IsPostIndexed(_ context.Context, postID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.indexed(postID), nil
}

// GetOperationByPostID retrieves the operation created from a post.
func (s *LedgerStore) GetOperationByPostID(_ context.Context, postID string) (*domain.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.state.operations[postID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return op.Clone(), nil
}

// ListRecentOperations retrieves the latest operations, newest first.
func (s *LedgerStore) ListRecentOperations(_ context.Context, limit int) ([]*domain.Operation, error) {
	return s.listOperations(func(*domain.Operation) bool { return true }, limit), nil
}

// ListOperationsByToken retrieves the latest operations of a token, newest first.
func (s *LedgerStore) ListOperationsByToken(_ context.Context, tokenID string, limit int) ([]*domain.Operation, error) {
	return s.listOperations(func(op *domain.Operation) bool { return op.TokenID == tokenID }, limit), nil
}

func (s *LedgerStore) listOperations(keep func(*domain.Operation) bool, limit int) []*domain.Operation {
	s.mu.RLock()
	var result []*domain.Operation
	for _, op := range s.state.operations {
		if keep(op) {
			result = append(result, op.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp > result[j].Timestamp
		}
		return result[i].PostID > result[j].PostID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// GetState retrieves a cursor row.
func (s *LedgerStore) GetState(_ context.Context, id string) (*domain.IndexerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.state.states[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *st
	return &c, nil
}

// OperationCount returns the number of stored operations.
func (s *LedgerStore) OperationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.operations)
}

// RejectionCount returns the number of stored rejections.
func (s *LedgerStore) RejectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.rejections)
}

func (st *ledgerState) indexed(postID string) bool {
	if _, ok := st.operations[postID]; ok {
		return true
	}
	_, ok := st.rejections[postID]
	return ok
}

// ledgerTx reads through work to base. Rows are cloned into work on first
// write; base is never mutated.
type ledgerTx struct {
	base *ledgerState
	work *ledgerState
}

var _ storage.LedgerTx = (*ledgerTx)(nil)

func (tx *ledgerTx) IsPostIndexed(_ context.Context, postID string) (bool, error) {
	return tx.work.indexed(postID) || tx.base.indexed(postID), nil
}

func (tx *ledgerTx) token(tick string) (*domain.Token, bool) {
	if t, ok := tx.work.tokens[tick]; ok {
		return t, true
	}
	t, ok := tx.base.tokens[tick]
	return t, ok
}

func (tx *ledgerTx) GetTokenForUpdate(_ context.Context, tick string) (*domain.Token, error) {
	t, ok := tx.token(tick)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

func (tx *ledgerTx) InsertToken(_ context.Context, t *domain.Token) error {
	if t == nil || t.ID == "" || t.Tick == "" || t.MaxSupply == nil || t.MintLimit == nil {
		return storage.ErrInvalidInput
	}
	if _, exists := tx.token(t.Tick); exists {
		return storage.ErrDuplicateKey
	}
	c := t.Clone()
	if c.Supply == nil {
		c.Supply = new(big.Int)
	}
	if c.Supply.Sign() < 0 || c.Supply.Cmp(c.MaxSupply) > 0 {
		return storage.ErrSupplyBounds
	}
	tx.work.tokens[c.Tick] = c
	tx.work.tokenTicks[c.ID] = c.Tick
	return nil
}

// tokenForWrite returns the unit's private copy of a token row.
func (tx *ledgerTx) tokenForWrite(tokenID string) (*domain.Token, error) {
	tick, ok := tx.work.tokenTicks[tokenID]
	if !ok {
		tick, ok = tx.base.tokenTicks[tokenID]
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	if t, ok := tx.work.tokens[tick]; ok {
		return t, nil
	}
	t := tx.base.tokens[tick].Clone()
	tx.work.tokens[tick] = t
	return t, nil
}

func (tx *ledgerTx) AdjustToken(_ context.Context, tokenID string, d storage.TokenDelta, at int64) error {
	t, err := tx.tokenForWrite(tokenID)
	if err != nil {
		return err
	}
	supply := new(big.Int).Set(t.Supply)
	if d.Supply != nil {
		supply.Add(supply, d.Supply)
	}
	if supply.Sign() < 0 || supply.Cmp(t.MaxSupply) > 0 {
		return storage.ErrSupplyBounds
	}
	if t.Holders+d.Holders < 0 {
		return storage.ErrInvalidInput
	}
	t.Supply = supply
	t.Holders += d.Holders
	t.Operations += d.Operations
	t.UpdatedAt = at
	return nil
}

func (tx *ledgerTx) SetTokenSupply(_ context.Context, tokenID string, supply *big.Int, at int64) error {
	t, err := tx.tokenForWrite(tokenID)
	if err != nil {
		return err
	}
	if supply == nil || supply.Sign() < 0 || supply.Cmp(t.MaxSupply) > 0 {
		return storage.ErrSupplyBounds
	}
	t.Supply = new(big.Int).Set(supply)
	t.UpdatedAt = at
	return nil
}

func (tx *ledgerTx) agent(name string) (*domain.Agent, bool) {
	if a, ok := tx.work.agents[name]; ok {
		return a, true
	}
	a, ok := tx.base.agents[name]
	return a, ok
}

func (tx *ledgerTx) GetOrCreateAgent(_ context.Context, name string, at int64) (*domain.Agent, error) {
	if name == "" {
		return nil, storage.ErrInvalidInput
	}
	if a, ok := tx.agent(name); ok {
		return a.Clone(), nil
	}
	a := &domain.Agent{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: at,
	}
	tx.work.agents[name] = a
	tx.work.agentNames[a.ID] = name
	return a.Clone(), nil
}

func (tx *ledgerTx) TouchAgent(_ context.Context, agentID string, ops int, lastMintAt *int64) error {
	name, ok := tx.work.agentNames[agentID]
	if !ok {
		name, ok = tx.base.agentNames[agentID]
	}
	if !ok {
		return storage.ErrNotFound
	}
	a, ok := tx.work.agents[name]
	if !ok {
		a = tx.base.agents[name].Clone()
		tx.work.agents[name] = a
	}
	a.Operations += ops
	if lastMintAt != nil {
		v := *lastMintAt
		a.LastMintAt = &v
	}
	return nil
}

func (tx *ledgerTx) balance(key balanceKey) (*domain.Balance, bool) {
	if b, ok := tx.work.balances[key]; ok {
		return b, true
	}
	b, ok := tx.base.balances[key]
	return b, ok
}

func (tx *ledgerTx) GetBalance(_ context.Context, tokenID, agentID string) (*domain.Balance, error) {
	b, ok := tx.balance(balanceKey{tokenID, agentID})
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b.Clone(), nil
}

// balanceForWrite returns the unit's private copy of a balance row, or nil.
func (tx *ledgerTx) balanceForWrite(key balanceKey) *domain.Balance {
	if b, ok := tx.work.balances[key]; ok {
		return b
	}
	b, ok := tx.base.balances[key]
	if !ok {
		return nil
	}
	c := b.Clone()
	tx.work.balances[key] = c
	return c
}

func (tx *ledgerTx) CreditBalance(_ context.Context, tokenID, agentID string, amount *big.Int, at int64) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, storage.ErrInvalidInput
	}
	key := balanceKey{tokenID, agentID}
	b := tx.balanceForWrite(key)
	if b == nil {
		b = &domain.Balance{TokenID: tokenID, AgentID: agentID, Amount: new(big.Int)}
		tx.work.balances[key] = b
	}
	prior := new(big.Int).Set(b.Amount)
	b.Amount = new(big.Int).Add(b.Amount, amount)
	b.UpdatedAt = at
	return prior, nil
}

func (tx *ledgerTx) DebitBalance(_ context.Context, tokenID, agentID string, amount *big.Int, at int64) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, storage.ErrInvalidInput
	}
	key := balanceKey{tokenID, agentID}
	if b, ok := tx.balance(key); !ok || b.Amount.Cmp(amount) < 0 {
		return nil, storage.ErrInsufficientBalance
	}
	b := tx.balanceForWrite(key)
	b.Amount = new(big.Int).Sub(b.Amount, amount)
	b.UpdatedAt = at
	return new(big.Int).Set(b.Amount), nil
}

func (tx *ledgerTx) CountMintsSince(_ context.Context, agentID string, since int64) (int, error) {
	n := 0
	for _, mints := range [][]int64{tx.base.mints[agentID], tx.work.mints[agentID]} {
		for _, at := range mints {
			if at > since {
				n++
			}
		}
	}
	return n, nil
}

func (tx *ledgerTx) InsertOperation(_ context.Context, op *domain.Operation) error {
	if op == nil || op.PostID == "" || !op.Kind.IsValid() {
		return storage.ErrInvalidInput
	}
	if _, exists := tx.base.operations[op.PostID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := tx.work.operations[op.PostID]; exists {
		return storage.ErrDuplicateKey
	}
	tx.work.operations[op.PostID] = op.Clone()
	if op.Kind == domain.OpMint && op.ToAgentID != nil {
		tx.work.mints[*op.ToAgentID] = append(tx.work.mints[*op.ToAgentID], op.Timestamp)
	}
	return nil
}

func (tx *ledgerTx) InsertRejection(_ context.Context, r *domain.Rejection) error {
	if r == nil || r.PostID == "" {
		return storage.ErrInvalidInput
	}
	if _, exists := tx.base.rejections[r.PostID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := tx.work.rejections[r.PostID]; exists {
		return storage.ErrDuplicateKey
	}
	c := *r
	tx.work.rejections[r.PostID] = &c
	return nil
}

func (tx *ledgerTx) SaveState(_ context.Context, s *domain.IndexerState) error {
	if s == nil || s.ID == "" {
		return storage.ErrInvalidInput
	}
	c := *s
	if c.LastIndexedAt == 0 {
		c.LastIndexedAt = time.Now().UnixMilli()
	}
	tx.work.states[s.ID] = &c
	return nil
}
