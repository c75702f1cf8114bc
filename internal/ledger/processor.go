package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/idhash"
	"agt20-indexer/internal/observability"
	"agt20-indexer/internal/policy"
	"agt20-indexer/internal/protocol"
	"agt20-indexer/internal/storage"
)

// DefaultPostURLBase is used when a post carries no canonical URL.
const DefaultPostURLBase = "https://www.moltbook.com/post"

// errConcurrentInsert aborts a unit whose operation row lost a uniqueness race.
var errConcurrentInsert = errors.New("post indexed concurrently")

// ProcessorOptions configures Processor.
type ProcessorOptions struct {
	Store       storage.LedgerStore
	Guard       *policy.Guard // default policy.NewGuard(policy.Options{})
	PostURLBase string        // default DefaultPostURLBase
	Logger      *zap.Logger
}

// Processor applies parsed operations to the ledger. Each post is applied
// as one atomic unit through LedgerStore.WithTx.
type Processor struct {
	store       storage.LedgerStore
	guard       *policy.Guard
	postURLBase string
	logger      *zap.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(opts ProcessorOptions) *Processor {
	if opts.Guard == nil {
		opts.Guard = policy.NewGuard(policy.Options{Logger: opts.Logger})
	}
	if opts.PostURLBase == "" {
		opts.PostURLBase = DefaultPostURLBase
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Processor{
		store:       opts.Store,
		guard:       opts.Guard,
		postURLBase: strings.TrimRight(opts.PostURLBase, "/"),
		logger:      opts.Logger,
	}
}

// Process parses post and, when it carries an operation, applies or rejects
// it. Rejections are results, not errors. A returned error means the unit
// was rolled back and the post can be retried.
func (p *Processor) Process(ctx context.Context, post *domain.Post) (*Result, error) {
	if post == nil || post.ID == "" {
		return nil, fmt.Errorf("process post: %w", storage.ErrInvalidInput)
	}

	op, ok := protocol.Parse(post.Content)
	if !ok {
		observability.RecordPostSkipped()
		p.logger.Debug("post carries no operation", zap.String("post_id", post.ID))
		return &Result{PostID: post.ID, Outcome: NoOp}, nil
	}

	blessing, err := p.classify(ctx, post, op)
	if err != nil {
		return nil, fmt.Errorf("process post %s: %w", post.ID, err)
	}

	var res *Result
	err = p.store.WithTx(ctx, func(tx storage.LedgerTx) error {
		var err error
		res, err = p.apply(ctx, tx, post, op, blessing)
		return err
	})
	if errors.Is(err, errConcurrentInsert) {
		res, err = &Result{PostID: post.ID, Outcome: AlreadyIndexed, Kind: op.Kind(), Tick: op.Ticker()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("process post %s: %w", post.ID, err)
	}

	p.record(res)
	return res, nil
}

// classify takes the blessing verdict of a gated mint before the unit
// opens, so the classifier call never holds the token row lock. Posts
// already indexed are not classified again.
func (p *Processor) classify(ctx context.Context, post *domain.Post, op protocol.Operation) (policy.Blessing, error) {
	m, ok := op.(protocol.Mint)
	if !ok || !p.guard.RequiresBlessing(m.Tick) {
		return policy.Blessing{}, nil
	}
	indexed, err := p.store.IsPostIndexed(ctx, post.ID)
	if err != nil {
		return policy.Blessing{}, err
	}
	if indexed {
		return policy.Blessing{}, nil
	}
	return p.guard.ClassifyBlessing(ctx, m), nil
}

func (p *Processor) record(res *Result) {
	fields := []zap.Field{
		zap.String("post_id", res.PostID),
		zap.String("op", res.Kind.String()),
		zap.String("tick", res.Tick),
	}
	switch res.Outcome {
	case Applied:
		observability.RecordOperationApplied(res.Kind.String())
		p.logger.Info("operation applied", fields...)
	case Rejected:
		observability.RecordRejection(res.Kind.String(), res.Reason)
		p.logger.Info("operation rejected", append(fields, zap.String("reason", res.Reason))...)
	case AlreadyIndexed:
		observability.RecordAlreadyIndexed()
		p.logger.Debug("post already indexed", fields...)
	}
}

// apply runs inside the unit of work.
func (p *Processor) apply(ctx context.Context, tx storage.LedgerTx, post *domain.Post, op protocol.Operation, blessing policy.Blessing) (*Result, error) {
	res := &Result{PostID: post.ID, Kind: op.Kind(), Tick: op.Ticker()}

	indexed, err := tx.IsPostIndexed(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	if indexed {
		res.Outcome = AlreadyIndexed
		return res, nil
	}

	at := post.CreatedAt
	author := post.AuthorName
	if author == "" {
		author = domain.UnknownAuthor
	}
	actor, err := tx.GetOrCreateAgent(ctx, author, at)
	if err != nil {
		return nil, fmt.Errorf("get actor: %w", err)
	}

	var (
		rec    *domain.Operation
		reason string
	)
	switch o := op.(type) {
	case protocol.Deploy:
		rec, reason, err = p.deploy(ctx, tx, actor, o, at)
	case protocol.Mint:
		rec, reason, err = p.mint(ctx, tx, actor, o, at, blessing)
	case protocol.Transfer:
		rec, reason, err = p.transfer(ctx, tx, actor, o, at)
	case protocol.Burn:
		rec, reason, err = p.burn(ctx, tx, actor, o, at)
	default:
		return nil, fmt.Errorf("unknown operation %T", op)
	}
	if err != nil {
		return nil, err
	}

	if reason != "" {
		err := tx.InsertRejection(ctx, &domain.Rejection{
			ID:        idhash.ComputeRejectionID(post.ID),
			PostID:    post.ID,
			Kind:      op.Kind(),
			Tick:      op.Ticker(),
			Agent:     actor.Name,
			Reason:    reason,
			Timestamp: at,
		})
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, errConcurrentInsert
		}
		if err != nil {
			return nil, fmt.Errorf("insert rejection: %w", err)
		}
		res.Outcome = Rejected
		res.Reason = reason
		return res, nil
	}

	rec.ID = idhash.ComputeOperationID(post.ID)
	rec.Kind = op.Kind()
	rec.Tick = op.Ticker()
	rec.PostID = post.ID
	rec.PostURL = p.postURL(post)
	rec.Timestamp = at

	if err := tx.InsertOperation(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, errConcurrentInsert
		}
		return nil, fmt.Errorf("insert operation: %w", err)
	}

	res.Outcome = Applied
	res.Operation = rec
	return res, nil
}

func (p *Processor) postURL(post *domain.Post) string {
	if post.URL != "" {
		return post.URL
	}
	return p.postURLBase + "/" + post.ID
}

func (p *Processor) deploy(ctx context.Context, tx storage.LedgerTx, actor *domain.Agent, o protocol.Deploy, at int64) (*domain.Operation, string, error) {
	_, err := tx.GetTokenForUpdate(ctx, o.Tick)
	if err == nil {
		return nil, ReasonTokenExists, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, "", fmt.Errorf("get token: %w", err)
	}

	token := &domain.Token{
		ID:         uuid.NewString(),
		Tick:       o.Tick,
		MaxSupply:  new(big.Int).Set(o.Max),
		MintLimit:  new(big.Int).Set(o.Lim),
		Supply:     new(big.Int),
		Holders:    0,
		Operations: 1,
		Deployer:   actor.Name,
		DeployedAt: at,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	if err := tx.InsertToken(ctx, token); err != nil {
		return nil, "", fmt.Errorf("insert token: %w", err)
	}
	if err := tx.TouchAgent(ctx, actor.ID, 1, nil); err != nil {
		return nil, "", fmt.Errorf("touch agent: %w", err)
	}

	return &domain.Operation{
		TokenID:   token.ID,
		ToAgentID: &actor.ID,
		ToAgent:   &actor.Name,
	}, "", nil
}

func (p *Processor) mint(ctx context.Context, tx storage.LedgerTx, actor *domain.Agent, o protocol.Mint, at int64, blessing policy.Blessing) (*domain.Operation, string, error) {
	token, reason, err := lookupToken(ctx, tx, o.Tick)
	if reason != "" || err != nil {
		return nil, reason, err
	}

	decision, err := p.guard.CheckMint(ctx, tx, actor, o, at, blessing)
	if err != nil {
		return nil, "", err
	}
	if !decision.Allowed {
		return nil, decision.Reason, nil
	}

	if o.Amt.Cmp(token.MintLimit) > 0 {
		return nil, ReasonLimitExceeded, nil
	}
	if new(big.Int).Add(token.Supply, o.Amt).Cmp(token.MaxSupply) > 0 {
		return nil, ReasonSupplyExceeded, nil
	}

	prior, err := tx.CreditBalance(ctx, token.ID, actor.ID, o.Amt, at)
	if err != nil {
		return nil, "", fmt.Errorf("credit balance: %w", err)
	}

	delta := storage.TokenDelta{Supply: o.Amt, Operations: 1}
	if prior.Sign() == 0 {
		delta.Holders = 1
	}
	if err := tx.AdjustToken(ctx, token.ID, delta, at); err != nil {
		return nil, "", fmt.Errorf("adjust token: %w", err)
	}
	if err := tx.TouchAgent(ctx, actor.ID, 1, &at); err != nil {
		return nil, "", fmt.Errorf("touch agent: %w", err)
	}

	return &domain.Operation{
		TokenID:   token.ID,
		ToAgentID: &actor.ID,
		ToAgent:   &actor.Name,
		Amount:    new(big.Int).Set(o.Amt),
	}, "", nil
}

func (p *Processor) transfer(ctx context.Context, tx storage.LedgerTx, actor *domain.Agent, o protocol.Transfer, at int64) (*domain.Operation, string, error) {
	token, reason, err := lookupToken(ctx, tx, o.Tick)
	if reason != "" || err != nil {
		return nil, reason, err
	}

	ok, err := hasBalance(ctx, tx, token.ID, actor.ID, o.Amt)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, ReasonInsufficientBalance, nil
	}

	recipient, err := tx.GetOrCreateAgent(ctx, o.To, at)
	if err != nil {
		return nil, "", fmt.Errorf("get recipient: %w", err)
	}

	remaining, err := tx.DebitBalance(ctx, token.ID, actor.ID, o.Amt, at)
	if errors.Is(err, storage.ErrInsufficientBalance) {
		return nil, ReasonInsufficientBalance, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("debit balance: %w", err)
	}
	prior, err := tx.CreditBalance(ctx, token.ID, recipient.ID, o.Amt, at)
	if err != nil {
		return nil, "", fmt.Errorf("credit balance: %w", err)
	}

	delta := storage.TokenDelta{Operations: 1}
	if prior.Sign() == 0 {
		delta.Holders++
	}
	if remaining.Sign() == 0 {
		delta.Holders--
	}
	if err := tx.AdjustToken(ctx, token.ID, delta, at); err != nil {
		return nil, "", fmt.Errorf("adjust token: %w", err)
	}
	if err := tx.TouchAgent(ctx, actor.ID, 1, nil); err != nil {
		return nil, "", fmt.Errorf("touch agent: %w", err)
	}
	if err := tx.TouchAgent(ctx, recipient.ID, 1, nil); err != nil {
		return nil, "", fmt.Errorf("touch recipient: %w", err)
	}

	return &domain.Operation{
		TokenID:     token.ID,
		FromAgentID: &actor.ID,
		FromAgent:   &actor.Name,
		ToAgentID:   &recipient.ID,
		ToAgent:     &recipient.Name,
		Amount:      new(big.Int).Set(o.Amt),
	}, "", nil
}

func (p *Processor) burn(ctx context.Context, tx storage.LedgerTx, actor *domain.Agent, o protocol.Burn, at int64) (*domain.Operation, string, error) {
	token, reason, err := lookupToken(ctx, tx, o.Tick)
	if reason != "" || err != nil {
		return nil, reason, err
	}

	ok, err := hasBalance(ctx, tx, token.ID, actor.ID, o.Amt)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, ReasonInsufficientBalance, nil
	}

	remaining, err := tx.DebitBalance(ctx, token.ID, actor.ID, o.Amt, at)
	if errors.Is(err, storage.ErrInsufficientBalance) {
		return nil, ReasonInsufficientBalance, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("debit balance: %w", err)
	}

	delta := storage.TokenDelta{Supply: new(big.Int).Neg(o.Amt), Operations: 1}
	if remaining.Sign() == 0 {
		delta.Holders = -1
	}
	if err := tx.AdjustToken(ctx, token.ID, delta, at); err != nil {
		return nil, "", fmt.Errorf("adjust token: %w", err)
	}
	if err := tx.TouchAgent(ctx, actor.ID, 1, nil); err != nil {
		return nil, "", fmt.Errorf("touch agent: %w", err)
	}

	return &domain.Operation{
		TokenID:     token.ID,
		FromAgentID: &actor.ID,
		FromAgent:   &actor.Name,
		Amount:      new(big.Int).Set(o.Amt),
	}, "", nil
}

// lookupToken locks the token row, reporting a missing token as a reason.
func lookupToken(ctx context.Context, tx storage.LedgerTx, tick string) (*domain.Token, string, error) {
	token, err := tx.GetTokenForUpdate(ctx, tick)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ReasonTokenMissing, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("get token: %w", err)
	}
	return token, "", nil
}

func hasBalance(ctx context.Context, tx storage.LedgerTx, tokenID, agentID string, amount *big.Int) (bool, error) {
	b, err := tx.GetBalance(ctx, tokenID, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get balance: %w", err)
	}
	return b.Amount.Cmp(amount) >= 0, nil
}
