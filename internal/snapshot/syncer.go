// Package snapshot reconciles ledger token supply with the on-chain claim factory.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agt20-indexer/internal/chain"
	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/observability"
	"agt20-indexer/internal/storage"
)

// ErrInvalidTick is counted when the factory reports an unusable ticker.
var ErrInvalidTick = errors.New("invalid on-chain ticker")

// FactoryReader reads the claim factory. *chain.ClaimFactory satisfies it.
type FactoryReader interface {
	TotalTokens(ctx context.Context) (*big.Int, error)
	AllTokens(ctx context.Context, i *big.Int) (string, error)
	TokenInfo(ctx context.Context, token string) (*chain.TokenInfo, error)
	TotalClaimed(ctx context.Context, token string) (*big.Int, error)
	TotalSupply(ctx context.Context, token string) (*big.Int, error)
}

// Options configures Syncer.
type Options struct {
	Factory FactoryReader
	Store   storage.LedgerStore
	Locker  storage.Locker
	Logger  *zap.Logger
	Now     func() time.Time // default time.Now
}

// Syncer overwrites ledger supply with claimed totals read from chain.
type Syncer struct {
	factory FactoryReader
	store   storage.LedgerStore
	locker  storage.Locker
	logger  *zap.Logger
	now     func() time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		factory: opts.Factory,
		store:   opts.Store,
		locker:  opts.Locker,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// Result reports a sync pass.
type Result struct {
	Synced   int
	Errors   int
	Tokens   []TokenReport // synced tokens, in factory order
	Duration time.Duration
}

// TokenReport is the on-chain view of one synced token. Claimed is what
// the ledger now records; Supply is the ERC-20 supply minted so far.
type TokenReport struct {
	Tick    string
	Address string
	Claimed *big.Int
	Supply  *big.Int
}

// onchainToken is one factory entry with its claimed total and ERC-20 supply.
type onchainToken struct {
	info    *chain.TokenInfo
	claimed *big.Int
	supply  *big.Int
}

// Sync reads every factory token and upserts it into the ledger. Per-token
// failures are counted and skipped; only the token count read and the
// writer lock are fatal.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	release, err := s.locker.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer release()

	start := time.Now()
	res := &Result{}

	tokens, readErrors, err := s.readTokens(ctx)
	if err != nil {
		return nil, err
	}
	res.Errors += readErrors

	for _, t := range tokens {
		if err := s.upsert(ctx, t); err != nil {
			res.Errors++
			s.logger.Error("snapshot token sync failed",
				zap.String("tick", t.info.Tick),
				zap.String("address", t.info.Address),
				zap.Error(err),
			)
			continue
		}
		res.Synced++
		res.Tokens = append(res.Tokens, TokenReport{
			Tick:    domain.NormalizeTick(t.info.Tick),
			Address: t.info.Address,
			Claimed: t.claimed,
			Supply:  t.supply,
		})
		s.logger.Info("snapshot token synced",
			zap.String("tick", t.info.Tick),
			zap.String("claimed", t.claimed.String()),
			zap.String("onchain_supply", t.supply.String()),
			zap.String("max_supply", t.info.MaxSupply.String()),
		)
	}

	now := s.now()
	err = s.store.WithTx(ctx, func(tx storage.LedgerTx) error {
		return tx.SaveState(ctx, &domain.IndexerState{
			ID:            domain.StateOnchainSnapshot,
			LastIndexedAt: now.UnixMilli(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("save snapshot state: %w", err)
	}

	res.Duration = time.Since(start)
	observability.RecordSnapshot(res.Synced, res.Errors, now.Unix())
	s.logger.Info("snapshot complete",
		zap.Int("synced", res.Synced),
		zap.Int("errors", res.Errors),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (s *Syncer) readTokens(ctx context.Context) ([]onchainToken, int, error) {
	total, err := s.factory.TotalTokens(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("read total tokens: %w", err)
	}
	s.logger.Info("found on-chain tokens", zap.String("total", total.String()))

	var (
		tokens []onchainToken
		errs   int
	)
	for i := new(big.Int); i.Cmp(total) < 0; i.Add(i, big.NewInt(1)) {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		t, err := s.readToken(ctx, i)
		if err != nil {
			errs++
			s.logger.Error("snapshot token read failed", zap.String("index", i.String()), zap.Error(err))
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens, errs, nil
}

func (s *Syncer) readToken(ctx context.Context, i *big.Int) (onchainToken, error) {
	addr, err := s.factory.AllTokens(ctx, new(big.Int).Set(i))
	if err != nil {
		return onchainToken{}, err
	}
	info, err := s.factory.TokenInfo(ctx, addr)
	if err != nil {
		return onchainToken{}, err
	}
	claimed, err := s.factory.TotalClaimed(ctx, addr)
	if err != nil {
		return onchainToken{}, err
	}
	supply, err := s.factory.TotalSupply(ctx, addr)
	if err != nil {
		return onchainToken{}, err
	}
	return onchainToken{info: info, claimed: claimed, supply: supply}, nil
}

// upsert creates the token when the ledger has none, otherwise overwrites
// its supply. The on-chain total wins, within the ledger's max supply.
func (s *Syncer) upsert(ctx context.Context, t onchainToken) error {
	tick := domain.NormalizeTick(t.info.Tick)
	if !domain.ValidTick(tick) {
		return fmt.Errorf("%w: %q", ErrInvalidTick, t.info.Tick)
	}
	at := s.now().UnixMilli()

	return s.store.WithTx(ctx, func(tx storage.LedgerTx) error {
		existing, err := tx.GetTokenForUpdate(ctx, tick)
		if errors.Is(err, storage.ErrNotFound) {
			return tx.InsertToken(ctx, &domain.Token{
				ID:         uuid.NewString(),
				Tick:       tick,
				MaxSupply:  new(big.Int).Set(t.info.MaxSupply),
				MintLimit:  new(big.Int).Set(t.info.MaxSupply),
				Supply:     new(big.Int).Set(t.claimed),
				Deployer:   t.info.DeployedBy,
				DeployedAt: t.info.DeployedAt * 1000,
				CreatedAt:  at,
				UpdatedAt:  at,
			})
		}
		if err != nil {
			return err
		}
		return tx.SetTokenSupply(ctx, existing.ID, t.claimed, at)
	})
}
