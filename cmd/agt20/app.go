package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"agt20-indexer/internal/chain"
	"agt20-indexer/internal/config"
	"agt20-indexer/internal/feed"
	"agt20-indexer/internal/indexer"
	"agt20-indexer/internal/ledger"
	"agt20-indexer/internal/moderation"
	"agt20-indexer/internal/policy"
	"agt20-indexer/internal/snapshot"
	"agt20-indexer/internal/storage"
	chstore "agt20-indexer/internal/storage/clickhouse"
	"agt20-indexer/internal/storage/memory"
	pgstore "agt20-indexer/internal/storage/postgres"
)

// app holds every wired component of one process.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   storage.LedgerStore
	locker  storage.Locker
	archive storage.OperationArchive // nil when not configured
	indexer *indexer.Indexer
	syncer  *snapshot.Syncer // nil when not configured

	closers []func()
}

// newApp wires stores, clients and the indexer. publisher may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, publisher indexer.Publisher) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}

	classifierOpts := []moderation.ClientOption{
		moderation.WithTimeout(cfg.ClassifierTimeout),
		moderation.WithLogger(logger.Named("classifier")),
	}
	if cfg.ClassifierModel != "" {
		classifierOpts = append(classifierOpts, moderation.WithModel(cfg.ClassifierModel))
	}
	guard := policy.NewGuard(policy.Options{
		Cooldown:     cfg.MintCooldown,
		DailyQuota:   cfg.DailyMintQuota,
		GatedTickers: cfg.BlessingTokens,
		Classifier:   moderation.NewHTTPClient(cfg.ClassifierURL, cfg.ClassifierAPIKey, classifierOpts...),
		Logger:       logger.Named("policy"),
	})

	processor := ledger.NewProcessor(ledger.ProcessorOptions{
		Store:       a.store,
		Guard:       guard,
		PostURLBase: cfg.PostURLBase,
		Logger:      logger.Named("ledger"),
	})

	feedClient := feed.NewHTTPClient(cfg.FeedBaseURL,
		feed.WithTimeout(cfg.FeedTimeout),
		feed.WithAPIKey(cfg.FeedAPIKey),
		feed.WithPostURLBase(cfg.PostURLBase),
		feed.WithLogger(logger.Named("feed")),
	)
	fetcher := feed.NewFetcher(feed.FetcherOptions{
		API:         feedClient,
		Sources:     feed.DefaultSources(cfg.FeedSubmolt),
		PageSize:    cfg.FeedPageSize,
		RecentPages: cfg.FeedRecentPages,
		MaxPosts:    cfg.BackfillMaxPosts,
		PageDelay:   cfg.BackfillPageDelay,
		Logger:      logger.Named("fetcher"),
	})

	a.indexer = indexer.New(indexer.Options{
		Source:    fetcher,
		Processor: processor,
		Store:     a.store,
		Locker:    a.locker,
		Archive:   a.archive,
		Publisher: publisher,
		Logger:    logger.Named("indexer"),
	})

	if cfg.SnapshotEnabled() {
		rpc := chain.NewHTTPClient(cfg.ChainRPCURL)
		factory, err := chain.NewClaimFactory(rpc, cfg.ClaimFactory)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.syncer = snapshot.NewSyncer(snapshot.Options{
			Factory: factory,
			Store:   a.store,
			Locker:  a.locker,
			Logger:  logger.Named("snapshot"),
		})
	}

	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	if a.cfg.UseMemory {
		mem := memory.NewLedgerStore()
		a.store = mem
		a.locker = mem
		a.logger.Warn("using in-memory ledger, state is lost on exit")
	} else {
		pool, err := pgstore.NewPool(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		a.store = pgstore.NewLedgerStore(pool)
		a.locker = pgstore.NewAdvisoryLocker(pool, pgstore.LedgerLockKey)
	}

	switch {
	case a.cfg.ClickhouseDSN != "":
		conn, err := chstore.NewConn(ctx, a.cfg.ClickhouseDSN)
		if err != nil {
			return fmt.Errorf("connect clickhouse: %w", err)
		}
		a.closers = append(a.closers, func() { conn.Close() })
		a.archive = chstore.NewOperationArchive(conn)
	case a.cfg.UseMemory:
		a.archive = memory.NewOperationArchive()
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
