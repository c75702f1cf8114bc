// Package indexer drives the fetch, sort and replay cycle over the feed.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/ledger"
	"agt20-indexer/internal/observability"
	"agt20-indexer/internal/storage"
)

// ErrRunInProgress is returned when another writer holds the ledger lock.
var ErrRunInProgress = errors.New("indexer run in progress")

// Run modes, used as metric labels.
const (
	ModeRun      = "run"
	ModeBackfill = "backfill"
	ModeWebhook  = "webhook"
)

// PostSource provides posts from the feed, deduplicated by post ID.
// *feed.Fetcher satisfies it.
type PostSource interface {
	FetchRecent(ctx context.Context, since *int64) ([]*domain.Post, error)
	FetchAll(ctx context.Context) ([]*domain.Post, error)
	GetPost(ctx context.Context, id string) (*domain.Post, error)
}

// Publisher receives every applied operation after commit.
type Publisher interface {
	Publish(op *domain.Operation)
}

// Options configures Indexer.
type Options struct {
	Source    PostSource
	Processor *ledger.Processor
	Store     storage.LedgerStore
	Locker    storage.Locker
	Archive   storage.OperationArchive // optional
	Publisher Publisher                // optional
	Logger    *zap.Logger
	Now       func() time.Time // wall clock for LastIndexedAt, default time.Now
}

// Indexer replays feed posts into the ledger. At most one Run, Backfill
// or IndexPost executes at a time across every process sharing Locker.
type Indexer struct {
	source    PostSource
	processor *ledger.Processor
	store     storage.LedgerStore
	locker    storage.Locker
	archive   storage.OperationArchive
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// New creates an Indexer.
func New(opts Options) *Indexer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Indexer{
		source:    opts.Source,
		processor: opts.Processor,
		store:     opts.Store,
		locker:    opts.Locker,
		archive:   opts.Archive,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Summary reports a Run or Backfill. Processed counts applied operations
// only: rejections, no-ops and already indexed posts are counted apart.
type Summary struct {
	Mode           string
	Fetched        int
	Processed      int
	Rejected       int
	Skipped        int
	AlreadyIndexed int
	LastPostID     string // cursor after the run, empty if unchanged
	Duration       time.Duration
}

func (s *Summary) add(res *ledger.Result) {
	switch res.Outcome {
	case ledger.Applied:
		s.Processed++
	case ledger.Rejected:
		s.Rejected++
	case ledger.AlreadyIndexed:
		s.AlreadyIndexed++
	default:
		s.Skipped++
	}
}

// Run indexes the recent window of the feed and advances the cursor.
// The cursor is untouched when any post fails with an infrastructure error.
func (ix *Indexer) Run(ctx context.Context) (*Summary, error) {
	return ix.execute(ctx, ModeRun, func(ctx context.Context, s *Summary) error {
		var since *int64
		state, err := ix.store.GetState(ctx, domain.StateSingleton)
		switch {
		case err == nil:
			since = state.LastPostAt
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("get cursor: %w", err)
		}

		posts, err := ix.source.FetchRecent(ctx, since)
		if err != nil {
			return fmt.Errorf("fetch recent: %w", err)
		}
		s.Fetched = len(posts)
		SortPosts(posts)

		if err := ix.replay(ctx, posts, s); err != nil {
			return err
		}
		return ix.advanceCursor(ctx, state, posts, s)
	})
}

// Backfill replays the entire feed. It neither reads nor advances the
// cursor; deduplication relies on post identifiers alone.
func (ix *Indexer) Backfill(ctx context.Context) (*Summary, error) {
	return ix.execute(ctx, ModeBackfill, func(ctx context.Context, s *Summary) error {
		posts, err := ix.source.FetchAll(ctx)
		if err != nil {
			return fmt.Errorf("fetch all: %w", err)
		}
		s.Fetched = len(posts)
		SortPosts(posts)
		return ix.replay(ctx, posts, s)
	})
}

// IndexPost fetches a single post by ID or URL and replays it immediately.
func (ix *Indexer) IndexPost(ctx context.Context, ref string) (*ledger.Result, error) {
	id := PostIDFromRef(ref)
	if id == "" {
		return nil, fmt.Errorf("index post: %w", storage.ErrInvalidInput)
	}

	release, err := ix.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	post, err := ix.source.GetPost(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch post %s: %w", id, err)
	}

	res, err := ix.processor.Process(ctx, post)
	if err != nil {
		return nil, err
	}
	if res.Outcome == ledger.Applied {
		ix.publish(res.Operation)
		ix.archiveOps(ctx, []*domain.Operation{res.Operation})
	}

	ix.logger.Info("post indexed",
		zap.String("mode", ModeWebhook),
		zap.String("post_id", id),
		zap.String("outcome", res.Outcome.String()),
	)
	return res, nil
}

// execute wraps a run with the writer lock, timing, metrics and logging.
func (ix *Indexer) execute(ctx context.Context, mode string, fn func(context.Context, *Summary) error) (*Summary, error) {
	release, err := ix.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	s := &Summary{Mode: mode}
	ix.logger.Info("indexer run started", zap.String("mode", mode))

	err = fn(ctx, s)
	s.Duration = time.Since(start)

	if err != nil {
		observability.RecordRun(mode, "error", s.Duration.Seconds())
		ix.logger.Error("indexer run failed",
			zap.String("mode", mode),
			zap.Int("fetched", s.Fetched),
			zap.Int("processed", s.Processed),
			zap.Error(err),
		)
		return nil, err
	}

	observability.RecordRun(mode, "success", s.Duration.Seconds())
	observability.UpdateLastSuccessfulRun(mode, ix.now().Unix())
	ix.logger.Info("indexer run completed",
		zap.String("mode", mode),
		zap.Int("fetched", s.Fetched),
		zap.Int("processed", s.Processed),
		zap.Int("rejected", s.Rejected),
		zap.Int("skipped", s.Skipped),
		zap.Int("already_indexed", s.AlreadyIndexed),
		zap.Duration("duration", s.Duration),
	)
	return s, nil
}

func (ix *Indexer) lock(ctx context.Context) (func(), error) {
	release, err := ix.locker.TryLock(ctx)
	if errors.Is(err, storage.ErrLocked) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire writer lock: %w", err)
	}
	return release, nil
}

// replay applies posts in order. Applied operations are archived even when
// a later post fails, since they are already committed.
func (ix *Indexer) replay(ctx context.Context, posts []*domain.Post, s *Summary) error {
	if err := ValidatePostOrdering(posts); err != nil {
		return fmt.Errorf("replay %d posts: %w", len(posts), err)
	}

	var applied []*domain.Operation
	defer func() { ix.archiveOps(ctx, applied) }()

	for _, post := range posts {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := ix.processor.Process(ctx, post)
		if err != nil {
			return err
		}
		s.add(res)
		if res.Outcome == ledger.Applied {
			applied = append(applied, res.Operation)
			ix.publish(res.Operation)
		}
	}
	return nil
}

// advanceCursor records the last post of the sorted batch. With an empty
// batch only LastIndexedAt moves.
func (ix *Indexer) advanceCursor(ctx context.Context, prev *domain.IndexerState, posts []*domain.Post, s *Summary) error {
	next := &domain.IndexerState{
		ID:            domain.StateSingleton,
		LastIndexedAt: ix.now().UnixMilli(),
	}
	if prev != nil {
		next.LastPostID = prev.LastPostID
		next.LastPostAt = prev.LastPostAt
	}
	if n := len(posts); n > 0 {
		last := posts[n-1]
		// The window may end before the stored cursor when the feed lags.
		if next.LastPostAt == nil || last.CreatedAt >= *next.LastPostAt {
			id, at := last.ID, last.CreatedAt
			next.LastPostID = &id
			next.LastPostAt = &at
			s.LastPostID = id
		}
	}

	err := ix.store.WithTx(ctx, func(tx storage.LedgerTx) error {
		return tx.SaveState(ctx, next)
	})
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (ix *Indexer) publish(op *domain.Operation) {
	if ix.publisher != nil && op != nil {
		ix.publisher.Publish(op)
	}
}

// archiveOps writes applied operations to the analytics archive. Failures
// are logged and counted: the ledger is authoritative.
func (ix *Indexer) archiveOps(ctx context.Context, ops []*domain.Operation) {
	if ix.archive == nil || len(ops) == 0 {
		return
	}
	// The run context may already be cancelled; the ledger rows are committed.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	err := ix.archive.InsertBulk(actx, ops)
	observability.RecordArchiveWrite(err)
	if err != nil {
		ix.logger.Error("archive write failed", zap.Int("operations", len(ops)), zap.Error(err))
	}
}
