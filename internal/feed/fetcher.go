package feed

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/observability"
)

// Fetcher defaults.
const (
	DefaultSubmolt     = "agt20"
	DefaultPageSize    = 50
	DefaultRecentPages = 2
	DefaultMaxPosts    = 10000
	DefaultPageDelay   = 500 * time.Millisecond
)

// Fetch modes, used as metric labels.
const (
	ModeRecent   = "recent"
	ModeBackfill = "backfill"
)

// Source is one query axis of the feed.
type Source struct {
	Name    string
	Submolt string // empty for the general feed
}

// FetcherOptions configures Fetcher.
type FetcherOptions struct {
	API         API
	Sources     []Source      // default: general feed + DefaultSubmolt
	PageSize    int           // default DefaultPageSize
	RecentPages int           // default DefaultRecentPages
	MaxPosts    int           // backfill safety cap, default DefaultMaxPosts
	PageDelay   time.Duration // backfill delay between pages, default DefaultPageDelay; negative disables
	Logger      *zap.Logger
}

// Fetcher merges posts from several sources, deduplicated by post ID.
type Fetcher struct {
	api         API
	sources     []Source
	pageSize    int
	recentPages int
	maxPosts    int
	pageDelay   time.Duration
	logger      *zap.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if len(opts.Sources) == 0 {
		opts.Sources = DefaultSources(DefaultSubmolt)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.RecentPages <= 0 {
		opts.RecentPages = DefaultRecentPages
	}
	if opts.MaxPosts <= 0 {
		opts.MaxPosts = DefaultMaxPosts
	}
	if opts.PageDelay == 0 {
		opts.PageDelay = DefaultPageDelay
	}
	if opts.PageDelay < 0 {
		opts.PageDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Fetcher{
		api:         opts.API,
		sources:     opts.Sources,
		pageSize:    opts.PageSize,
		recentPages: opts.RecentPages,
		maxPosts:    opts.MaxPosts,
		pageDelay:   opts.PageDelay,
		logger:      opts.Logger,
	}
}

// DefaultSources returns the general feed plus the topic feed submolt.
func DefaultSources(submolt string) []Source {
	sources := []Source{{Name: "general"}}
	if submolt != "" {
		sources = append(sources, Source{Name: "submolt:" + submolt, Submolt: submolt})
	}
	return sources
}

// FetchRecent returns the bounded recent window of every source. With a
// non-nil since (ms), a source stops paging once it reaches a post
// authored at or before since. The result is unordered.
func (f *Fetcher) FetchRecent(ctx context.Context, since *int64) ([]*domain.Post, error) {
	seen := newPostSet()
	for _, src := range f.sources {
		for page := 0; page < f.recentPages; page++ {
			p, err := f.api.ListPosts(ctx, ListOptions{
				Limit:   f.pageSize,
				Offset:  page * f.pageSize,
				Submolt: src.Submolt,
			})
			if err != nil {
				return nil, fmt.Errorf("fetch %s page %d: %w", src.Name, page, err)
			}
			seen.add(p.Posts)
			if reachedCursor(p.Posts, since) || !morePages(p, f.pageSize) {
				break
			}
		}
	}

	observability.RecordPostsFetched(ModeRecent, seen.count())
	return seen.posts, nil
}

// FetchAll pages every source until the feed reports exhaustion.
// MaxPosts bounds the merged result; reaching it is logged as truncation.
func (f *Fetcher) FetchAll(ctx context.Context) ([]*domain.Post, error) {
	seen := newPostSet()
	requests := 0

sources:
	for _, src := range f.sources {
		for offset := 0; ; offset += f.pageSize {
			if requests > 0 && f.pageDelay > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(f.pageDelay):
				}
			}
			requests++

			p, err := f.api.ListPosts(ctx, ListOptions{
				Limit:   f.pageSize,
				Offset:  offset,
				Submolt: src.Submolt,
			})
			if err != nil {
				return nil, fmt.Errorf("fetch %s offset %d: %w", src.Name, offset, err)
			}
			seen.add(p.Posts)

			if seen.count() >= f.maxPosts {
				f.logger.Warn("backfill truncated at safety cap",
					zap.String("source", src.Name),
					zap.Int("max_posts", f.maxPosts),
				)
				break sources
			}
			if !morePages(p, f.pageSize) {
				f.logger.Debug("source exhausted",
					zap.String("source", src.Name),
					zap.Int("offset", offset),
				)
				break
			}
		}
	}

	posts := seen.posts
	if len(posts) > f.maxPosts {
		posts = posts[:f.maxPosts]
	}
	observability.RecordPostsFetched(ModeBackfill, len(posts))
	return posts, nil
}

// GetPost retrieves a single post.
func (f *Fetcher) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	return f.api.GetPost(ctx, id)
}

// morePages judges page fullness by the raw count so dropped malformed
// posts do not end paging early.
func morePages(p *Page, pageSize int) bool {
	received := p.Received
	if received < len(p.Posts) {
		received = len(p.Posts)
	}
	return p.HasMore && received > 0 && received >= pageSize
}

func reachedCursor(posts []*domain.Post, since *int64) bool {
	if since == nil {
		return false
	}
	for _, p := range posts {
		if p.CreatedAt <= *since {
			return true
		}
	}
	return false
}

// postSet keeps the first occurrence of each post ID, in arrival order.
type postSet struct {
	ids   map[string]struct{}
	posts []*domain.Post
}

func newPostSet() *postSet {
	return &postSet{ids: make(map[string]struct{})}
}

func (s *postSet) add(posts []*domain.Post) {
	for _, p := range posts {
		if _, ok := s.ids[p.ID]; ok {
			continue
		}
		s.ids[p.ID] = struct{}{}
		s.posts = append(s.posts, p)
	}
}

func (s *postSet) count() int { return len(s.posts) }
