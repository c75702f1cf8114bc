// Package feed fetches posts from the social feed.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/observability"
)

// Default configuration values.
const (
	DefaultBaseURL     = "https://www.moltbook.com/api/v1"
	DefaultPostURLBase = "https://www.moltbook.com/post"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

var (
	// ErrPostNotFound is returned by GetPost when the feed answers 404.
	ErrPostNotFound = errors.New("post not found")
	// ErrUnexpectedStatus is returned for non-success HTTP statuses.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// API is the subset of the feed used by Fetcher.
type API interface {
	ListPosts(ctx context.Context, opts ListOptions) (*Page, error)
	GetPost(ctx context.Context, id string) (*domain.Post, error)
}

// HTTPClient implements API over the feed's JSON HTTP interface.
type HTTPClient struct {
	baseURL     string
	postURLBase string
	apiKey      string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	logger      *zap.Logger
}

var _ API = (*HTTPClient)(nil)

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithAPIKey sends the key as a Bearer token.
func WithAPIKey(key string) ClientOption {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithPostURLBase sets the prefix used for posts without a URL.
func WithPostURLBase(base string) ClientOption {
	return func(c *HTTPClient) {
		if base != "" {
			c.postURLBase = strings.TrimRight(base, "/")
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewHTTPClient creates a feed client. An empty baseURL uses DefaultBaseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		postURLBase: DefaultPostURLBase,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListPosts retrieves one page of posts. Posts that cannot be decoded are
// logged and left out of the page.
func (c *HTTPClient) ListPosts(ctx context.Context, opts ListOptions) (*Page, error) {
	q := url.Values{}
	sort := opts.Sort
	if sort == "" {
		sort = "new"
	}
	q.Set("sort", sort)
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Submolt != "" {
		q.Set("submolt", opts.Submolt)
	}

	var raw listResponse
	err := c.get(ctx, "list_posts", "/posts?"+q.Encode(), &raw)
	if errors.Is(err, ErrPostNotFound) {
		return nil, fmt.Errorf("list posts: %w %d", ErrUnexpectedStatus, http.StatusNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	page := &Page{
		Posts:    make([]*domain.Post, 0, len(raw.Posts)),
		Received: len(raw.Posts),
	}
	for i := range raw.Posts {
		post, err := raw.Posts[i].toDomain(c.postURLBase)
		if err != nil {
			c.logger.Warn("skipping malformed post", zap.Error(err))
			continue
		}
		page.Posts = append(page.Posts, post)
	}

	// Without an explicit signal a full page implies more may follow.
	if raw.HasMore != nil {
		page.HasMore = *raw.HasMore
	} else {
		page.HasMore = opts.Limit > 0 && len(raw.Posts) >= opts.Limit
	}
	return page, nil
}

// GetPost retrieves a single post. Returns ErrPostNotFound if the feed has no such post.
func (c *HTTPClient) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	if id == "" {
		return nil, fmt.Errorf("get post: empty id")
	}

	var raw getResponse
	if err := c.get(ctx, "get_post", "/posts/"+url.PathEscape(id), &raw); err != nil {
		return nil, fmt.Errorf("get post %s: %w", id, err)
	}
	if raw.Post == nil {
		return nil, fmt.Errorf("get post %s: %w", id, ErrPostNotFound)
	}
	return raw.Post.toDomain(c.postURLBase)
}

// get performs a GET with retries and exponential backoff. Transport
// errors, 429 and 5xx are retried; 404 maps to ErrPostNotFound; any other
// non-2xx status fails immediately.
func (c *HTTPClient) get(ctx context.Context, endpoint, path string, result interface{}) (err error) {
	start := time.Now()
	defer func() {
		observability.RecordFeedRequest(endpoint, time.Since(start).Seconds(), err)
	}()

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			// Exponential backoff
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
			c.logger.Debug("retrying feed request",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		case resp.StatusCode >= http.StatusInternalServerError:
			lastErr = fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, truncate(body))
			continue
		case resp.StatusCode == http.StatusNotFound:
			return ErrPostNotFound
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, truncate(body))
		}

		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func truncate(body []byte) string {
	const maxBody = 256
	if len(body) > maxBody {
		return string(body[:maxBody]) + "..."
	}
	return string(body)
}
