package feed

import (
	"fmt"
	"strings"
	"time"

	"agt20-indexer/internal/domain"
)

// ListOptions selects one page of the feed.
type ListOptions struct {
	Sort    string // default "new"
	Limit   int
	Offset  int
	Submolt string // empty for the general feed
}

// Page is one page of posts in feed order (newest first).
// Received counts the posts the feed returned, including ones dropped as
// malformed.
type Page struct {
	Posts    []*domain.Post
	HasMore  bool
	Received int
}

// listResponse is the raw response for GET /posts.
type listResponse struct {
	Posts   []apiPost `json:"posts"`
	HasMore *bool     `json:"has_more"`
}

// getResponse is the raw response for GET /posts/{id}.
type getResponse struct {
	Post *apiPost `json:"post"`
}

type apiPost struct {
	ID        string     `json:"id"`
	Content   *string    `json:"content"`
	Author    *apiAuthor `json:"author"`
	CreatedAt string     `json:"created_at"`
	URL       string     `json:"url"`
}

type apiAuthor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// toDomain converts a raw post. urlBase fills a missing URL.
func (p *apiPost) toDomain(urlBase string) (*domain.Post, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("post without id")
	}
	createdAt, err := parseTimestamp(p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", p.ID, err)
	}

	post := &domain.Post{
		ID:         p.ID,
		AuthorName: domain.UnknownAuthor,
		CreatedAt:  createdAt,
		URL:        p.URL,
	}
	if p.Content != nil {
		post.Content = *p.Content
	}
	if p.Author != nil {
		post.AuthorID = p.Author.ID
		if name := strings.TrimSpace(p.Author.Name); name != "" {
			post.AuthorName = name
		}
	}
	if post.URL == "" {
		post.URL = urlBase + "/" + p.ID
	}
	return post, nil
}

// parseTimestamp parses an RFC 3339 timestamp into Unix milliseconds.
func parseTimestamp(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing created_at")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("parse created_at %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}
