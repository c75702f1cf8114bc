package indexer

import (
	"errors"
	"net/url"
	"sort"
	"strings"

	"agt20-indexer/internal/domain"
)

// ErrInvalidOrdering is returned when posts are not properly ordered.
var ErrInvalidOrdering = errors.New("posts are not in deterministic order")

// SortPosts orders posts by (created_at ASC, id ASC).
// Feed order is newest first and sources interleave, so replay never
// relies on arrival order.
func SortPosts(posts []*domain.Post) {
	sort.Slice(posts, func(i, j int) bool {
		return comparePosts(posts[i], posts[j]) < 0
	})
}

// ValidatePostOrdering checks that posts are strictly ordered, which also
// rules out duplicate IDs. Returns ErrInvalidOrdering if not.
func ValidatePostOrdering(posts []*domain.Post) error {
	for i := 1; i < len(posts); i++ {
		if comparePosts(posts[i-1], posts[i]) >= 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

// comparePosts returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
//
// Order: (created_at ASC, id ASC)
func comparePosts(a, b *domain.Post) int {
	if a.CreatedAt != b.CreatedAt {
		if a.CreatedAt < b.CreatedAt {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// PostIDFromRef extracts a post ID from an ID or a post URL. For URLs the
// ID is the last non-empty path segment.
func PostIDFromRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if !strings.Contains(ref, "/") {
		return ref
	}
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		ref = u.Path
	}
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	return ref
}
