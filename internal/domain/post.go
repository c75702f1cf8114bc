package domain

// UnknownAuthor names posts whose author is missing.
const UnknownAuthor = "Unknown"

// Post is a social-feed post as returned by the external feed.
type Post struct {
	ID         string
	AuthorID   string
	AuthorName string
	Content    string
	CreatedAt  int64 // authoring timestamp (ms)
	URL        string
}
