package domain

// Rejection records a well-formed operation that failed a precondition.
// Its PostID is consumed exactly like an Operation's, so a rejected post is
// never re-evaluated against later state.
type Rejection struct {
	ID        string // PRIMARY KEY, deterministic hash of PostID
	PostID    string // UNIQUE
	Kind      OpKind
	Tick      string
	Agent     string
	Reason    string
	Timestamp int64 // post authoring timestamp (ms)
}
