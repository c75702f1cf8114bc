package domain

// Well-known IndexerState identifiers.
const (
	StateSingleton       = "singleton"
	StateOnchainSnapshot = "onchain-snapshot"
)

// IndexerState is a cursor row. The "singleton" row drives incremental fetch.
type IndexerState struct {
	ID            string
	LastPostID    *string
	LastPostAt    *int64 // authoring timestamp of LastPostID (ms)
	LastIndexedAt int64  // wall clock of last successful run (ms)
}
