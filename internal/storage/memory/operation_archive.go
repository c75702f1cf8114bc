package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/storage"
)

const dayMs = int64(24 * 60 * 60 * 1000)

// OperationArchive is an in-memory implementation of storage.OperationArchive.
// Rows are replaced by post_id, matching the ReplacingMergeTree semantics of
// the ClickHouse archive.
type OperationArchive struct {
	mu   sync.RWMutex
	data map[string]*domain.Operation // keyed by post_id
}

// NewOperationArchive creates a new in-memory operation archive.
func NewOperationArchive() *OperationArchive {
	return &OperationArchive{
		data: make(map[string]*domain.Operation),
	}
}

// Compile-time interface check.
var _ storage.OperationArchive = (*OperationArchive)(nil)

// InsertBulk archives operations.
func (s *OperationArchive) InsertBulk(_ context.Context, ops []*domain.Operation) error {
	for _, op := range ops {
		if op == nil || op.PostID == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		s.data[op.PostID] = op.Clone()
	}
	return nil
}

// DailyActivity aggregates archived operations of a token per day and kind.
func (s *OperationArchive) DailyActivity(_ context.Context, tick string, from, to int64) ([]*domain.DailyActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		day  int64
		kind domain.OpKind
	}
	buckets := make(map[key]*domain.DailyActivity)
	for _, op := range s.data {
		if op.Tick != tick || op.Timestamp < from || op.Timestamp > to {
			continue
		}
		k := key{day: op.Timestamp - op.Timestamp%dayMs, kind: op.Kind}
		b, ok := buckets[k]
		if !ok {
			b = &domain.DailyActivity{Tick: tick, Day: k.day, Kind: k.kind, Volume: new(big.Int)}
			buckets[k] = b
		}
		b.Count++
		if op.Amount != nil {
			b.Volume.Add(b.Volume, op.Amount)
		}
	}

	result := make([]*domain.DailyActivity, 0, len(buckets))
	for _, b := range buckets {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Day != result[j].Day {
			return result[i].Day < result[j].Day
		}
		return result[i].Kind < result[j].Kind
	})
	return result, nil
}

// Len returns the number of archived operations.
func (s *OperationArchive) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
