package clickhouse

import (
	"context"
	"fmt"
	"math/big"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/storage"
)

// OperationArchive implements storage.OperationArchive using ClickHouse.
type OperationArchive struct {
	conn *Conn
}

// NewOperationArchive creates a new OperationArchive.
func NewOperationArchive(conn *Conn) *OperationArchive {
	return &OperationArchive{conn: conn}
}

// Compile-time interface check.
var _ storage.OperationArchive = (*OperationArchive)(nil)

// InsertBulk archives operations in one batch. Duplicate post_ids collapse
// on merge, and reads use FINAL.
func (s *OperationArchive) InsertBulk(ctx context.Context, ops []*domain.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO operation_archive (
			post_id, operation_id, type, tick, from_agent, to_agent, amount, post_url, timestamp_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, op := range ops {
		if op == nil || op.PostID == "" {
			_ = batch.Abort()
			return storage.ErrInvalidInput
		}
		amount := op.Amount
		if amount == nil {
			amount = new(big.Int)
		}
		err = batch.Append(
			op.PostID, op.ID, string(op.Kind), op.Tick,
			derefString(op.FromAgent), derefString(op.ToAgent),
			amount, op.PostURL, uint64(op.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// DailyActivity aggregates archived operations of a token per UTC day and kind.
func (s *OperationArchive) DailyActivity(ctx context.Context, tick string, from, to int64) ([]*domain.DailyActivity, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT
			toUInt64(intDiv(timestamp_ms, 86400000) * 86400000) AS day,
			type,
			count() AS cnt,
			sum(amount) AS volume
		FROM operation_archive FINAL
		WHERE tick = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		GROUP BY day, type
		ORDER BY day ASC, type ASC
	`, tick, uint64(from), uint64(to))
	if err != nil {
		return nil, fmt.Errorf("query daily activity: %w", err)
	}
	defer rows.Close()

	var result []*domain.DailyActivity
	for rows.Next() {
		var (
			day    uint64
			kind   string
			count  uint64
			volume big.Int
		)
		if err := rows.Scan(&day, &kind, &count, &volume); err != nil {
			return nil, fmt.Errorf("scan daily activity: %w", err)
		}
		result = append(result, &domain.DailyActivity{
			Tick:   tick,
			Day:    int64(day),
			Kind:   domain.OpKind(kind),
			Count:  count,
			Volume: new(big.Int).Set(&volume),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily activity: %w", err)
	}

	return result, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
