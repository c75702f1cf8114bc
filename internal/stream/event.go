package stream

import (
	"agt20-indexer/internal/domain"
)

// OperationEvent is the JSON form of an applied operation.
// Amounts are decimal strings.
type OperationEvent struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Tick      string  `json:"tick"`
	From      *string `json:"from,omitempty"`
	To        *string `json:"to,omitempty"`
	Amount    *string `json:"amount,omitempty"`
	PostID    string  `json:"postId"`
	PostURL   string  `json:"postUrl"`
	Timestamp int64   `json:"timestamp"`
}

// NewOperationEvent converts an operation.
func NewOperationEvent(op *domain.Operation) OperationEvent {
	ev := OperationEvent{
		ID:        op.ID,
		Type:      op.Kind.String(),
		Tick:      op.Tick,
		From:      op.FromAgent,
		To:        op.ToAgent,
		PostID:    op.PostID,
		PostURL:   op.PostURL,
		Timestamp: op.Timestamp,
	}
	if op.Amount != nil {
		s := op.Amount.String()
		ev.Amount = &s
	}
	return ev
}

// message is the websocket envelope.
type message struct {
	Event string         `json:"event"`
	Data  OperationEvent `json:"data"`
}
