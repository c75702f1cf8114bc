package api

import (
	"math/big"
	"time"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/stream"
)

// Amounts are rendered as decimal strings.

type tokenView struct {
	Tick       string `json:"tick"`
	MaxSupply  string `json:"maxSupply"`
	MintLimit  string `json:"mintLimit"`
	Supply     string `json:"supply"`
	Holders    int    `json:"holders"`
	Operations int    `json:"operations"`
	Progress   int64  `json:"progress"`
	Claimable  bool   `json:"claimable"`
	Deployer   string `json:"deployer"`
	DeployedAt int64  `json:"deployedAt"`
}

func newTokenView(t *domain.Token) tokenView {
	return tokenView{
		Tick:       t.Tick,
		MaxSupply:  amount(t.MaxSupply),
		MintLimit:  amount(t.MintLimit),
		Supply:     amount(t.Supply),
		Holders:    t.Holders,
		Operations: t.Operations,
		Progress:   t.ProgressPercent(),
		Claimable:  t.Claimable(),
		Deployer:   t.Deployer,
		DeployedAt: t.DeployedAt,
	}
}

type holdingView struct {
	Tick   string `json:"tick,omitempty"`
	Agent  string `json:"agent,omitempty"`
	Amount string `json:"amount"`
}

func newHolderViews(hs []*domain.Holding) []holdingView {
	out := make([]holdingView, 0, len(hs))
	for _, h := range hs {
		out = append(out, holdingView{Agent: h.AgentName, Amount: amount(h.Amount)})
	}
	return out
}

func newBalanceViews(hs []*domain.Holding) []holdingView {
	out := make([]holdingView, 0, len(hs))
	for _, h := range hs {
		out = append(out, holdingView{Tick: h.Tick, Amount: amount(h.Amount)})
	}
	return out
}

func newOperationViews(ops []*domain.Operation) []stream.OperationEvent {
	out := make([]stream.OperationEvent, 0, len(ops))
	for _, op := range ops {
		out = append(out, stream.NewOperationEvent(op))
	}
	return out
}

type agentView struct {
	Name       string `json:"name"`
	Operations int    `json:"operations"`
	LastMintAt *int64 `json:"lastMintAt,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

type activityView struct {
	Day    string `json:"day"` // YYYY-MM-DD, UTC
	Type   string `json:"type"`
	Count  uint64 `json:"count"`
	Volume string `json:"volume"`
}

func newActivityViews(rows []*domain.DailyActivity) []activityView {
	out := make([]activityView, 0, len(rows))
	for _, r := range rows {
		out = append(out, activityView{
			Day:    time.UnixMilli(r.Day).UTC().Format(time.DateOnly),
			Type:   r.Kind.String(),
			Count:  r.Count,
			Volume: amount(r.Volume),
		})
	}
	return out
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
