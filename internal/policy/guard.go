package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/moderation"
	"agt20-indexer/internal/observability"
	"agt20-indexer/internal/protocol"
)

// Default policy values.
const (
	DefaultCooldown   = 2 * time.Hour
	DefaultDailyQuota = 3
	DefaultWindow     = 24 * time.Hour
)

// DefaultGatedTickers require a blessing on mint.
var DefaultGatedTickers = []string{"CNY", "RED-POCKET", "HONGBAO", "红包"}

// Rejection reasons.
const (
	ReasonCooldown        = "cooldown"
	ReasonDailyQuota      = "daily_quota"
	ReasonBlessingMissing = "blessing_missing"
	ReasonBlessingInvalid = "blessing_invalid"
)

// MintCounter counts durable mint operations. storage.LedgerTx satisfies it.
type MintCounter interface {
	CountMintsSince(ctx context.Context, agentID string, since int64) (int, error)
}

// Decision is the outcome of a guard check.
type Decision struct {
	Allowed bool
	Reason  string             // set when !Allowed
	Verdict moderation.Verdict // classifier verdict for gated tickers
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Options configures Guard.
type Options struct {
	Cooldown     time.Duration // default DefaultCooldown
	DailyQuota   int           // default DefaultDailyQuota
	Window       time.Duration // default DefaultWindow
	GatedTickers []string      // default DefaultGatedTickers
	Classifier   moderation.Classifier
	Logger       *zap.Logger
}

// Guard applies per-actor throttling and per-token content policy to mints.
type Guard struct {
	cooldownMs int64
	quota      int
	windowMs   int64
	gated      map[string]struct{}
	classifier moderation.Classifier
	logger     *zap.Logger
}

// NewGuard creates a Guard.
func NewGuard(opts Options) *Guard {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.DailyQuota <= 0 {
		opts.DailyQuota = DefaultDailyQuota
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.GatedTickers == nil {
		opts.GatedTickers = DefaultGatedTickers
	}
	if opts.Classifier == nil {
		opts.Classifier = moderation.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	gated := make(map[string]struct{}, len(opts.GatedTickers))
	for _, t := range opts.GatedTickers {
		gated[domain.NormalizeTick(t)] = struct{}{}
	}

	return &Guard{
		cooldownMs: opts.Cooldown.Milliseconds(),
		quota:      opts.DailyQuota,
		windowMs:   opts.Window.Milliseconds(),
		gated:      gated,
		classifier: opts.Classifier,
		logger:     opts.Logger,
	}
}

// RequiresBlessing reports whether mints of tick must carry a blessing.
func (g *Guard) RequiresBlessing(tick string) bool {
	_, ok := g.gated[domain.NormalizeTick(tick)]
	return ok
}

// Blessing is the classifier verdict for a mint's blessing, taken before
// the ledger unit opens.
type Blessing struct {
	Checked bool // classifier consulted
	Verdict moderation.Verdict
}

// ClassifyBlessing consults the classifier for a gated mint that carries a
// blessing. It does no storage access, so callers run it outside the unit
// of work that locks the token row.
func (g *Guard) ClassifyBlessing(ctx context.Context, m protocol.Mint) Blessing {
	if !g.RequiresBlessing(m.Tick) {
		return Blessing{}
	}
	text := strings.TrimSpace(m.Blessing)
	if text == "" {
		return Blessing{}
	}
	verdict := g.classifier.Classify(ctx, text)
	observability.RecordClassifierVerdict(verdict.String())
	return Blessing{Checked: true, Verdict: verdict}
}

// CheckMint evaluates cooldown, daily quota and content policy, in that
// order, for agent minting at post time at (ms). b carries a verdict from
// ClassifyBlessing; an unchecked b classifies inline. An error is returned
// only for storage failures.
func (g *Guard) CheckMint(ctx context.Context, counter MintCounter, agent *domain.Agent, m protocol.Mint, at int64, b Blessing) (Decision, error) {
	if agent.LastMintAt != nil && at-*agent.LastMintAt < g.cooldownMs {
		return deny(ReasonCooldown), nil
	}

	n, err := counter.CountMintsSince(ctx, agent.ID, at-g.windowMs)
	if err != nil {
		return Decision{}, fmt.Errorf("count mints: %w", err)
	}
	if n >= g.quota {
		return deny(ReasonDailyQuota), nil
	}

	if !g.RequiresBlessing(m.Tick) {
		return allow(), nil
	}

	if strings.TrimSpace(m.Blessing) == "" {
		return deny(ReasonBlessingMissing), nil
	}

	if !b.Checked {
		b = g.ClassifyBlessing(ctx, m)
	}

	// The classifier is advisory: only a confirmed Invalid blocks the mint.
	if b.Verdict == moderation.Invalid {
		d := deny(ReasonBlessingInvalid)
		d.Verdict = b.Verdict
		return d, nil
	}

	if b.Verdict == moderation.Unavailable {
		g.logger.Info("blessing classifier unavailable, allowing mint",
			zap.String("tick", m.Tick),
			zap.String("agent", agent.Name),
		)
	}
	return Decision{Allowed: true, Verdict: b.Verdict}, nil
}
