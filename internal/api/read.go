package api

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"agt20-indexer/internal/domain"
	"agt20-indexer/internal/storage"
)

// Read endpoint limits.
const (
	TokenOperationsLimit = 20
	DefaultRecentLimit   = 50
	MaxRecentLimit       = 200
	DefaultActivityDays  = 7
	MaxActivityDays      = 90
	activityDay          = 24 * time.Hour
)

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.store.ListTokens(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, newTokenView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := h.lookupToken(w, r)
	if !ok {
		return
	}

	holders, err := h.store.ListHolders(ctx, token.ID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	ops, err := h.store.ListOperationsByToken(ctx, token.ID, TokenOperationsLimit)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      newTokenView(token),
		"holders":    newHolderViews(holders),
		"operations": newOperationViews(ops),
	})
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "activity archive not configured")
		return
	}
	days, err := intParam(r, "days", DefaultActivityDays, MaxActivityDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, ok := h.lookupToken(w, r)
	if !ok {
		return
	}

	to := h.now()
	from := to.Add(-time.Duration(days) * activityDay)
	rows, err := h.archive.DailyActivity(r.Context(), token.Tick, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		h.logger.Error("daily activity query failed", zap.String("tick", token.Tick), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "activity unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tick":     token.Tick,
		"days":     days,
		"activity": newActivityViews(rows),
	})
}

func (h *Handler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent, err := h.store.GetAgent(ctx, chi.URLParam(r, "name"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	holdings, err := h.store.ListHoldings(ctx, agent.ID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent": agentView{
			Name:       agent.Name,
			Operations: agent.Operations,
			LastMintAt: agent.LastMintAt,
			CreatedAt:  agent.CreatedAt,
		},
		"balances": newBalanceViews(holdings),
	})
}

func (h *Handler) handleRecentOperations(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", DefaultRecentLimit, MaxRecentLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ops, err := h.store.ListRecentOperations(r.Context(), limit)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": newOperationViews(ops)})
}

// handleClaim reports whether a token can be claimed on-chain and how much
// of it the agent holds. Signature issuance happens elsewhere.
func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tick := domain.NormalizeTick(r.URL.Query().Get("tick"))
	name := r.URL.Query().Get("agent")
	if tick == "" || name == "" {
		writeError(w, http.StatusBadRequest, "tick and agent are required")
		return
	}

	token, err := h.store.GetToken(ctx, tick)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	balance := new(big.Int)
	agent, err := h.store.GetAgent(ctx, name)
	switch {
	case err == nil:
		b, err := h.store.GetBalance(ctx, token.ID, agent.ID)
		if err == nil {
			balance = b.Amount
		} else if !errors.Is(err, storage.ErrNotFound) {
			h.writeStoreError(w, err)
			return
		}
	case !errors.Is(err, storage.ErrNotFound):
		h.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tick":      token.Tick,
		"agent":     name,
		"claimable": token.Claimable(),
		"progress":  token.ProgressPercent(),
		"supply":    amount(token.Supply),
		"maxSupply": amount(token.MaxSupply),
		"balance":   amount(balance),
	})
}

func (h *Handler) lookupToken(w http.ResponseWriter, r *http.Request) (*domain.Token, bool) {
	tick := domain.NormalizeTick(chi.URLParam(r, "tick"))
	if !domain.ValidTick(tick) {
		writeError(w, http.StatusBadRequest, "invalid tick")
		return nil, false
	}
	token, err := h.store.GetToken(r.Context(), tick)
	if err != nil {
		h.writeStoreError(w, err)
		return nil, false
	}
	return token, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.logger.Error("store read failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// intParam parses a positive integer query parameter, capped at limit.
func intParam(r *http.Request, name string, def, limit int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return min(n, limit), nil
}
