package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"agt20-indexer/internal/feed"
	"agt20-indexer/internal/indexer"
	"agt20-indexer/internal/storage"
)

type summaryResponse struct {
	Success        bool   `json:"success"`
	Mode           string `json:"mode"`
	Fetched        int    `json:"fetched"`
	Processed      int    `json:"processed"`
	Rejected       int    `json:"rejected"`
	Skipped        int    `json:"skipped"`
	AlreadyIndexed int    `json:"alreadyIndexed"`
	LastPostID     string `json:"lastPostId,omitempty"`
	DurationMs     int64  `json:"durationMs"`
	Timestamp      string `json:"timestamp"`
}

type webhookRequest struct {
	PostID  string `json:"postId"`
	PostURL string `json:"postUrl"`
}

type webhookResponse struct {
	Success   bool   `json:"success"`
	PostID    string `json:"postId"`
	Outcome   string `json:"outcome"`
	Type      string `json:"type,omitempty"`
	Tick      string `json:"tick,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	s, err := h.indexer.Run(r.Context())
	h.writeSummary(w, s, err)
}

func (h *Handler) handleBackfill(w http.ResponseWriter, r *http.Request) {
	s, err := h.indexer.Backfill(r.Context())
	h.writeSummary(w, s, err)
}

func (h *Handler) writeSummary(w http.ResponseWriter, s *indexer.Summary, err error) {
	if err != nil {
		h.writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		Success:        true,
		Mode:           s.Mode,
		Fetched:        s.Fetched,
		Processed:      s.Processed,
		Rejected:       s.Rejected,
		Skipped:        s.Skipped,
		AlreadyIndexed: s.AlreadyIndexed,
		LastPostID:     s.LastPostID,
		DurationMs:     s.Duration.Milliseconds(),
		Timestamp:      h.timestamp(),
	})
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	} else {
		req.PostID = r.URL.Query().Get("postId")
		req.PostURL = r.URL.Query().Get("postUrl")
	}

	ref := req.PostID
	if ref == "" {
		ref = req.PostURL
	}
	if ref == "" {
		writeError(w, http.StatusBadRequest, "postId or postUrl is required")
		return
	}

	res, err := h.indexer.IndexPost(r.Context(), ref)
	if err != nil {
		h.writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{
		Success:   true,
		PostID:    res.PostID,
		Outcome:   res.Outcome.String(),
		Type:      res.Kind.String(),
		Tick:      res.Tick,
		Reason:    res.Reason,
		Timestamp: h.timestamp(),
	})
}

func (h *Handler) writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, indexer.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, feed.ErrPostNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("trigger failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}
