package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openguild/openguild/internal/messaging"
	"github.com/openguild/openguild/internal/storage"
)

type postMessageRequest struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

type postMessageResponse struct {
	Sequence  int64  `json:"sequence"`
	EventID   string `json:"event_id"`
	CreatedAt string `json:"created_at"`
}

// handlePostMessage handles POST /channels/{channelID}/messages.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	claims := ClaimsFromContext(r.Context())

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidationError(w, ValidationDetail{Field: "body", Message: "invalid JSON"})
		return
	}

	posted, err := s.Messaging.PostMessage(r.Context(), channelID, claims.UserID, req.Sender, req.Content, r.Header.Get("X-Forwarded-For"))
	if s.handleMessagingValidationErr(w, err) {
		return
	}
	limit, remaining, resetAt := s.Messaging.SenderRateStatus(claims.UserID)
	writeRateLimitHeaders(w, limit, remaining, resetAt)
	switch err {
	case nil:
		WriteJSON(w, http.StatusOK, postMessageResponse{
			Sequence:  posted.Sequence,
			EventID:   posted.EventID,
			CreatedAt: posted.CreatedAt.UTC().Format(rfc3339Milli),
		})
	case messaging.ErrSenderMismatch:
		WriteCodeError(w, http.StatusForbidden, "sender_mismatch")
	case messaging.ErrRateLimited:
		WriteCodeError(w, http.StatusTooManyRequests, "rate_limited")
	case storage.ErrChannelNotFound:
		WriteCodeError(w, http.StatusNotFound, "channel_not_found")
	default:
		s.Logger.Error("post message failed", slog.String("channel_id", channelID), slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
	}
}

// writeRateLimitHeaders sets the X-RateLimit-* headers describing the
// sender's current rate-limit window, per SPEC_FULL.md's supplemented
// rate-limit visibility feature.
func writeRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetAt time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
	if remaining == 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(resetAt).Seconds())+1, 10))
	}
}

type channelEventResponse struct {
	Sequence  int64           `json:"sequence"`
	ChannelID string          `json:"channel_id"`
	Event     json.RawMessage `json:"event"`
}

// handleRecentEvents handles GET /channels/{channelID}/events?since=&limit=.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	exists, err := s.Messaging.ChannelExists(r.Context(), channelID)
	if err != nil {
		s.Logger.Error("channel lookup failed", slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !exists {
		WriteCodeError(w, http.StatusNotFound, "channel_not_found")
		return
	}

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	var since *int64
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = &n
		}
	}

	events, err := s.Messaging.RecentEvents(r.Context(), channelID, since, limit)
	if err != nil {
		s.Logger.Error("recent events failed", slog.String("channel_id", channelID), slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	out := make([]channelEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, channelEventResponse{Sequence: e.Sequence, ChannelID: e.ChannelID, Event: e.Body})
	}
	WriteJSON(w, http.StatusOK, out)
}
