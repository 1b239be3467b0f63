package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/miguel-bm/threadwatch/internal/pubsub"
	"github.com/miguel-bm/threadwatch/internal/tracker"
)

// handleWebhook receives Pub/Sub push deliveries. Any 2xx acknowledges the
// delivery; 4xx marks it as permanently bad and 5xx makes Pub/Sub retry.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookToken != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookToken)) != 1 {
			slog.Warn("webhook rejected: bad push token", "remote", clientIP(r))
			writeError(w, http.StatusForbidden, "invalid push token")
			return
		}
	}

	session := s.session.Load()
	if session == nil {
		slog.Error("webhook received before session is ready")
		writeError(w, http.StatusInternalServerError, "service not ready")
		return
	}

	push, err := pubsub.DecodePush(r.Body)
	if err != nil {
		slog.Warn("webhook rejected: malformed payload", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.webhookTimeout)
	defer cancel()

	res, err := session.HandleNotification(ctx, tracker.Notification{
		EmailAddress: push.EmailAddress,
		HistoryID:    push.HistoryID,
	})
	switch {
	case errors.Is(err, tracker.ErrMissingHistoryID):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("notification processing failed",
			"delivery_id", push.DeliveryID,
			"history_id", push.HistoryID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "notification processing failed")
		return
	}

	if res.Skipped {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "different mailbox"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
