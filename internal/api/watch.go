package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/miguel-bm/threadwatch/internal/tracker"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	session, ok := s.readySession(w)
	if !ok {
		return
	}
	status, err := session.Status()
	if err != nil {
		slog.Error("status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStartWatch(w http.ResponseWriter, r *http.Request) {
	session, ok := s.readySession(w)
	if !ok {
		return
	}
	watch, err := session.StartWatch(r.Context())
	if errors.Is(err, tracker.ErrWatchNotConfigured) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("start watch failed", "error", err)
		writeError(w, http.StatusBadGateway, "failed to start watch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"historyId":  watch.HistoryID,
		"expiration": watch.Expiration,
	})
}

func (s *Server) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	session, ok := s.readySession(w)
	if !ok {
		return
	}
	if err := session.StopWatch(r.Context()); err != nil {
		slog.Error("stop watch failed", "error", err)
		writeError(w, http.StatusBadGateway, "failed to stop watch")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
