package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/miguel-bm/threadwatch/internal/db"
	"github.com/miguel-bm/threadwatch/internal/threadlifecycle"
	"github.com/miguel-bm/threadwatch/internal/tracker"
)

// readySession returns the tracker session or answers 503.
func (s *Server) readySession(w http.ResponseWriter) (*tracker.Session, bool) {
	session := s.session.Load()
	if session == nil {
		writeError(w, http.StatusServiceUnavailable, "service not ready")
		return nil, false
	}
	return session, true
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	status := db.ThreadStatus(r.URL.Query().Get("status"))
	switch status {
	case "", db.ThreadStatusActive, db.ThreadStatusPaused, db.ThreadStatusClosed:
	default:
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	threads, err := s.db.ListThreads(status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.db.GetThread(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "thread")
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleStartThread(w http.ResponseWriter, r *http.Request) {
	session, ok := s.readySession(w)
	if !ok {
		return
	}

	var input tracker.StartThreadInput
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if input.To == "" || input.Body == "" {
		writeError(w, http.StatusBadRequest, "to and body are required")
		return
	}

	thread, err := session.StartThread(r.Context(), input)
	if err != nil {
		slog.Error("start thread failed", "to", input.To, "error", err)
		writeError(w, http.StatusBadGateway, "failed to start thread: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleUpdateThread(w http.ResponseWriter, r *http.Request) {
	session, ok := s.readySession(w)
	if !ok {
		return
	}

	var input struct {
		Action string `json:"action"`
	}
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	event, err := threadlifecycle.ParseEvent(input.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	thread, err := session.TransitionThread(urlParam(r, "id"), event)
	switch {
	case errors.Is(err, threadlifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeDBError(w, err, "thread")
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteThread(urlParam(r, "id")); err != nil {
		writeDBError(w, err, "thread")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListThreadReplies(w http.ResponseWriter, r *http.Request) {
	thread, err := s.db.GetThread(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "thread")
		return
	}
	s.writeReplies(w, r, thread.ThreadID)
}

func (s *Server) handleListReplies(w http.ResponseWriter, r *http.Request) {
	s.writeReplies(w, r, r.URL.Query().Get("thread"))
}

func (s *Server) writeReplies(w http.ResponseWriter, r *http.Request, threadID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	replies, err := s.db.ListReplies(threadID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list replies")
		return
	}
	writeJSON(w, http.StatusOK, replies)
}
