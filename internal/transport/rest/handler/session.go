package handler

import (
	"net/http"
	"strconv"

	"studysync/internal/model"
	"studysync/internal/repository"
	"studysync/internal/service"
	"studysync/internal/transport/rest/middleware"
)

// SessionHandler exposes a user's sessions outside the WebSocket
type SessionHandler struct {
	sessions *service.SessionService
	history  repository.SessionHistoryRepo
}

// NewSessionHandler creates a new session handler. history may be nil.
func NewSessionHandler(sessions *service.SessionService, history repository.SessionHistoryRepo) *SessionHandler {
	return &SessionHandler{sessions: sessions, history: history}
}

// Active handles GET /v1/sessions/active
func (h *SessionHandler) Active(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	sess, err := h.sessions.Active(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, model.ErrNoActiveSession.Error())
		return
	}

	writeJSON(w, http.StatusOK, model.NewSessionState(sess))
}

// History handles GET /v1/sessions/history
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	limit := int64(20)
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	entries := []*model.SessionHistory{}
	if h.history != nil {
		found, err := h.history.ListByOwner(r.Context(), userID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load history")
			return
		}
		if found != nil {
			entries = found
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": entries})
}
