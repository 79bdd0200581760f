package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"gwi.com/context-recommender/internal/core"
)

func (h *APIHandler) messageInput(w http.ResponseWriter, r *http.Request) (core.MessageInput, bool) {
	var in core.MessageInput
	if !h.decode(w, r, &in) {
		return in, false
	}
	userID, ok := h.authorize(w, r, in.UserID)
	if !ok {
		return in, false
	}
	in.UserID = userID
	return in, true
}

// ProcessMessageHandler stores a message and refreshes the sender's context.
func (h *APIHandler) ProcessMessageHandler(w http.ResponseWriter, r *http.Request) {
	in, ok := h.messageInput(w, r)
	if !ok {
		return
	}
	res, err := h.chat.ProcessMessage(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *APIHandler) RespondHandler(w http.ResponseWriter, r *http.Request) {
	in, ok := h.messageInput(w, r)
	if !ok {
		return
	}
	res, err := h.chat.Respond(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *APIHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.authorizeSession(w, r, sessionID) {
		return
	}
	msgs, err := h.chat.History(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "total": len(msgs)})
}

func (h *APIHandler) RecentHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.authorizeSession(w, r, sessionID) {
		return
	}
	n, err := queryInt(r, "n")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	msgs, err := h.chat.Recent(r.Context(), sessionID, n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "total": len(msgs)})
}

func (h *APIHandler) CountHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.authorizeSession(w, r, sessionID) {
		return
	}
	n, err := h.chat.Count(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "count": n})
}

func (h *APIHandler) SearchMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	msgs, err := h.chat.Search(r.Context(), userID, r.URL.Query().Get("q"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "total": len(msgs)})
}

type cleanupRequest struct {
	Days int `json:"days"`
}

func (h *APIHandler) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r) {
		return
	}
	var req cleanupRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.chat.Cleanup(r.Context(), req.Days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

func (h *APIHandler) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, chi.URLParam(r, "userID"))
	if !ok {
		return
	}
	sessions, err := h.chat.Sessions(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": len(sessions)})
}

func (h *APIHandler) PatternsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, chi.URLParam(r, "userID"))
	if !ok {
		return
	}
	top, err := queryInt(r, "top")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	patterns, err := h.chat.AnalyzePatterns(r.Context(), userID, top)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}
