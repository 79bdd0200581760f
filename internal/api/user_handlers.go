package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"gwi.com/context-recommender/internal/core"
)

type onboardRequest struct {
	UserID          string         `json:"user_id"`
	Metadata        map[string]any `json:"metadata"`
	NarrativePrompt string         `json:"narrative_prompt"`
}

func (h *APIHandler) OnboardHandler(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, ok := h.authorize(w, r, req.UserID)
	if !ok {
		return
	}
	uc, err := h.aggregator.Onboard(r.Context(), userID, req.Metadata, req.NarrativePrompt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uc)
}

func (h *APIHandler) GetContextHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, chi.URLParam(r, "userID"))
	if !ok {
		return
	}
	uc, err := h.aggregator.GetContext(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uc)
}

type updateContextRequest struct {
	Metadata        map[string]any `json:"metadata"`
	NarrativePrompt *string        `json:"narrative_prompt"`
}

func (h *APIHandler) UpdateContextHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, chi.URLParam(r, "userID"))
	if !ok {
		return
	}
	var req updateContextRequest
	if !h.decode(w, r, &req) {
		return
	}
	uc, err := h.aggregator.UpdateContext(r.Context(), userID, core.ContextPatch{Metadata: req.Metadata, NarrativePrompt: req.NarrativePrompt})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uc)
}

func (h *APIHandler) DeleteContextHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, chi.URLParam(r, "userID"))
	if !ok {
		return
	}
	if err := h.aggregator.Delete(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) SimilarUsersHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, chi.URLParam(r, "userID"))
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit == 0 {
		limit = 5
	}
	threshold, err := queryFloat(r, "threshold")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	t := 0.7
	if threshold != nil {
		t = *threshold
	}
	similar, err := h.aggregator.SimilarContexts(r.Context(), userID, limit, t)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": similar, "total": len(similar)})
}
