package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type recommendRequest struct {
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Limit     int      `json:"limit"`
	Threshold *float64 `json:"threshold"`
}

func (h *APIHandler) RecommendHandler(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, ok := h.authorize(w, r, req.UserID)
	if !ok {
		return
	}
	list, err := h.ranker.RecommendForUser(r.Context(), userID, req.SessionID, req.Limit, req.Threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type searchRequest struct {
	Query     string   `json:"query"`
	Limit     int      `json:"limit"`
	Threshold *float64 `json:"threshold"`
}

func (h *APIHandler) SearchProductsHandler(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !h.decode(w, r, &req) {
		return
	}
	list, err := h.ranker.SearchByText(r.Context(), req.Query, req.Limit, req.Threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *APIHandler) SimilarProductsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	threshold, err := queryFloat(r, "threshold")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	list, err := h.ranker.SimilarProducts(r.Context(), chi.URLParam(r, "productID"), limit, threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
