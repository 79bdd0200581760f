package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"gwi.com/context-recommender/internal/core"
	"gwi.com/context-recommender/internal/store"
)

type createOwnerRequest struct {
	CompanyName string         `json:"company_name"`
	Domain      string         `json:"domain"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type searchOwnersRequest struct {
	Query     string   `json:"query"`
	Limit     int      `json:"limit"`
	Threshold *float64 `json:"threshold"`
}

func (h *APIHandler) CreateOwnerHandler(w http.ResponseWriter, r *http.Request) {
	var req createOwnerRequest
	if !h.decode(w, r, &req) {
		return
	}
	owner := &store.Owner{
		CompanyName: req.CompanyName,
		Domain:      req.Domain,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	if err := h.catalog.CreateOwner(r.Context(), owner); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, owner)
}

func (h *APIHandler) GetOwnerHandler(w http.ResponseWriter, r *http.Request) {
	owner, err := h.catalog.GetOwner(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, owner)
}

func (h *APIHandler) ListOwnersHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	owners, err := h.catalog.ListOwners(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owners": owners, "total": len(owners)})
}

func (h *APIHandler) UpdateOwnerHandler(w http.ResponseWriter, r *http.Request) {
	var patch core.OwnerPatch
	if !h.decode(w, r, &patch) {
		return
	}
	owner, err := h.catalog.UpdateOwner(r.Context(), chi.URLParam(r, "ownerID"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, owner)
}

func (h *APIHandler) DeleteOwnerHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteOwner(r.Context(), chi.URLParam(r, "ownerID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) SearchOwnersHandler(w http.ResponseWriter, r *http.Request) {
	var req searchOwnersRequest
	if !h.decode(w, r, &req) {
		return
	}
	matches, err := h.catalog.SearchOwners(r.Context(), req.Query, req.Limit, req.Threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owners": matches, "total": len(matches)})
}

func (h *APIHandler) OwnerProductsHandler(w http.ResponseWriter, r *http.Request) {
	h.listProducts(w, r, chi.URLParam(r, "ownerID"))
}

func (h *APIHandler) ListProductsHandler(w http.ResponseWriter, r *http.Request) {
	h.listProducts(w, r, r.URL.Query().Get("owner_id"))
}

func (h *APIHandler) listProducts(w http.ResponseWriter, r *http.Request, ownerID string) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	products, err := h.catalog.ListProducts(r.Context(), ownerID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products, "total": len(products)})
}

func (h *APIHandler) CreateProductHandler(w http.ResponseWriter, r *http.Request) {
	var in core.ProductInput
	if !h.decode(w, r, &in) {
		return
	}
	p, err := h.catalog.CreateProduct(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *APIHandler) GetProductHandler(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.GetProduct(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *APIHandler) UpdateProductHandler(w http.ResponseWriter, r *http.Request) {
	var patch core.ProductPatch
	if !h.decode(w, r, &patch) {
		return
	}
	p, err := h.catalog.UpdateProduct(r.Context(), chi.URLParam(r, "productID"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *APIHandler) DeleteProductHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteProduct(r.Context(), chi.URLParam(r, "productID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
