package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"gwi.com/context-recommender/internal/auth"
	"gwi.com/context-recommender/internal/core"
	"gwi.com/context-recommender/internal/errs"
)

type ctxKey int

const userIDKey ctxKey = iota

// APIHandler serves the HTTP API on top of the core services.
type APIHandler struct {
	chat       *core.ChatService
	aggregator *core.ContextAggregator
	ranker     *core.Ranker
	catalog    *core.CatalogService
	jwtSecret  string
	admins     []string
	logger     *slog.Logger
}

type Services struct {
	Chat       *core.ChatService
	Aggregator *core.ContextAggregator
	Ranker     *core.Ranker
	Catalog    *core.CatalogService
}

// NewAPIHandler builds the handler. An empty jwtSecret disables
// authentication; admins are the token subjects allowed to run maintenance.
func NewAPIHandler(s Services, jwtSecret string, admins []string, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{
		chat:       s.Chat,
		aggregator: s.Aggregator,
		ranker:     s.Ranker,
		catalog:    s.Catalog,
		jwtSecret:  jwtSecret,
		admins:     admins,
		logger:     logger,
	}
}

func (h *APIHandler) authEnabled() bool { return h.jwtSecret != "" }

// JWTAuthMiddleware puts the token subject in the request context.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeErrorPayload(w, http.StatusUnauthorized, "unauthorized", "Authorization header is required", false)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		userID, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			writeErrorPayload(w, http.StatusUnauthorized, "unauthorized", "Invalid token", false)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// authorize checks that the caller may act for userID and returns the
// effective user id. With auth enabled an empty userID means the caller.
func (h *APIHandler) authorize(w http.ResponseWriter, r *http.Request, userID string) (string, bool) {
	if !h.authEnabled() {
		return userID, true
	}
	caller := callerID(r)
	if userID == "" {
		return caller, true
	}
	if userID != caller {
		writeErrorPayload(w, http.StatusForbidden, "forbidden", "token does not belong to this user", false)
		return "", false
	}
	return userID, true
}

// authorizeSession rejects callers who did not write the session.
func (h *APIHandler) authorizeSession(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if !h.authEnabled() {
		return true
	}
	ok, err := h.chat.SessionReadableBy(r.Context(), sessionID, callerID(r))
	if err != nil {
		h.writeError(w, r, err)
		return false
	}
	if !ok {
		writeErrorPayload(w, http.StatusForbidden, "forbidden", "session does not belong to this user", false)
		return false
	}
	return true
}

func (h *APIHandler) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !h.authEnabled() || slices.Contains(h.admins, callerID(r)) {
		return true
	}
	writeErrorPayload(w, http.StatusForbidden, "forbidden", "admin token required", false)
	return false
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeErrorPayload(w http.ResponseWriter, status int, kind, message string, retryable bool) {
	writeJSON(w, status, errorBody{Error: errorPayload{Kind: kind, Message: message, Retryable: retryable}})
}

// writeError maps err to its typed payload. Untyped errors are logged and
// reported as internal.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	if kind == errs.KindInternal || kind == errs.KindDimensionMismatch {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeErrorPayload(w, kind.HTTPStatus(), kind.String(), errs.PublicMessage(err), kind.Retryable())
}

func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeErrorPayload(w, http.StatusBadRequest, errs.KindValidation.String(), "Invalid request body: "+err.Error(), false)
		return false
	}
	return true
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Validation("parse query", "%s must be an integer", name)
	}
	return v, nil
}

func queryFloat(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, errs.Validation("parse query", "%s must be a number", name)
	}
	return &v, nil
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
