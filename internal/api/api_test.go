package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/context-recommender/internal/auth"
	"gwi.com/context-recommender/internal/core"
	"gwi.com/context-recommender/internal/llm/llmtest"
	"gwi.com/context-recommender/internal/store"
)

const testDims = 8

type testServer struct {
	handler  http.Handler
	embedder *llmtest.KeywordEmbedder
}

func newTestServer(t *testing.T, jwtSecret string) *testServer {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:", 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	embedder := llmtest.NewKeywordEmbedder(testDims, map[string]int{"crm": 0, "sales": 0, "kitchen": 1, "cooking": 1})
	gen := &llmtest.Generator{Respond: llmtest.Echo}
	vectorizer := core.NewVectorizer(embedder, testDims)
	summarizer, err := core.NewSummarizer(gen, nil)
	require.NoError(t, err)
	summaries := core.NewThreadSummarizer(db, summarizer, core.NewSummaryCache(16), core.ThreadSummarizerConfig{}, nil)
	aggregator := core.NewContextAggregator(db, summaries, summarizer, vectorizer, core.AggregatorConfig{}, nil)
	ranker := core.NewRanker(vectorizer, db, db, db, summaries, core.RankerConfig{Threshold: 0.5}, nil)

	h := NewAPIHandler(Services{
		Chat:       core.NewChatService(db, aggregator, ranker, summaries, summarizer, core.ChatConfig{}, nil),
		Aggregator: aggregator,
		Ranker:     ranker,
		Catalog:    core.NewCatalogService(db, vectorizer, nil, 10, nil),
	}, jwtSecret, []string{"ops"}, nil)
	return &testServer{handler: NewRouter(h, []string{"*"}), embedder: embedder}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")
	rec := s.do(t, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestErrorPayloads(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/chat/messages", map[string]any{"session_id": "s1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "validation_error", body.Error.Kind)
	assert.False(t, body.Error.Retryable)

	rec = s.do(t, http.MethodPost, "/api/chat/messages", map[string]any{"session_id": "s1", "bogus": 1}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/products/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[errorBody](t, rec).Error.Kind)

	s.embedder.Err = errors.New("upstream down")
	rec = s.do(t, http.MethodPost, "/api/recommendations/search", map[string]any{"query": "crm"}, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = decodeBody[errorBody](t, rec)
	assert.Equal(t, "provider_error", body.Error.Kind)
	assert.True(t, body.Error.Retryable)
	assert.NotContains(t, body.Error.Message, "upstream down")
}

func TestMessageSurvivesContextFailure(t *testing.T) {
	s := newTestServer(t, "")
	s.embedder.Err = errors.New("upstream down")

	rec := s.do(t, http.MethodPost, "/api/chat/messages", map[string]any{"session_id": "s1", "user_id": "u1", "content": "need a crm"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[core.ProcessResult](t, rec)
	assert.False(t, res.UserContextUpdated)
	require.NotNil(t, res.ContextError)
	assert.Equal(t, "provider_error", res.ContextError.Kind)

	rec = s.do(t, http.MethodGet, "/api/chat/sessions/s1/count", nil, "")
	assert.JSONEq(t, `{"session_id":"s1","count":1}`, rec.Body.String())
}

func TestCatalogAndRecommendations(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/owners", map[string]any{"company_name": "Acme", "domain": "acme.io"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	owner := decodeBody[store.Owner](t, rec)

	for _, p := range []map[string]any{
		{"owner_id": owner.ID, "title": "Acme CRM", "description": "crm for sales", "categories": []string{"crm"}},
		{"owner_id": owner.ID, "title": "Kitchen Pro", "description": "cooking kit", "categories": []string{"kitchen"}},
	} {
		rec = s.do(t, http.MethodPost, "/api/products", p, "")
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/owners/"+owner.ID+"/products", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeBody[struct{ Total int }](t, rec).Total)

	rec = s.do(t, http.MethodPost, "/api/recommendations/search", map[string]any{"query": "sales crm"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decodeBody[core.RecommendationList](t, rec)
	require.Len(t, list.Recommendations, 1)
	assert.Equal(t, "Acme CRM", list.Recommendations[0].Title)
	assert.Equal(t, "acme.io", list.Recommendations[0].OwnerInfo.Domain)
	assert.Equal(t, "Search results for: sales crm", list.UserContextSummary)

	rec = s.do(t, http.MethodPost, "/api/users", map[string]any{"user_id": "u1", "narrative_prompt": "runs a sales team that needs a crm"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/recommendations", map[string]any{"user_id": "u1", "limit": 5}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list = decodeBody[core.RecommendationList](t, rec)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "Acme CRM", list.Recommendations[0].Title)

	rec = s.do(t, http.MethodPost, "/api/recommendations", map[string]any{"user_id": "u1", "limit": 500}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, "secret")
	token, err := auth.GenerateJWT("secret", "u1", time.Hour)
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/users/u1/context", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/users/u1/context", nil, "bad-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/users/u2/context", nil, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/users/u1/context", nil, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The token subject fills a missing user id.
	rec = s.do(t, http.MethodPost, "/api/chat/messages", map[string]any{"session_id": "s1", "content": "crm please"}, token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[core.ProcessResult](t, rec)
	require.NotNil(t, res.Message.UserID)
	assert.Equal(t, "u1", *res.Message.UserID)
	assert.True(t, res.UserContextUpdated)

	rec = s.do(t, http.MethodGet, "/api/users/u1/context", nil, token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOwnerEndpoints(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/owners", map[string]any{"company_name": "Acme", "description": "crm and sales tools"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acme := decodeBody[store.Owner](t, rec)
	rec = s.do(t, http.MethodPost, "/api/owners", map[string]any{"company_name": "ChefCo", "description": "kitchen and cooking gear", "metadata": map[string]any{"hq": "Lyon"}}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	chef := decodeBody[store.Owner](t, rec)
	assert.Equal(t, "Lyon", chef.Metadata["hq"])

	rec = s.do(t, http.MethodPost, "/api/products", map[string]any{"owner_id": acme.ID, "title": "Acme CRM"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	product := decodeBody[store.Product](t, rec)

	rec = s.do(t, http.MethodGet, "/api/owners?limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[struct {
		Owners []store.Owner
		Total  int
	}](t, rec)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, chef.ID, page.Owners[0].ID)

	rec = s.do(t, http.MethodPost, "/api/owners/search", map[string]any{"query": "cooking kitchen"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	found := decodeBody[struct {
		Owners []core.OwnerMatch
		Total  int
	}](t, rec)
	require.Equal(t, 1, found.Total)
	assert.Equal(t, chef.ID, found.Owners[0].ID)
	assert.Greater(t, found.Owners[0].SimilarityScore, 0.7)

	rec = s.do(t, http.MethodPost, "/api/owners/search", map[string]any{"query": ""}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/owners/"+acme.ID, map[string]any{"domain": "acme.io"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "acme.io", decodeBody[store.Owner](t, rec).Domain)

	rec = s.do(t, http.MethodDelete, "/api/owners/"+acme.ID, nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodGet, "/api/products/"+product.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/owners/"+acme.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionReadsRequireOwnership(t *testing.T) {
	s := newTestServer(t, "secret")
	tokens := map[string]string{}
	for _, sub := range []string{"u1", "u2", "ops"} {
		tok, err := auth.GenerateJWT("secret", sub, time.Hour)
		require.NoError(t, err)
		tokens[sub] = tok
	}

	rec := s.do(t, http.MethodPost, "/api/chat/messages", map[string]any{"session_id": "s1", "content": "crm please"}, tokens["u1"])
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, path := range []string{
		"/api/chat/sessions/s1/history",
		"/api/chat/sessions/s1/recent",
		"/api/chat/sessions/s1/count",
	} {
		rec = s.do(t, http.MethodGet, path, nil, tokens["u2"])
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		rec = s.do(t, http.MethodGet, path, nil, tokens["u1"])
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	// A shared session is readable by neither writer.
	rec = s.do(t, http.MethodPost, "/api/chat/messages", map[string]any{"session_id": "s1", "content": "me too"}, tokens["u2"])
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodGet, "/api/chat/sessions/s1/history", nil, tokens["u1"])
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/chat/sessions/empty/count", nil, tokens["u2"])
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/chat/cleanup", map[string]any{"days": 30}, tokens["u1"])
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/chat/cleanup", map[string]any{"days": 30}, tokens["ops"])
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, decodeBody[struct{ Deleted int }](t, rec).Deleted)
}
