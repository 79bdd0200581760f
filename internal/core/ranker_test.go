package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/llm/llmtest"
	"gwi.com/context-recommender/internal/store"
	"gwi.com/context-recommender/internal/utils"
	"gwi.com/context-recommender/internal/vectorindex"
)

// newVectorRanker ranks fixed 2-d product vectors by a user vector alone.
func newVectorRanker(t *testing.T, vectors ...[]float32) (*Ranker, []string) {
	t.Helper()
	ctx := context.Background()
	db, err := store.NewSQLiteStore(":memory:", 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	owner := &store.Owner{CompanyName: "Acme", Domain: "acme.io"}
	require.NoError(t, db.CreateOwner(ctx, owner))
	ids := make([]string, len(vectors))
	for i, v := range vectors {
		p := &store.Product{OwnerID: owner.ID, Title: "p", Embedding: v}
		require.NoError(t, db.CreateProduct(ctx, p))
		ids[i] = p.ID
	}
	embedder := &llmtest.FixedEmbedder{Dims: 2}
	return NewRanker(NewVectorizer(embedder, 2), db, db, db, nil, RankerConfig{Threshold: 0.5}, nil), ids
}

func productIDs(list *RecommendationList) []string {
	out := make([]string, len(list.Recommendations))
	for i, r := range list.Recommendations {
		out[i] = r.ProductID
	}
	return out
}

func TestRankThresholdIsInclusive(t *testing.T) {
	user := []float32{1, 0}
	edge := []float32{0.6, 0.8}
	r, ids := newVectorRanker(t, []float32{1, 0}, edge, []float32{0, 1})

	score, err := utils.CosineSimilarity(user, edge)
	require.NoError(t, err)

	list, err := r.Rank(context.Background(), RankRequest{UserEmbedding: user, Threshold: float(score)})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], ids[1]}, productIDs(list))
	assert.InDelta(t, score, list.Recommendations[1].SimilarityScore, 1e-12)

	list, err = r.Rank(context.Background(), RankRequest{UserEmbedding: user, Threshold: float(score + 1e-9)})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, productIDs(list))
}

func TestRankOrderingTiesAndLimit(t *testing.T) {
	user := []float32{1, 0}
	r, ids := newVectorRanker(t,
		[]float32{0.8, 0.6},
		[]float32{1, 0},
		[]float32{2, 0}, // same direction as ids[1]: tie broken by insertion order
		[]float32{0.6, 0.8},
	)

	list, err := r.Rank(context.Background(), RankRequest{UserEmbedding: user, Threshold: float(-1)})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1], ids[2], ids[0], ids[3]}, productIDs(list))
	assert.Equal(t, 4, list.Total)
	for i := 1; i < len(list.Recommendations); i++ {
		assert.GreaterOrEqual(t, list.Recommendations[i-1].SimilarityScore, list.Recommendations[i].SimilarityScore)
	}
	assert.Equal(t, Weights{User: 1}, list.Weights, "empty thread ranks by user context alone")

	list, err = r.Rank(context.Background(), RankRequest{UserEmbedding: user, Threshold: float(-1), Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1], ids[2]}, productIDs(list))
	assert.Equal(t, 2, list.Total)

	rec := list.Recommendations[0]
	assert.Equal(t, "Acme", rec.OwnerInfo.CompanyName)
	assert.Equal(t, "acme.io", rec.OwnerInfo.Domain)
}

func TestRankEmptyResultIsNotAnError(t *testing.T) {
	r, _ := newVectorRanker(t, []float32{0, 1})
	list, err := r.Rank(context.Background(), RankRequest{UserEmbedding: []float32{1, 0}, Threshold: float(0.9)})
	require.NoError(t, err)
	assert.Empty(t, list.Recommendations)
	assert.NotNil(t, list.Recommendations)
	assert.Zero(t, list.Total)

	empty, _ := newVectorRanker(t)
	list, err = empty.Rank(context.Background(), RankRequest{UserEmbedding: []float32{1, 0}})
	require.NoError(t, err)
	assert.Zero(t, list.Total)
}

func TestRankValidatesBeforeCallingProviders(t *testing.T) {
	f := newFixture(t)
	user := make([]float32, testDims)
	user[0] = 1

	tests := []struct {
		name string
		req  RankRequest
		want error
	}{
		{"no signals", RankRequest{}, errs.ErrValidation},
		{"negative limit", RankRequest{UserEmbedding: user, Limit: -1}, errs.ErrValidation},
		{"limit above max", RankRequest{UserEmbedding: user, Limit: 51}, errs.ErrValidation},
		{"threshold out of range", RankRequest{UserEmbedding: user, Threshold: float(1.5)}, errs.ErrValidation},
		{"negative weight", RankRequest{ThreadSummary: "crm", Weights: &Weights{User: -1, Thread: 1}}, errs.ErrValidation},
		{"zero weights", RankRequest{ThreadSummary: "crm", Weights: &Weights{}}, errs.ErrValidation},
		{"wrong dimension", RankRequest{UserEmbedding: []float32{1, 0}, ThreadSummary: "crm"}, errs.ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ranker.Rank(context.Background(), tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Zero(t, f.embedder.Calls())
}

func TestRankWithThreadOnly(t *testing.T) {
	f := newFixture(t)
	ids := f.seedCatalog(t)

	list, err := f.ranker.Rank(context.Background(), RankRequest{ThreadSummary: "recipes for my kitchen"})
	require.NoError(t, err)
	require.NotEmpty(t, list.Recommendations)
	assert.Equal(t, ids["Pro Kitchen Set"], list.Recommendations[0].ProductID)
	assert.Equal(t, Weights{Thread: 1}, list.Weights)
}

func TestRankBlendsTwoSimilarities(t *testing.T) {
	f := newFixture(t)
	ids := f.seedCatalog(t)
	ctx := context.Background()

	user, err := f.vectorizer.Embed(ctx, "crm for sales")
	require.NoError(t, err)
	thread, err := f.vectorizer.Embed(ctx, "kanban project tasks")
	require.NoError(t, err)
	crm, err := f.db.GetProduct(ctx, ids["Acme CRM"])
	require.NoError(t, err)

	list, err := f.ranker.Rank(ctx, RankRequest{UserEmbedding: user, ThreadSummary: "kanban project tasks", Threshold: float(-1), Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, Weights{User: 0.75, Thread: 0.25}, list.Weights)

	cu, err := utils.CosineSimilarity(user, crm.Embedding)
	require.NoError(t, err)
	ct, err := utils.CosineSimilarity(thread, crm.Embedding)
	require.NoError(t, err)
	for _, rec := range list.Recommendations {
		if rec.ProductID == crm.ID {
			assert.InDelta(t, 0.75*cu+0.25*ct, rec.SimilarityScore, 1e-9)
			return
		}
	}
	t.Fatal("crm product missing from ranking")
}

func TestRecommendationScenarioCRM(t *testing.T) {
	for _, tc := range []struct {
		name  string
		index bool
	}{
		{"sqlite scan", false},
		{"chromem index", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			var matcher ProductMatcher = f.db
			if tc.index {
				idx, err := vectorindex.NewChromemIndex(f.embedder, testDims, nil)
				require.NoError(t, err)
				f.catalog = NewCatalogService(f.db, f.vectorizer, idx, 2, nil)
				matcher = idx
			}
			ids := f.seedCatalog(t)
			ranker := NewRanker(f.vectorizer, matcher, f.db, f.db, f.summaries, RankerConfig{Threshold: 0.5}, nil)

			for _, msg := range []string{
				"I need a CRM for my sales team",
				"We are a 5-person sales team",
				"It should track contacts and our pipeline",
			} {
				res, err := f.chat.ProcessMessage(ctx, MessageInput{SessionID: "S1", UserID: "u1", Content: msg})
				require.NoError(t, err)
				require.True(t, res.UserContextUpdated, "context error: %+v", res.ContextError)
			}

			list, err := ranker.RecommendForUser(ctx, "u1", "S1", 5, float(0.5))
			require.NoError(t, err)
			require.NotEmpty(t, list.Recommendations)
			assert.LessOrEqual(t, len(list.Recommendations), 5)
			assert.Equal(t, ids["Acme CRM"], list.Recommendations[0].ProductID)
			assert.Equal(t, "Acme", list.Recommendations[0].OwnerInfo.CompanyName)
			for i, rec := range list.Recommendations {
				assert.GreaterOrEqual(t, rec.SimilarityScore, 0.5)
				assert.NotEqual(t, ids["Pro Kitchen Set"], rec.ProductID)
				if i > 0 {
					assert.GreaterOrEqual(t, list.Recommendations[i-1].SimilarityScore, rec.SimilarityScore)
				}
			}
			assert.NotEmpty(t, list.UserContextSummary)
		})
	}
}

func TestSearchByTextMatchesDirectCosineRanking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCatalog(t)

	list, err := f.ranker.SearchByText(ctx, "project management tool", 10, float(-1))
	require.NoError(t, err)
	assert.Equal(t, "Search results for: project management tool", list.UserContextSummary)
	assert.Equal(t, Weights{User: 0.5, Thread: 0.5}, list.Weights)

	query, err := f.vectorizer.Embed(ctx, "project management tool")
	require.NoError(t, err)
	products, err := f.db.ListProducts(ctx, "", 0)
	require.NoError(t, err)
	direct := make([]store.ProductScore, 0, len(products))
	for _, p := range products {
		sim, err := utils.CosineSimilarity(query, p.Embedding)
		require.NoError(t, err)
		direct = append(direct, store.ProductScore{ProductID: p.ID, Seq: p.Seq, Score: sim})
	}
	direct = store.FilterAndCap(direct, -1, 10)

	require.Len(t, list.Recommendations, len(direct))
	for i, want := range direct {
		assert.Equal(t, want.ProductID, list.Recommendations[i].ProductID)
		assert.InDelta(t, want.Score, list.Recommendations[i].SimilarityScore, 1e-12)
	}
	assert.Equal(t, "Boardly", list.Recommendations[0].Title)

	_, err = f.ranker.SearchByText(ctx, "  ", 10, nil)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestSimilarProducts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.seedCatalog(t)

	owner := &store.Owner{CompanyName: "Rival"}
	require.NoError(t, f.catalog.CreateOwner(ctx, owner))
	rival, err := f.catalog.CreateProduct(ctx, ProductInput{OwnerID: owner.ID, Title: "Rival CRM", Description: "crm with contacts and sales pipeline"})
	require.NoError(t, err)

	list, err := f.ranker.SimilarProducts(ctx, ids["Acme CRM"], 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, list.Recommendations)
	assert.Equal(t, rival.ID, list.Recommendations[0].ProductID)
	for _, rec := range list.Recommendations {
		assert.NotEqual(t, ids["Acme CRM"], rec.ProductID)
		assert.GreaterOrEqual(t, rec.SimilarityScore, 0.0)
	}

	_, err = f.ranker.SimilarProducts(ctx, "missing", 0, nil)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestRecommendForUserWithoutSignals(t *testing.T) {
	f := newFixture(t)
	f.seedCatalog(t)

	list, err := f.ranker.RecommendForUser(context.Background(), "stranger", "", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, list.Recommendations)
	assert.Zero(t, list.Total)

	_, err = f.ranker.RecommendForUser(context.Background(), "", "", 0, nil)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestHydrateKeepsProductsWithMissingOwner(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewSQLiteStore(":memory:", 0, nil)
	require.NoError(t, err)
	defer db.Close()

	p := &store.Product{OwnerID: "gone", Title: "Orphan", Embedding: []float32{1, 0}}
	require.NoError(t, db.CreateProduct(ctx, p))

	r := NewRanker(NewVectorizer(&llmtest.FixedEmbedder{Dims: 2}, 2), db, db, db, nil, RankerConfig{}, nil)
	list, err := r.Rank(ctx, RankRequest{UserEmbedding: []float32{1, 0}})
	require.NoError(t, err)
	require.Len(t, list.Recommendations, 1)
	assert.Equal(t, OwnerInfo{}, list.Recommendations[0].OwnerInfo)
}
