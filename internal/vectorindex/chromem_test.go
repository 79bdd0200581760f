package vectorindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/store"
)

func randomVector(r *rand.Rand, dims int) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func TestMatchProductsAgreesWithSQLiteScan(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(42))

	db, err := store.NewSQLiteStore(":memory:", 0, nil)
	require.NoError(t, err)
	defer db.Close()

	owner := &store.Owner{CompanyName: "Acme"}
	require.NoError(t, db.CreateOwner(ctx, owner))

	idx, err := NewChromemIndex(nil, 16, nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		p := &store.Product{OwnerID: owner.ID, Title: "p", Embedding: randomVector(r, 16)}
		require.NoError(t, db.CreateProduct(ctx, p))
	}
	products, err := db.ListProducts(ctx, "", 0)
	require.NoError(t, err)
	require.NoError(t, idx.Rebuild(ctx, products))
	assert.Equal(t, 20, idx.Count())

	q := store.MatchQuery{
		UserEmbedding:   randomVector(r, 16),
		ThreadEmbedding: randomVector(r, 16),
		UserWeight:      0.75,
		ThreadWeight:    0.25,
		Threshold:       -1,
		Limit:           20,
	}

	want, err := db.MatchProducts(ctx, q)
	require.NoError(t, err)
	got, err := idx.MatchProducts(ctx, q)
	require.NoError(t, err)
	require.Len(t, want, 20)
	assert.Equal(t, want, got)

	// A threshold equal to a product's score keeps it on both paths.
	q.Threshold = want[7].Score
	want, err = db.MatchProducts(ctx, q)
	require.NoError(t, err)
	got, err = idx.MatchProducts(ctx, q)
	require.NoError(t, err)
	require.Len(t, want, 8)
	assert.Equal(t, want, got)
}

func TestMatchProductsTiesAndExclusion(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex(nil, 2, nil)
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, store.Product{ID: "b", Seq: 2, Embedding: []float32{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, store.Product{ID: "a", Seq: 1, Embedding: []float32{3, 0}}))
	require.NoError(t, idx.Upsert(ctx, store.Product{ID: "c", Seq: 3, Embedding: []float32{0, 1}}))

	got, err := idx.MatchProducts(ctx, store.MatchQuery{UserEmbedding: []float32{1, 0}, UserWeight: 1, Threshold: 0.5, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ProductID)
	assert.Equal(t, "b", got[1].ProductID)

	got, err = idx.MatchProducts(ctx, store.MatchQuery{UserEmbedding: []float32{1, 0}, UserWeight: 1, Threshold: 0.5, Limit: 10, ExcludeIDs: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ProductID)

	require.NoError(t, idx.Remove(ctx, "a"))
	assert.Equal(t, 2, idx.Count())
}

func TestUpsertSkipsZeroVectors(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex(nil, 2, nil)
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, store.Product{ID: "z", Seq: 1, Embedding: []float32{0, 0}}))
	assert.Equal(t, 0, idx.Count())

	got, err := idx.MatchProducts(ctx, store.MatchQuery{UserEmbedding: []float32{1, 0}, UserWeight: 1, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex(nil, 2, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, store.Product{ID: "a", Seq: 1, Embedding: []float32{1, 0}}))

	err = idx.Upsert(ctx, store.Product{ID: "b", Seq: 2, Embedding: []float32{1, 0, 0}})
	assert.True(t, errors.Is(err, errs.ErrDimensionMismatch))

	_, err = idx.MatchProducts(ctx, store.MatchQuery{UserEmbedding: []float32{1, 0, 0}, UserWeight: 1, Limit: 5})
	assert.True(t, errors.Is(err, errs.ErrDimensionMismatch))
}

func TestRebuildSkipsWrongDimensions(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	idx, err := NewChromemIndex(nil, 2, slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)

	err = idx.Rebuild(ctx, []store.Product{
		{ID: "bad", Seq: 1, Embedding: []float32{1, 0, 0}},
		{ID: "a", Seq: 2, Embedding: []float32{1, 0}},
		{ID: "b", Seq: 3, Embedding: []float32{0, 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Count())
	assert.Equal(t, 1, strings.Count(logs.String(), "product index built"))
	assert.Contains(t, logs.String(), "skipped=1")

	_, err = NewChromemIndex(nil, 0, nil)
	assert.Error(t, err)
}

func TestMatchProductsDuringRemovals(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(7))
	idx, err := NewChromemIndex(nil, 8, nil)
	require.NoError(t, err)

	const docs = 300
	for i := 0; i < docs; i++ {
		require.NoError(t, idx.Upsert(ctx, store.Product{ID: fmt.Sprintf("p%d", i), Seq: int64(i), Embedding: randomVector(r, 8)}))
	}
	query := randomVector(r, 8)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < docs; i++ {
			assert.NoError(t, idx.Remove(ctx, fmt.Sprintf("p%d", i)))
		}
	}()

	for i := 0; i < 200; i++ {
		_, err := idx.MatchProducts(ctx, store.MatchQuery{UserEmbedding: query, UserWeight: 1, Threshold: -1, Limit: 10})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Zero(t, idx.Count())

	got, err := idx.MatchProducts(ctx, store.MatchQuery{UserEmbedding: query, UserWeight: 1, Threshold: -1, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}
