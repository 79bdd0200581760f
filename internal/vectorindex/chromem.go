// Package vectorindex keeps product embeddings in an in-process chromem-go
// collection and answers blended similarity queries against it.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/llm"
	"gwi.com/context-recommender/internal/store"
	"gwi.com/context-recommender/internal/utils"
)

const collectionName = "products"

// candidateSlack widens the float32 prefilter so products that sit on the
// threshold are still rescored in float64.
const candidateSlack = 1e-4

// ChromemIndex mirrors the product catalog. The SQLite store stays the
// source of truth; the index is rebuilt from it at startup.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	dims       int
	logger     *slog.Logger

	// mu guards entries and every collection write; queries hold it for
	// reading so the document count cannot shrink under them.
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	seq       int64
	embedding []float32
}

// NewChromemIndex creates an empty in-memory index for vectors of length
// dims. embedder is used only if chromem is ever asked to embed a document
// without a vector.
func NewChromemIndex(embedder llm.Embedder, dims int, logger *slog.Logger) (*ChromemIndex, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("product index dimensions must be positive, got %d", dims)
	}
	if logger == nil {
		logger = slog.Default()
	}
	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection(collectionName, nil, toChromemFunc(embedder))
	if err != nil {
		return nil, fmt.Errorf("creating chromem collection: %w", err)
	}
	return &ChromemIndex{db: db, collection: collection, dims: dims, logger: logger, entries: map[string]entry{}}, nil
}

// toChromemFunc converts an Embedder into a chromem.EmbeddingFunc.
func toChromemFunc(e llm.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		if e == nil {
			return nil, fmt.Errorf("product index has no embedder configured")
		}
		results, err := e.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return nil, fmt.Errorf("embedder returned no vector")
		}
		return results[0], nil
	}
}

// Upsert adds or replaces the product's vector. Products without a usable
// embedding are removed from the index instead.
func (x *ChromemIndex) Upsert(ctx context.Context, p store.Product) error {
	if len(p.Embedding) == 0 || utils.Magnitude(p.Embedding) == 0 {
		x.logger.Warn("not indexing product without a usable embedding", "product_id", p.ID)
		return x.Remove(ctx, p.ID)
	}
	if len(p.Embedding) != x.dims {
		return errs.DimensionMismatch("index product", x.dims, len(p.Embedding))
	}

	doc := chromem.Document{
		ID:        p.ID,
		Metadata:  map[string]string{"owner_id": p.OwnerID, "seq": strconv.FormatInt(p.Seq, 10)},
		Embedding: slices.Clone(p.Embedding),
		Content:   p.Title,
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("indexing product %s: %w", p.ID, err)
	}
	x.entries[p.ID] = entry{seq: p.Seq, embedding: slices.Clone(p.Embedding)}
	return nil
}

func (x *ChromemIndex) Remove(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.entries[id]; !ok {
		return nil
	}
	if err := x.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("removing product %s from index: %w", id, err)
	}
	delete(x.entries, id)
	return nil
}

// Rebuild indexes every product; used once at startup. Products whose
// vector has the wrong length are skipped and logged.
func (x *ChromemIndex) Rebuild(ctx context.Context, products []store.Product) error {
	skipped := 0
	for _, p := range products {
		err := x.Upsert(ctx, p)
		if errors.Is(err, errs.ErrDimensionMismatch) {
			x.logger.Warn("skipping product with wrong embedding size", "product_id", p.ID, "err", err)
			skipped++
			continue
		}
		if err != nil {
			return err
		}
	}
	x.logger.Info("product index built", "documents", x.Count(), "skipped", skipped)
	return nil
}

func (x *ChromemIndex) Count() int {
	return x.collection.Count()
}

// MatchProducts queries the collection once per weighted signal and blends
// the float32 similarities to find candidates. Candidates near or above the
// threshold are rescored in float64 so results match the SQLite scan.
func (x *ChromemIndex) MatchProducts(ctx context.Context, q store.MatchQuery) ([]store.ProductScore, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	n := x.collection.Count()
	if n == 0 {
		return []store.ProductScore{}, nil
	}

	blended := map[string]float64{}
	signals := []struct {
		vec    []float32
		weight float64
	}{
		{q.UserEmbedding, q.UserWeight},
		{q.ThreadEmbedding, q.ThreadWeight},
	}
	for _, sig := range signals {
		if sig.weight == 0 || len(sig.vec) == 0 {
			continue
		}
		if len(sig.vec) != x.dims {
			return nil, errs.DimensionMismatch("match products", x.dims, len(sig.vec))
		}
		// a zero vector has similarity 0 with every product
		if utils.Magnitude(sig.vec) == 0 {
			continue
		}
		results, err := x.collection.QueryEmbedding(ctx, sig.vec, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("querying product index: %w", err)
		}
		for _, r := range results {
			blended[r.ID] += sig.weight * float64(r.Similarity)
		}
	}

	scores := make([]store.ProductScore, 0, len(x.entries))
	for id, e := range x.entries {
		if q.ExcludeIDs != nil && slices.Contains(q.ExcludeIDs, id) {
			continue
		}
		if blended[id] < q.Threshold-candidateSlack {
			continue
		}
		score, err := store.BlendedScore(q, e.embedding)
		if err != nil {
			return nil, fmt.Errorf("scoring product %s: %w", id, err)
		}
		scores = append(scores, store.ProductScore{ProductID: id, Seq: e.seq, Score: score})
	}

	return store.FilterAndCap(scores, q.Threshold, q.Limit), nil
}
