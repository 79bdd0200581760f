package core

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/store"
	"gwi.com/context-recommender/internal/utils"
)

// Weights are the relative importance of the user context and the thread
// summary in a blended score.
type Weights struct {
	User   float64 `json:"user"`
	Thread float64 `json:"thread"`
}

var DefaultWeights = Weights{User: 0.75, Thread: 0.25}

type OwnerInfo struct {
	ID          string `json:"id"`
	CompanyName string `json:"company_name"`
	Domain      string `json:"domain"`
}

type Recommendation struct {
	ProductID       string         `json:"product_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Categories      []string       `json:"categories"`
	SimilarityScore float64        `json:"similarity_score"`
	OwnerInfo       OwnerInfo      `json:"owner_info"`
	Metadata        map[string]any `json:"metadata"`
}

type RecommendationList struct {
	Recommendations    []Recommendation `json:"recommendations"`
	Total              int              `json:"total"`
	UserContextSummary string           `json:"user_context_summary,omitempty"`
	Weights            Weights          `json:"weights"`
}

type RankRequest struct {
	UserEmbedding []float32
	ThreadSummary string
	// Limit of 0 means the configured default.
	Limit int
	// Threshold nil means the configured default.
	Threshold *float64
	// Weights nil means the configured default.
	Weights *Weights
}

type RankerConfig struct {
	Weights          Weights
	DefaultLimit     int
	MaxLimit         int
	Threshold        float64
	SimilarThreshold float64
	SimilarLimit     int
}

// Ranker turns a user context embedding and a thread summary into ranked
// products.
type Ranker struct {
	vectorizer *Vectorizer
	matcher    ProductMatcher
	catalog    CatalogReader
	contexts   UserContextStore
	summaries  *ThreadSummarizer
	cfg        RankerConfig
	logger     *slog.Logger
}

func NewRanker(vectorizer *Vectorizer, matcher ProductMatcher, catalog CatalogReader, contexts UserContextStore, summaries *ThreadSummarizer, cfg RankerConfig, logger *slog.Logger) *Ranker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = max(50, cfg.DefaultLimit)
	}
	if cfg.SimilarLimit <= 0 {
		cfg.SimilarLimit = 5
	}
	return &Ranker{
		vectorizer: vectorizer,
		matcher:    matcher,
		catalog:    catalog,
		contexts:   contexts,
		summaries:  summaries,
		cfg:        cfg,
		logger:     logger,
	}
}

func (r *Ranker) resolveLimit(op string, limit, fallback int) (int, error) {
	switch {
	case limit == 0:
		return fallback, nil
	case limit < 0:
		return 0, errs.Validation(op, "limit must be positive")
	case limit > r.cfg.MaxLimit:
		return 0, errs.Validation(op, "limit must not exceed %d", r.cfg.MaxLimit)
	}
	return limit, nil
}

func resolveThreshold(op string, threshold *float64, fallback float64) (float64, error) {
	if threshold == nil {
		return fallback, nil
	}
	t := *threshold
	if math.IsNaN(t) || t < -1 || t > 1 {
		return 0, errs.Validation(op, "threshold must be between -1 and 1")
	}
	return t, nil
}

// Rank scores the catalog against the user context and the thread summary.
// An empty summary ranks by the user context alone and a missing user
// embedding ranks by the summary alone.
func (r *Ranker) Rank(ctx context.Context, req RankRequest) (*RecommendationList, error) {
	const op = "rank"
	limit, err := r.resolveLimit(op, req.Limit, r.cfg.DefaultLimit)
	if err != nil {
		return nil, err
	}
	threshold, err := resolveThreshold(op, req.Threshold, r.cfg.Threshold)
	if err != nil {
		return nil, err
	}
	weights := r.cfg.Weights
	if req.Weights != nil {
		weights = *req.Weights
	}
	if _, _, err := utils.NormalizeWeights(weights.User, weights.Thread); err != nil {
		return nil, err
	}

	hasThread := strings.TrimSpace(req.ThreadSummary) != ""
	hasUser := len(req.UserEmbedding) > 0
	if !hasUser && !hasThread {
		return nil, errs.Validation(op, "a user context embedding or a thread summary is required")
	}
	if hasUser {
		if err := r.vectorizer.CheckDimensions(op, req.UserEmbedding); err != nil {
			return nil, err
		}
	}

	var threadEmbedding []float32
	if hasThread {
		if threadEmbedding, err = r.vectorizer.Embed(ctx, req.ThreadSummary); err != nil {
			return nil, err
		}
	}

	switch {
	case !hasThread:
		weights = Weights{User: 1}
	case !hasUser:
		weights = Weights{Thread: 1}
	}
	return r.rankEmbeddings(ctx, req.UserEmbedding, threadEmbedding, weights, limit, threshold, nil)
}

// rankEmbeddings runs the catalog similarity query and hydrates the result.
func (r *Ranker) rankEmbeddings(ctx context.Context, user, thread []float32, w Weights, limit int, threshold float64, exclude []string) (*RecommendationList, error) {
	uw, tw, err := utils.NormalizeWeights(w.User, w.Thread)
	if err != nil {
		return nil, err
	}
	scores, err := r.matcher.MatchProducts(ctx, store.MatchQuery{
		UserEmbedding:   user,
		ThreadEmbedding: thread,
		UserWeight:      uw,
		ThreadWeight:    tw,
		Threshold:       threshold,
		Limit:           limit,
		ExcludeIDs:      exclude,
	})
	if err != nil {
		return nil, err
	}

	recs, err := r.hydrate(ctx, scores)
	if err != nil {
		return nil, err
	}
	return &RecommendationList{Recommendations: recs, Total: len(recs), Weights: Weights{User: uw, Thread: tw}}, nil
}

// hydrate attaches product fields and owner info to scores, keeping their
// order. Products deleted since scoring are dropped; a missing owner leaves
// OwnerInfo empty.
func (r *Ranker) hydrate(ctx context.Context, scores []store.ProductScore) ([]Recommendation, error) {
	recs := make([]Recommendation, 0, len(scores))
	if len(scores) == 0 {
		return recs, nil
	}

	ids := make([]string, len(scores))
	for i, s := range scores {
		ids[i] = s.ProductID
	}
	products, err := r.catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	ownerIDs := make([]string, 0, len(products))
	seen := make(map[string]bool, len(products))
	for _, p := range products {
		if !seen[p.OwnerID] {
			seen[p.OwnerID] = true
			ownerIDs = append(ownerIDs, p.OwnerID)
		}
	}
	owners, err := r.catalog.GetOwnersByIDs(ctx, ownerIDs)
	if err != nil {
		return nil, err
	}

	for _, s := range scores {
		p, ok := products[s.ProductID]
		if !ok {
			r.logger.Warn("ranked product no longer exists", "product_id", s.ProductID)
			continue
		}
		rec := Recommendation{
			ProductID:       p.ID,
			Title:           p.Title,
			Description:     p.Description,
			Categories:      p.Categories,
			SimilarityScore: s.Score,
			Metadata:        p.Metadata,
		}
		if o, ok := owners[p.OwnerID]; ok {
			rec.OwnerInfo = OwnerInfo{ID: o.ID, CompanyName: o.CompanyName, Domain: o.Domain}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// SearchByText ranks the catalog by similarity to query alone: the query
// embedding fills both signals with equal weight.
func (r *Ranker) SearchByText(ctx context.Context, query string, limit int, threshold *float64) (*RecommendationList, error) {
	const op = "search products"
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.Validation(op, "query is required")
	}
	limit, err := r.resolveLimit(op, limit, r.cfg.DefaultLimit)
	if err != nil {
		return nil, err
	}
	t, err := resolveThreshold(op, threshold, r.cfg.Threshold)
	if err != nil {
		return nil, err
	}

	embedding, err := r.vectorizer.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	list, err := r.rankEmbeddings(ctx, embedding, embedding, Weights{User: 0.5, Thread: 0.5}, limit, t, nil)
	if err != nil {
		return nil, err
	}
	list.UserContextSummary = "Search results for: " + query
	return list, nil
}

// SimilarProducts ranks the catalog by similarity to one product, leaving
// that product out.
func (r *Ranker) SimilarProducts(ctx context.Context, productID string, limit int, threshold *float64) (*RecommendationList, error) {
	const op = "similar products"
	if strings.TrimSpace(productID) == "" {
		return nil, errs.Validation(op, "product_id is required")
	}
	limit, err := r.resolveLimit(op, limit, r.cfg.SimilarLimit)
	if err != nil {
		return nil, err
	}
	t, err := resolveThreshold(op, threshold, r.cfg.SimilarThreshold)
	if err != nil {
		return nil, err
	}

	p, err := r.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if len(p.Embedding) == 0 {
		return &RecommendationList{Recommendations: []Recommendation{}, Weights: Weights{User: 1}}, nil
	}
	list, err := r.rankEmbeddings(ctx, p.Embedding, nil, Weights{User: 1}, limit, t, []string{p.ID})
	if err != nil {
		return nil, err
	}
	list.UserContextSummary = "Products similar to: " + p.Title
	return list, nil
}

// RecommendForUser ranks with the stored context of userID and the current
// summary of sessionID. Either may be absent; with neither the result is
// empty.
func (r *Ranker) RecommendForUser(ctx context.Context, userID, sessionID string, limit int, threshold *float64) (*RecommendationList, error) {
	const op = "recommend"
	if strings.TrimSpace(userID) == "" {
		return nil, errs.Validation(op, "user_id is required")
	}
	if _, err := r.resolveLimit(op, limit, r.cfg.DefaultLimit); err != nil {
		return nil, err
	}
	if _, err := resolveThreshold(op, threshold, r.cfg.Threshold); err != nil {
		return nil, err
	}

	uc, err := r.contexts.GetUserContext(ctx, userID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	var summary ThreadSummary
	if sessionID != "" && r.summaries != nil {
		if summary, err = r.summaries.Current(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	req := RankRequest{ThreadSummary: summary.Text, Limit: limit, Threshold: threshold}
	var narrative string
	if uc != nil {
		req.UserEmbedding = uc.Embedding
		narrative = uc.NarrativePrompt
	}
	if len(req.UserEmbedding) == 0 && strings.TrimSpace(req.ThreadSummary) == "" {
		return &RecommendationList{Recommendations: []Recommendation{}, Weights: r.cfg.Weights}, nil
	}

	list, err := r.Rank(ctx, req)
	if err != nil {
		return nil, err
	}
	list.UserContextSummary = narrative
	return list, nil
}
