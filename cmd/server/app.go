package main

import (
	"context"
	"fmt"
	"log/slog"

	"gwi.com/context-recommender/internal/api"
	"gwi.com/context-recommender/internal/config"
	"gwi.com/context-recommender/internal/core"
	"gwi.com/context-recommender/internal/llm"
	"gwi.com/context-recommender/internal/store"
	"gwi.com/context-recommender/internal/vectorindex"
)

// app holds the wired services for one process.
type app struct {
	store      *store.SQLiteStore
	catalog    *core.CatalogService
	aggregator *core.ContextAggregator
	ranker     *core.Ranker
	chat       *core.ChatService

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type providers struct {
	embedder  llm.Embedder
	generator llm.Generator
}

func buildProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*providers, func(), error) {
	closeFn := func() {}
	var gemini *llm.GeminiClient
	geminiClient := func() (*llm.GeminiClient, error) {
		if gemini != nil {
			return gemini, nil
		}
		c, err := llm.NewGeminiClient(ctx, cfg.Provider.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("creating gemini client: %w", err)
		}
		gemini = c
		closeFn = c.Close
		return c, nil
	}
	openaiClient := llm.NewOpenAIClient(cfg.Provider.OpenAIAPIKey, cfg.Provider.OpenAIBaseURL)

	p := &providers{}
	switch cfg.Embedding.Provider {
	case config.ProviderGemini:
		c, err := geminiClient()
		if err != nil {
			return nil, closeFn, err
		}
		p.embedder = c.Embedder(cfg.Embedding.Model, cfg.Embedding.Dimensions, cfg.Embedding.BatchSize)
	default:
		p.embedder = llm.NewOpenAIEmbedder(openaiClient, cfg.Embedding.Model, cfg.Embedding.Dimensions, cfg.Embedding.BatchSize)
	}
	switch cfg.Generation.Provider {
	case config.ProviderGemini:
		c, err := geminiClient()
		if err != nil {
			return nil, closeFn, err
		}
		p.generator = c.Generator(cfg.Generation.Model, cfg.Generation.Temperature, cfg.Generation.MaxTokens)
	default:
		p.generator = llm.NewOpenAIGenerator(openaiClient, cfg.Generation.Model, cfg.Generation.Temperature, cfg.Generation.MaxTokens)
	}

	policy := llm.CallPolicy{
		Timeout:           cfg.Provider.Timeout,
		RequestsPerMinute: cfg.Provider.RequestsPerMinute,
		MaxAttempts:       cfg.Provider.MaxAttempts,
		RetryDelay:        cfg.Provider.RetryDelay,
		Logger:            logger,
	}
	p.embedder = llm.GuardEmbedder(p.embedder, policy)
	p.generator = llm.GuardGenerator(p.generator, policy)

	logger.Info("providers ready", "embedder", p.embedder.Name(), "generator", p.generator.Name())
	return p, closeFn, nil
}

// newApp opens the store, builds the providers and wires every service.
// withIndex rebuilds the chromem index from the catalog when configured.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, withIndex bool) (*app, error) {
	a := &app{}

	db, err := store.NewSQLiteStore(cfg.Database.URL, cfg.Catalog.MaxCandidates, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	a.store = db
	a.closers = append(a.closers, func() { db.Close() })

	p, closeProviders, err := buildProviders(ctx, cfg, logger)
	a.closers = append(a.closers, closeProviders)
	if err != nil {
		a.Close()
		return nil, err
	}

	vectorizer := core.NewVectorizer(p.embedder, cfg.Embedding.Dimensions)
	summarizer, err := core.NewSummarizer(p.generator, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing summarizer: %w", err)
	}

	var matcher core.ProductMatcher = db
	var index core.ProductIndex
	if withIndex && cfg.Catalog.Index == config.IndexChromem {
		idx, err := vectorindex.NewChromemIndex(p.embedder, cfg.Embedding.Dimensions, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		products, err := db.ListProducts(ctx, "", 0)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("loading catalog for index: %w", err)
		}
		if err := idx.Rebuild(ctx, products); err != nil {
			a.Close()
			return nil, fmt.Errorf("building product index: %w", err)
		}
		matcher, index = idx, idx
	}

	summaries := core.NewThreadSummarizer(db, summarizer, core.NewSummaryCache(cfg.Pipeline.SummaryCacheSize), core.ThreadSummarizerConfig{
		RecentWindow: cfg.Pipeline.RecentWindow,
		Degrade:      cfg.Pipeline.DegradedSummary,
	}, logger)

	a.aggregator = core.NewContextAggregator(db, summaries, summarizer, vectorizer, core.AggregatorConfig{
		DeriveNarrative: cfg.Pipeline.DeriveNarrative,
	}, logger)

	a.ranker = core.NewRanker(vectorizer, matcher, db, db, summaries, core.RankerConfig{
		Weights:          core.Weights{User: cfg.Ranking.UserWeight, Thread: cfg.Ranking.ThreadWeight},
		DefaultLimit:     cfg.Ranking.DefaultLimit,
		MaxLimit:         cfg.Ranking.MaxLimit,
		Threshold:        cfg.Ranking.Threshold,
		SimilarThreshold: cfg.Ranking.SimilarThreshold,
		SimilarLimit:     cfg.Ranking.SimilarLimit,
	}, logger)

	a.catalog = core.NewCatalogService(db, vectorizer, index, cfg.Embedding.BatchSize, logger)

	a.chat = core.NewChatService(db, a.aggregator, a.ranker, summaries, summarizer, core.ChatConfig{
		RecentWindow:  cfg.Pipeline.RecentWindow,
		RetentionDays: cfg.Pipeline.RetentionDays,
	}, logger)

	return a, nil
}

func (a *app) handler(cfg *config.Config, logger *slog.Logger) *api.APIHandler {
	secret := ""
	if cfg.Auth.Enabled {
		secret = cfg.Auth.JWTSecret
	}
	return api.NewAPIHandler(api.Services{
		Chat:       a.chat,
		Aggregator: a.aggregator,
		Ranker:     a.ranker,
		Catalog:    a.catalog,
	}, secret, cfg.Auth.AdminSubjects, logger)
}
