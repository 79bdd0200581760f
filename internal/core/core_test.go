package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"gwi.com/context-recommender/internal/llm"
	"gwi.com/context-recommender/internal/llm/llmtest"
	"gwi.com/context-recommender/internal/store"
)

const testDims = 16

var testTopics = map[string]int{
	"crm": 0, "sales": 0, "contacts": 0, "pipeline": 0,
	"cooking": 1, "kitchen": 1, "recipes": 1, "chef": 1,
	"project": 2, "management": 2, "tasks": 2, "kanban": 2,
	"accounting": 3, "invoices": 3, "bookkeeping": 3,
}

type fixture struct {
	db         *store.SQLiteStore
	embedder   *llmtest.KeywordEmbedder
	gen        *llmtest.Generator
	vectorizer *Vectorizer
	summarizer *Summarizer
	cache      *SummaryCache
	summaries  *ThreadSummarizer
	aggregator *ContextAggregator
	ranker     *Ranker
	catalog    *CatalogService
	chat       *ChatService
}

// newFixture wires every service over an in-memory store, a keyword
// embedder and a generator that echoes its prompt.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:", 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:       db,
		embedder: llmtest.NewKeywordEmbedder(testDims, testTopics),
		gen:      &llmtest.Generator{Respond: llmtest.Echo},
	}
	f.vectorizer = NewVectorizer(f.embedder, testDims)
	f.summarizer, err = NewSummarizer(f.gen, nil)
	require.NoError(t, err)
	f.cache = NewSummaryCache(64)
	f.summaries = NewThreadSummarizer(db, f.summarizer, f.cache, ThreadSummarizerConfig{RecentWindow: 3}, nil)
	f.aggregator = NewContextAggregator(db, f.summaries, f.summarizer, f.vectorizer, AggregatorConfig{DeriveNarrative: true}, nil)
	f.ranker = NewRanker(f.vectorizer, db, db, db, f.summaries, RankerConfig{Weights: DefaultWeights, Threshold: 0.5}, nil)
	f.catalog = NewCatalogService(db, f.vectorizer, nil, 2, nil)
	f.chat = NewChatService(db, f.aggregator, f.ranker, f.summaries, f.summarizer, ChatConfig{RecentWindow: 3}, nil)
	return f
}

type seedProduct struct {
	owner       string
	title       string
	description string
	categories  []string
}

var testCatalog = []seedProduct{
	{"Acme", "Acme CRM", "Track contacts and the sales pipeline", []string{"crm", "sales"}},
	{"ChefCo", "Pro Kitchen Set", "Cooking equipment for chef grade recipes", []string{"cooking", "kitchen"}},
	{"Boardly", "Boardly", "Kanban project management for tasks", []string{"project", "management"}},
	{"Ledger", "Ledger Books", "Accounting and invoices for freelancers", []string{"accounting"}},
}

// seedCatalog creates testCatalog and returns product ids keyed by title.
func (f *fixture) seedCatalog(t *testing.T) map[string]string {
	t.Helper()
	ctx := context.Background()
	ids := map[string]string{}
	for _, sp := range testCatalog {
		owner := &store.Owner{CompanyName: sp.owner, Domain: sp.owner + ".example"}
		require.NoError(t, f.catalog.CreateOwner(ctx, owner))
		p, err := f.catalog.CreateProduct(ctx, ProductInput{
			OwnerID:     owner.ID,
			Title:       sp.title,
			Description: sp.description,
			Categories:  sp.categories,
		})
		require.NoError(t, err)
		ids[sp.title] = p.ID
	}
	return ids
}

func (f *fixture) appendMessages(t *testing.T, sessionID, userID string, contents ...string) {
	t.Helper()
	for _, c := range contents {
		msg := &store.ChatMessage{SessionID: sessionID, Role: store.RoleUser, Content: c}
		if userID != "" {
			msg.UserID = &userID
		}
		require.NoError(t, f.db.AppendMessage(context.Background(), msg))
	}
}

func float(v float64) *float64 { return &v }

// intentAware echoes prompts but answers structured requests with intent.
func intentAware(intent string) func(llm.Request) (string, error) {
	return func(req llm.Request) (string, error) {
		if req.JSONSchema != nil {
			return intent, nil
		}
		return llmtest.Echo(req)
	}
}
