package core

import (
	"context"
	"time"

	"gwi.com/context-recommender/internal/store"
)

// ThreadStore is the append-only per-session message log.
type ThreadStore interface {
	AppendMessage(ctx context.Context, msg *store.ChatMessage) error
	GetThreadHistory(ctx context.Context, sessionID string) ([]store.ChatMessage, error)
	GetRecentMessages(ctx context.Context, sessionID string, n int) ([]store.ChatMessage, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	GetThreadState(ctx context.Context, sessionID string, after int64) (store.ThreadState, error)
}

// ChatArchive adds the cross-session reads and retention sweep.
type ChatArchive interface {
	ThreadStore
	ListSessionsByUser(ctx context.Context, userID string) ([]store.SessionInfo, error)
	SessionParticipants(ctx context.Context, sessionID string) ([]string, int, error)
	SearchMessages(ctx context.Context, userID, query string, limit int) ([]store.ChatMessage, error)
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserContextStore holds one enhanced context row per user.
type UserContextStore interface {
	GetUserContext(ctx context.Context, userID string) (*store.UserContext, error)
	UpsertUserContext(ctx context.Context, uc *store.UserContext, expectedVersion int64) error
	DeleteUserContext(ctx context.Context, userID string) error
	ListUserContexts(ctx context.Context) ([]store.UserContext, error)
}

// ProductMatcher is the similarity query collaborator. Implementations
// score every candidate as a weighted blend of two cosine similarities.
type ProductMatcher interface {
	MatchProducts(ctx context.Context, q store.MatchQuery) ([]store.ProductScore, error)
}

type CatalogReader interface {
	GetProduct(ctx context.Context, id string) (*store.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]store.Product, error)
	GetOwnersByIDs(ctx context.Context, ids []string) (map[string]store.Owner, error)
}

type CatalogStore interface {
	CatalogReader
	CreateOwner(ctx context.Context, owner *store.Owner) error
	GetOwner(ctx context.Context, id string) (*store.Owner, error)
	UpdateOwner(ctx context.Context, owner *store.Owner) error
	DeleteOwner(ctx context.Context, id string) ([]string, error)
	ListOwners(ctx context.Context, limit, offset int) ([]store.Owner, error)
	MatchOwners(ctx context.Context, query []float32, threshold float64, limit int) ([]store.OwnerScore, error)
	CreateProduct(ctx context.Context, p *store.Product) error
	UpdateProduct(ctx context.Context, p *store.Product) error
	DeleteProduct(ctx context.Context, id string) error
	ListProducts(ctx context.Context, ownerID string, limit int) ([]store.Product, error)
}

// ProductIndex is kept in step with catalog writes when a vector index is
// in use.
type ProductIndex interface {
	Upsert(ctx context.Context, p store.Product) error
	Remove(ctx context.Context, id string) error
}
