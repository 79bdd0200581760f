package store

import (
	"sort"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// ChatMessage is immutable once appended. Ordinal is the only ordering
// guarantee inside a session.
type ChatMessage struct {
	ID        string    `json:"id"`
	Ordinal   int64     `json:"ordinal"`
	SessionID string    `json:"session_id"`
	UserID    *string   `json:"user_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// UserContext is the enhanced context profile of one user. Version is bumped
// on every write and checked by UpsertUserContext.
type UserContext struct {
	UserID          string         `json:"user_id"`
	Metadata        map[string]any `json:"metadata"`
	NarrativePrompt string         `json:"narrative_prompt"`
	Embedding       []float32      `json:"-"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Owner is the company behind catalog products. Its embedding is built from
// its metadata and company description.
type Owner struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"-"`
	CompanyName string         `json:"company_name"`
	Domain      string         `json:"domain"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	Embedding   []float32      `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type OwnerScore struct {
	Owner Owner
	Score float64
}

// Product is a catalog entry. Seq is the insertion order and breaks score
// ties in ranking.
type Product struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"-"`
	OwnerID     string         `json:"owner_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Categories  []string       `json:"categories"`
	Metadata    map[string]any `json:"metadata"`
	Embedding   []float32      `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// MatchQuery asks for products scored as
// UserWeight*cos(user, p) + ThreadWeight*cos(thread, p).
// Weights are expected to be normalized already. A nil embedding contributes
// nothing.
type MatchQuery struct {
	UserEmbedding   []float32
	ThreadEmbedding []float32
	UserWeight      float64
	ThreadWeight    float64
	Threshold       float64
	Limit           int
	ExcludeIDs      []string
}

func (q MatchQuery) excluded(id string) bool {
	for _, ex := range q.ExcludeIDs {
		if ex == id {
			return true
		}
	}
	return false
}

type ProductScore struct {
	ProductID string
	Seq       int64
	Score     float64
}

// SortByScore orders scores descending, breaking ties by insertion order.
func SortByScore(scores []ProductScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Seq < scores[j].Seq
	})
}

// FilterAndCap keeps scores >= threshold, sorts them and caps at limit.
func FilterAndCap(scores []ProductScore, threshold float64, limit int) []ProductScore {
	kept := make([]ProductScore, 0, len(scores))
	for _, s := range scores {
		if s.Score >= threshold {
			kept = append(kept, s)
		}
	}
	SortByScore(kept)
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}
