package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/store"
)

// ContextAggregator keeps each user's context embedding in step with their
// conversations. Writes for one user are serialized and version checked.
type ContextAggregator struct {
	contexts        UserContextStore
	summaries       *ThreadSummarizer
	summarizer      *Summarizer
	vectorizer      *Vectorizer
	deriveNarrative bool
	locks           *keyedMutex
	logger          *slog.Logger
}

type AggregatorConfig struct {
	// DeriveNarrative rewrites the stored narrative from each thread summary.
	// When false the summary itself becomes the narrative.
	DeriveNarrative bool
}

func NewContextAggregator(contexts UserContextStore, summaries *ThreadSummarizer, summarizer *Summarizer, vectorizer *Vectorizer, cfg AggregatorConfig, logger *slog.Logger) *ContextAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextAggregator{
		contexts:        contexts,
		summaries:       summaries,
		summarizer:      summarizer,
		vectorizer:      vectorizer,
		deriveNarrative: cfg.DeriveNarrative,
		locks:           newKeyedMutex(),
		logger:          logger,
	}
}

type RefreshRequest struct {
	UserID            string
	SessionID         string
	MetadataOverrides map[string]any
}

type RefreshResult struct {
	Context *store.UserContext
	Summary ThreadSummary
	Created bool
}

// Refresh folds the session's latest summary into the user's context and
// re-embeds it. On any error the stored context is left as it was.
func (a *ContextAggregator) Refresh(ctx context.Context, req RefreshRequest) (*RefreshResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, errs.Validation("refresh context", "user_id is required")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, errs.Validation("refresh context", "session_id is required")
	}

	unlock := a.locks.Lock(req.UserID)
	defer unlock()

	res, err := a.refresh(ctx, req)
	if errors.Is(err, errs.ErrWriteConflict) {
		a.logger.Info("context changed during refresh, retrying", "user_id", req.UserID)
		res, err = a.refresh(ctx, req)
	}
	return res, err
}

func (a *ContextAggregator) refresh(ctx context.Context, req RefreshRequest) (*RefreshResult, error) {
	var (
		summary  ThreadSummary
		existing *store.UserContext
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		summary, err = a.summaries.Current(gctx, req.SessionID)
		return err
	})
	g.Go(func() error {
		var err error
		existing, err = a.loadContext(gctx, req.UserID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if summary.Text == "" {
		return nil, errs.Validation("refresh context", "session %q has no messages", req.SessionID)
	}

	next := &store.UserContext{UserID: req.UserID, Metadata: map[string]any{}}
	var expected int64
	var currentNarrative string
	if existing != nil {
		maps.Copy(next.Metadata, existing.Metadata)
		expected = existing.Version
		currentNarrative = existing.NarrativePrompt
	}
	maps.Copy(next.Metadata, req.MetadataOverrides)

	next.NarrativePrompt = summary.Text
	if a.deriveNarrative {
		narrative, err := a.summarizer.ContextNarrative(ctx, currentNarrative, summary.Text)
		if err != nil {
			return nil, err
		}
		next.NarrativePrompt = narrative
	}

	embedding, err := a.vectorizer.Embed(ctx, SerializeContext(next.Metadata, next.NarrativePrompt))
	if err != nil {
		return nil, err
	}
	next.Embedding = embedding

	if err := a.contexts.UpsertUserContext(ctx, next, expected); err != nil {
		return nil, err
	}
	if existing != nil {
		next.CreatedAt = existing.CreatedAt
	}

	a.logger.Debug("user context refreshed", "user_id", req.UserID, "session_id", req.SessionID, "version", next.Version, "messages", summary.MessageCount)
	return &RefreshResult{Context: next, Summary: summary, Created: existing == nil}, nil
}

// loadContext maps NotFound to a nil context.
func (a *ContextAggregator) loadContext(ctx context.Context, userID string) (*store.UserContext, error) {
	uc, err := a.contexts.GetUserContext(ctx, userID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	return uc, err
}

// Onboard creates the user's context, or replaces its metadata and narrative
// when one already exists.
func (a *ContextAggregator) Onboard(ctx context.Context, userID string, metadata map[string]any, narrative string) (*store.UserContext, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errs.Validation("onboard user", "user_id is required")
	}
	if len(metadata) == 0 && strings.TrimSpace(narrative) == "" {
		return nil, errs.Validation("onboard user", "metadata or narrative_prompt is required")
	}

	unlock := a.locks.Lock(userID)
	defer unlock()

	write := func() (*store.UserContext, error) {
		existing, err := a.loadContext(ctx, userID)
		if err != nil {
			return nil, err
		}
		next := &store.UserContext{UserID: userID, Metadata: maps.Clone(metadata), NarrativePrompt: narrative}
		if next.Metadata == nil {
			next.Metadata = map[string]any{}
		}
		var expected int64
		if existing != nil {
			expected = existing.Version
			next.CreatedAt = existing.CreatedAt
		}
		if next.Embedding, err = a.vectorizer.Embed(ctx, SerializeContext(next.Metadata, next.NarrativePrompt)); err != nil {
			return nil, err
		}
		if err := a.contexts.UpsertUserContext(ctx, next, expected); err != nil {
			return nil, err
		}
		return next, nil
	}

	uc, err := write()
	if errors.Is(err, errs.ErrWriteConflict) {
		uc, err = write()
	}
	return uc, err
}

// ContextPatch changes selected parts of a context. Nil fields are kept.
type ContextPatch struct {
	Metadata        map[string]any
	NarrativePrompt *string
}

// UpdateContext applies patch and re-embeds only when the serialized context
// changes.
func (a *ContextAggregator) UpdateContext(ctx context.Context, userID string, patch ContextPatch) (*store.UserContext, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errs.Validation("update context", "user_id is required")
	}

	unlock := a.locks.Lock(userID)
	defer unlock()

	existing, err := a.contexts.GetUserContext(ctx, userID)
	if err != nil {
		return nil, err
	}

	next := *existing
	if patch.Metadata != nil {
		next.Metadata = maps.Clone(patch.Metadata)
	}
	if patch.NarrativePrompt != nil {
		next.NarrativePrompt = *patch.NarrativePrompt
	}

	text := SerializeContext(next.Metadata, next.NarrativePrompt)
	if text == SerializeContext(existing.Metadata, existing.NarrativePrompt) && len(existing.Embedding) > 0 {
		return existing, nil
	}
	if next.Embedding, err = a.vectorizer.Embed(ctx, text); err != nil {
		return nil, err
	}
	if err := a.contexts.UpsertUserContext(ctx, &next, existing.Version); err != nil {
		return nil, err
	}
	return &next, nil
}

func (a *ContextAggregator) GetContext(ctx context.Context, userID string) (*store.UserContext, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errs.Validation("get context", "user_id is required")
	}
	return a.contexts.GetUserContext(ctx, userID)
}

// Delete erases the user's context.
func (a *ContextAggregator) Delete(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errs.Validation("delete context", "user_id is required")
	}
	unlock := a.locks.Lock(userID)
	defer unlock()
	return a.contexts.DeleteUserContext(ctx, userID)
}

type SimilarContext struct {
	UserID          string         `json:"user_id"`
	Metadata        map[string]any `json:"metadata"`
	NarrativePrompt string         `json:"narrative_prompt"`
	Similarity      float64        `json:"similarity"`
}

// SimilarContexts ranks other users by cosine similarity of their context
// embeddings to userID's.
func (a *ContextAggregator) SimilarContexts(ctx context.Context, userID string, limit int, threshold float64) ([]SimilarContext, error) {
	if limit <= 0 {
		return nil, errs.Validation("similar contexts", "limit must be positive")
	}
	target, err := a.GetContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(target.Embedding) == 0 {
		return []SimilarContext{}, nil
	}

	all, err := a.contexts.ListUserContexts(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]SimilarContext, 0, len(all))
	for _, uc := range all {
		if uc.UserID == userID {
			continue
		}
		sim, err := a.vectorizer.CosineSimilarity(target.Embedding, uc.Embedding)
		if err != nil {
			return nil, err
		}
		if sim >= threshold {
			out = append(out, SimilarContext{UserID: uc.UserID, Metadata: uc.Metadata, NarrativePrompt: uc.NarrativePrompt, Similarity: sim})
		}
	}
	slices.SortStableFunc(out, func(x, y SimilarContext) int {
		switch {
		case x.Similarity > y.Similarity:
			return -1
		case x.Similarity < y.Similarity:
			return 1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SerializeContext renders metadata and narrative as the text that gets
// embedded. Keys are sorted so equal inputs produce equal text.
func SerializeContext(metadata map[string]any, narrative string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(metadata)) {
		v, err := json.Marshal(metadata[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%q", fmt.Sprint(metadata[k])))
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	if narrative != "" {
		fmt.Fprintf(&b, "narrative: %s", narrative)
	}
	return strings.TrimRight(b.String(), "\n")
}
