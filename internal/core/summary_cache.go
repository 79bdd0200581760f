package core

import (
	"context"
	"log/slog"
	"sync"

	"github.com/golang/groupcache/lru"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/store"
)

type cachedSummary struct {
	count int
	// last is the ordinal of the newest message the summary covers.
	last int64
	text string
}

// SummaryCache remembers the last summary of each session together with the
// messages it covered.
type SummaryCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewSummaryCache returns nil when size is not positive; a nil cache misses.
func NewSummaryCache(size int) *SummaryCache {
	if size <= 0 {
		return nil
	}
	return &SummaryCache{cache: lru.New(size)}
}

func (c *SummaryCache) get(sessionID string) (cachedSummary, bool) {
	if c == nil {
		return cachedSummary{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(sessionID)
	if !ok {
		return cachedSummary{}, false
	}
	return v.(cachedSummary), true
}

func (c *SummaryCache) put(sessionID string, entry cachedSummary) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// A slower refresh must not replace a summary of a newer log head.
	if v, ok := c.cache.Get(sessionID); ok && v.(cachedSummary).last > entry.last {
		return
	}
	c.cache.Add(sessionID, entry)
}

func (c *SummaryCache) Forget(sessionID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(sessionID)
}

type ThreadSummary struct {
	Text         string
	MessageCount int
	// Degraded is set when Text is the raw transcript.
	Degraded bool
}

// ThreadSummarizer produces the current summary of a session, reusing and
// folding cached summaries where it can.
type ThreadSummarizer struct {
	threads      ThreadStore
	summarizer   *Summarizer
	cache        *SummaryCache
	recentWindow int
	degrade      bool
	logger       *slog.Logger
}

type ThreadSummarizerConfig struct {
	RecentWindow int
	// Degrade returns the raw transcript instead of failing.
	Degrade bool
}

func NewThreadSummarizer(threads ThreadStore, summarizer *Summarizer, cache *SummaryCache, cfg ThreadSummarizerConfig, logger *slog.Logger) *ThreadSummarizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 10
	}
	return &ThreadSummarizer{
		threads:      threads,
		summarizer:   summarizer,
		cache:        cache,
		recentWindow: cfg.RecentWindow,
		degrade:      cfg.Degrade,
		logger:       logger,
	}
}

// Current returns the summary of every message currently in sessionID. An
// empty session yields an empty summary.
func (t *ThreadSummarizer) Current(ctx context.Context, sessionID string) (ThreadSummary, error) {
	if sessionID == "" {
		return ThreadSummary{}, errs.Validation("summarize thread", "session_id is required")
	}
	cached, ok := t.cache.get(sessionID)
	st, err := t.threads.GetThreadState(ctx, sessionID, cached.last)
	if err != nil {
		return ThreadSummary{}, err
	}
	if st.Count == 0 {
		return ThreadSummary{}, nil
	}
	if ok && cached.last == st.LastOrdinal && cached.count == st.Count {
		return ThreadSummary{Text: cached.text, MessageCount: st.Count}, nil
	}

	// The cached summary can be folded forward only when every message it
	// covered is still there and the rest were appended after it. A retention
	// sweep breaks that and forces a fresh summary.
	appendOnly := ok && st.LastOrdinal > cached.last && st.Count == cached.count+st.Newer

	var (
		messages []store.ChatMessage
		previous string
	)
	switch {
	case appendOnly && st.Newer <= t.recentWindow:
		messages, err = t.threads.GetRecentMessages(ctx, sessionID, t.recentWindow)
		previous = cached.text
	case appendOnly:
		messages, err = t.threads.GetThreadHistory(ctx, sessionID)
		previous = cached.text
	default:
		messages, err = t.threads.GetThreadHistory(ctx, sessionID)
	}
	if err != nil {
		return ThreadSummary{}, err
	}

	text, err := t.summarizer.Summarize(ctx, messages, previous)
	if err != nil {
		if !t.degrade {
			return ThreadSummary{}, err
		}
		t.logger.Warn("summarization failed, using transcript", "session_id", sessionID, "err", err)
		return ThreadSummary{Text: t.summarizer.DegradedSummary(messages), MessageCount: st.Count, Degraded: true}, nil
	}

	t.cache.put(sessionID, cachedSummary{count: st.Count, last: st.LastOrdinal, text: text})
	return ThreadSummary{Text: text, MessageCount: st.Count}, nil
}
