package core

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/store"
)

const fallbackReply = "I'm sorry, I encountered an error while processing your request."

type ChatService struct {
	archive       ChatArchive
	aggregator    *ContextAggregator
	ranker        *Ranker
	summaries     *ThreadSummarizer
	summarizer    *Summarizer
	recentWindow  int
	retentionDays int
	logger        *slog.Logger
}

type ChatConfig struct {
	RecentWindow  int
	RetentionDays int
}

func NewChatService(archive ChatArchive, aggregator *ContextAggregator, ranker *Ranker, summaries *ThreadSummarizer, summarizer *Summarizer, cfg ChatConfig, logger *slog.Logger) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 10
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 90
	}
	return &ChatService{
		archive:       archive,
		aggregator:    aggregator,
		ranker:        ranker,
		summaries:     summaries,
		summarizer:    summarizer,
		recentWindow:  cfg.RecentWindow,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
	}
}

type MessageInput struct {
	SessionID         string         `json:"session_id"`
	UserID            string         `json:"user_id,omitempty"`
	Role              store.Role     `json:"role,omitempty"`
	Content           string         `json:"content"`
	MetadataOverrides map[string]any `json:"metadata,omitempty"`
}

// ContextError describes why a user's context was not updated.
type ContextError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ProcessResult struct {
	Message            store.ChatMessage `json:"message"`
	UserContextUpdated bool              `json:"user_context_updated"`
	ContextError       *ContextError     `json:"context_error,omitempty"`
}

// ProcessMessage stores the message and then refreshes the sender's context.
// Once the message is stored the call succeeds; a failed refresh is reported
// in the result.
func (s *ChatService) ProcessMessage(ctx context.Context, in MessageInput) (*ProcessResult, error) {
	const op = "process message"
	if strings.TrimSpace(in.SessionID) == "" {
		return nil, errs.Validation(op, "session_id is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, errs.Validation(op, "content is required")
	}
	if in.Role == "" {
		in.Role = store.RoleUser
	}

	msg := store.ChatMessage{SessionID: in.SessionID, Role: in.Role, Content: in.Content}
	if in.UserID != "" {
		msg.UserID = &in.UserID
	}
	if err := s.archive.AppendMessage(ctx, &msg); err != nil {
		return nil, err
	}

	res := &ProcessResult{Message: msg}
	if in.UserID == "" || s.aggregator == nil {
		return res, nil
	}

	_, err := s.aggregator.Refresh(ctx, RefreshRequest{
		UserID:            in.UserID,
		SessionID:         in.SessionID,
		MetadataOverrides: in.MetadataOverrides,
	})
	if err != nil {
		s.logger.Warn("user context not updated", "user_id", in.UserID, "session_id", in.SessionID, "err", err)
		kind := errs.KindOf(err)
		res.ContextError = &ContextError{Kind: kind.String(), Message: errs.PublicMessage(err), Retryable: kind.Retryable()}
		return res, nil
	}
	res.UserContextUpdated = true
	return res, nil
}

type RespondResult struct {
	ProcessResult
	Reply           store.ChatMessage   `json:"reply"`
	Recommendations *RecommendationList `json:"recommendations"`
	PurchaseIntent  PurchaseIntent      `json:"purchase_intent"`
}

// Respond processes the message, ranks products for the conversation and
// stores a generated reply. Failures after the message is stored degrade the
// reply instead of failing the call.
func (s *ChatService) Respond(ctx context.Context, in MessageInput) (*RespondResult, error) {
	processed, err := s.ProcessMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	res := &RespondResult{
		ProcessResult:   *processed,
		Recommendations: &RecommendationList{Recommendations: []Recommendation{}},
		PurchaseIntent:  unknownIntent,
	}

	summary, err := s.summaries.Current(ctx, in.SessionID)
	if err != nil {
		s.logger.Warn("thread summary unavailable", "session_id", in.SessionID, "err", err)
	}

	if recs, err := s.recommend(ctx, in, summary.Text); err != nil {
		s.logger.Warn("recommendations unavailable", "session_id", in.SessionID, "err", err)
	} else {
		res.Recommendations = recs
	}

	recent, err := s.archive.GetRecentMessages(ctx, in.SessionID, s.recentWindow)
	if err != nil {
		s.logger.Warn("failed to read recent messages", "session_id", in.SessionID, "err", err)
	}
	res.PurchaseIntent = s.summarizer.ClassifyPurchaseIntent(ctx, summary.Text, recent)

	replyInput := ReplyInput{
		UserMessage:     in.Content,
		ThreadSummary:   summary.Text,
		Recommendations: res.Recommendations.Recommendations,
	}
	if in.UserID != "" && s.aggregator != nil {
		if uc, err := s.aggregator.GetContext(ctx, in.UserID); err == nil {
			replyInput.UserNarrative = uc.NarrativePrompt
		}
	}
	content, err := s.summarizer.GenerateReply(ctx, replyInput)
	if err != nil || content == "" {
		s.logger.Error("failed to generate reply", "session_id", in.SessionID, "err", err)
		content = fallbackReply
	}

	reply := store.ChatMessage{SessionID: in.SessionID, Role: store.RoleAssistant, Content: content}
	if in.UserID != "" {
		reply.UserID = &in.UserID
	}
	if err := s.archive.AppendMessage(ctx, &reply); err != nil {
		return nil, err
	}
	res.Reply = reply
	return res, nil
}

func (s *ChatService) recommend(ctx context.Context, in MessageInput, summary string) (*RecommendationList, error) {
	if in.UserID != "" {
		return s.ranker.RecommendForUser(ctx, in.UserID, in.SessionID, 0, nil)
	}
	if summary == "" {
		return &RecommendationList{Recommendations: []Recommendation{}}, nil
	}
	return s.ranker.Rank(ctx, RankRequest{ThreadSummary: summary})
}

func (s *ChatService) History(ctx context.Context, sessionID string) ([]store.ChatMessage, error) {
	if sessionID == "" {
		return nil, errs.Validation("chat history", "session_id is required")
	}
	return s.archive.GetThreadHistory(ctx, sessionID)
}

func (s *ChatService) Recent(ctx context.Context, sessionID string, n int) ([]store.ChatMessage, error) {
	if sessionID == "" {
		return nil, errs.Validation("recent messages", "session_id is required")
	}
	if n <= 0 {
		n = s.recentWindow
	}
	return s.archive.GetRecentMessages(ctx, sessionID, n)
}

func (s *ChatService) Count(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, errs.Validation("count messages", "session_id is required")
	}
	return s.archive.CountMessages(ctx, sessionID)
}

// SessionReadableBy reports whether userID may read a session: every
// attributed message in it is theirs and they wrote at least one. Empty
// sessions are readable since they disclose nothing.
func (s *ChatService) SessionReadableBy(ctx context.Context, sessionID, userID string) (bool, error) {
	if sessionID == "" {
		return false, errs.Validation("session access", "session_id is required")
	}
	users, anonymous, err := s.archive.SessionParticipants(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if len(users) == 0 {
		return anonymous == 0, nil
	}
	return len(users) == 1 && users[0] == userID, nil
}

func (s *ChatService) Sessions(ctx context.Context, userID string) ([]store.SessionInfo, error) {
	if userID == "" {
		return nil, errs.Validation("list sessions", "user_id is required")
	}
	return s.archive.ListSessionsByUser(ctx, userID)
}

func (s *ChatService) Search(ctx context.Context, userID, query string, limit int) ([]store.ChatMessage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.Validation("search messages", "query is required")
	}
	if limit <= 0 {
		limit = 20
	}
	return s.archive.SearchMessages(ctx, userID, query, limit)
}

type TopicCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

type ConversationPatterns struct {
	SessionCount         int          `json:"session_count"`
	MessageCount         int          `json:"message_count"`
	UserMessageCount     int          `json:"user_message_count"`
	AverageMessageLength float64      `json:"average_message_length"`
	TopTopics            []TopicCount `json:"top_topics"`
}

var stopWords = map[string]bool{
	"about": true, "after": true, "also": true, "been": true, "could": true, "does": true,
	"from": true, "have": true, "just": true, "like": true, "more": true, "need": true,
	"other": true, "some": true, "than": true, "that": true, "their": true, "them": true,
	"there": true, "these": true, "they": true, "this": true, "want": true, "what": true,
	"when": true, "which": true, "will": true, "with": true, "would": true, "your": true,
}

// AnalyzePatterns summarizes a user's messages across all sessions.
func (s *ChatService) AnalyzePatterns(ctx context.Context, userID string, topN int) (*ConversationPatterns, error) {
	sessions, err := s.Sessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if topN <= 0 {
		topN = 10
	}

	p := &ConversationPatterns{SessionCount: len(sessions), TopTopics: []TopicCount{}}
	words := map[string]int{}
	var totalLen int
	for _, sess := range sessions {
		msgs, err := s.archive.GetThreadHistory(ctx, sess.SessionID)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			p.MessageCount++
			if m.Role != store.RoleUser {
				continue
			}
			p.UserMessageCount++
			totalLen += len(m.Content)
			for _, w := range strings.FieldsFunc(strings.ToLower(m.Content), func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsDigit(r)
			}) {
				if len(w) > 3 && !stopWords[w] {
					words[w]++
				}
			}
		}
	}
	if p.UserMessageCount > 0 {
		p.AverageMessageLength = float64(totalLen) / float64(p.UserMessageCount)
	}

	for w, n := range words {
		p.TopTopics = append(p.TopTopics, TopicCount{Word: w, Count: n})
	}
	slices.SortFunc(p.TopTopics, func(a, b TopicCount) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(a.Word, b.Word)
	})
	if len(p.TopTopics) > topN {
		p.TopTopics = p.TopTopics[:topN]
	}
	return p, nil
}

// Cleanup deletes messages older than days; days <= 0 uses the configured
// retention.
func (s *ChatService) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = s.retentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	n, err := s.archive.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Info("old messages deleted", "days", days, "deleted", n)
	return n, nil
}
