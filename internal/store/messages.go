package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"gwi.com/context-recommender/internal/errs"
)

const messageColumns = "ordinal, id, session_id, user_id, role, content, created_at"

func scanMessages(rows *sql.Rows) ([]ChatMessage, error) {
	defer rows.Close()

	messages := []ChatMessage{}
	for rows.Next() {
		var msg ChatMessage
		var userID sql.NullString
		if err := rows.Scan(&msg.Ordinal, &msg.ID, &msg.SessionID, &userID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if userID.Valid {
			msg.UserID = &userID.String
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AppendMessage stores msg and fills in its ID, Ordinal and CreatedAt.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *ChatMessage) error {
	if strings.TrimSpace(msg.SessionID) == "" {
		return errs.Validation("append message", "session_id is required")
	}
	if !msg.Role.Valid() {
		return errs.Validation("append message", "invalid role %q", msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return errs.Validation("append message", "content cannot be empty")
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, session_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, msg.SessionID, msg.UserID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	msg.Ordinal, _ = res.LastInsertId()
	return nil
}

// GetThreadHistory returns every message of the session in ordinal order.
func (s *SQLiteStore) GetThreadHistory(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE session_id = ? ORDER BY ordinal ASC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return scanMessages(rows)
}

// GetRecentMessages returns the last n messages of the session, oldest first.
func (s *SQLiteStore) GetRecentMessages(ctx context.Context, sessionID string, n int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE session_id = ? ORDER BY ordinal DESC LIMIT ?", sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ThreadState describes a session's log as seen from a known ordinal.
type ThreadState struct {
	Count       int
	LastOrdinal int64
	// Newer counts the messages whose ordinal is above the one asked about.
	Newer int
}

// GetThreadState reports the size and head of a session plus how many
// messages were appended after the given ordinal.
func (s *SQLiteStore) GetThreadState(ctx context.Context, sessionID string, after int64) (ThreadState, error) {
	var st ThreadState
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*), COALESCE(MAX(ordinal), 0), COALESCE(SUM(CASE WHEN ordinal > ? THEN 1 ELSE 0 END), 0)
        FROM messages WHERE session_id = ?`, after, sessionID).Scan(&st.Count, &st.LastOrdinal, &st.Newer)
	if err != nil {
		return ThreadState{}, fmt.Errorf("failed to read thread state: %w", err)
	}
	return st, nil
}

// SessionParticipants returns the distinct user ids that wrote to a session
// and how many of its messages carry no user id.
func (s *SQLiteStore) SessionParticipants(ctx context.Context, sessionID string) ([]string, int, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT user_id, COUNT(*) FROM messages
        WHERE session_id = ?
        GROUP BY user_id
        ORDER BY user_id`, sessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query session participants: %w", err)
	}
	defer rows.Close()

	users := []string{}
	anonymous := 0
	for rows.Next() {
		var userID sql.NullString
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, 0, fmt.Errorf("failed to scan participant row: %w", err)
		}
		if userID.Valid {
			users = append(users, userID.String)
		} else {
			anonymous = n
		}
	}
	return users, anonymous, rows.Err()
}

// ListSessionsByUser returns the sessions a user has written to, most
// recently active first.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT session_id, COUNT(*), MAX(ordinal)
        FROM messages
        WHERE session_id IN (SELECT DISTINCT session_id FROM messages WHERE user_id = ?)
        GROUP BY session_id
        ORDER BY MAX(ordinal) DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	type sessionRow struct {
		info        SessionInfo
		lastOrdinal int64
	}
	var found []sessionRow
	for rows.Next() {
		var r sessionRow
		if err := rows.Scan(&r.info.SessionID, &r.info.MessageCount, &r.lastOrdinal); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		found = append(found, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	sessions := make([]SessionInfo, 0, len(found))
	for _, r := range found {
		if err := s.db.QueryRowContext(ctx, "SELECT created_at FROM messages WHERE ordinal = ?", r.lastOrdinal).Scan(&r.info.LastMessageAt); err != nil {
			return nil, fmt.Errorf("failed to read session activity: %w", err)
		}
		sessions = append(sessions, r.info)
	}
	return sessions, nil
}

// SearchMessages finds messages containing query, newest first. An empty
// userID searches every user.
func (s *SQLiteStore) SearchMessages(ctx context.Context, userID, query string, limit int) ([]ChatMessage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.Validation("search messages", "query cannot be empty")
	}
	pattern := "%" + escapeLike(query) + "%"

	q := "SELECT " + messageColumns + " FROM messages WHERE content LIKE ? ESCAPE '\\'"
	args := []any{pattern}
	if userID != "" {
		q += " AND user_id = ?"
		args = append(args, userID)
	}
	q += " ORDER BY ordinal DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return scanMessages(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DeleteMessagesBefore removes messages created before cutoff and returns how
// many were deleted.
func (s *SQLiteStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	return res.RowsAffected()
}
