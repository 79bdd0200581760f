package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gwi.com/context-recommender/internal/errs"
)

const userContextColumns = "user_id, metadata_json, narrative_prompt, embedding_json, version, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserContext(row rowScanner) (*UserContext, error) {
	var uc UserContext
	var metadataJSON string
	var embeddingJSON sql.NullString
	if err := row.Scan(&uc.UserID, &metadataJSON, &uc.NarrativePrompt, &embeddingJSON, &uc.Version, &uc.CreatedAt, &uc.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if uc.Metadata, err = decodeMetadata(metadataJSON); err != nil {
		return nil, err
	}
	if uc.Embedding, err = decodeEmbedding(embeddingJSON); err != nil {
		return nil, err
	}
	return &uc, nil
}

// GetUserContext returns the context of userID or a NotFound error.
func (s *SQLiteStore) GetUserContext(ctx context.Context, userID string) (*UserContext, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userContextColumns+" FROM user_contexts WHERE user_id = ?", userID)
	uc, err := scanUserContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("get user context", "user context", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user context: %w", err)
	}
	return uc, nil
}

// UpsertUserContext writes every field of uc in one statement. expectedVersion
// is the version the caller read; zero means the caller saw no row. A
// mismatch yields a StoreWriteConflict and leaves the row untouched. On
// success uc carries the new version and timestamps.
func (s *SQLiteStore) UpsertUserContext(ctx context.Context, uc *UserContext, expectedVersion int64) error {
	if uc.UserID == "" {
		return errs.Validation("upsert user context", "user_id is required")
	}
	if uc.Metadata == nil {
		uc.Metadata = map[string]any{}
	}
	metadataJSON, err := encodeJSON(uc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	embeddingJSON, err := encodeEmbedding(uc.Embedding)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
            INSERT INTO user_contexts (user_id, metadata_json, narrative_prompt, embedding_json, version, created_at, updated_at)
            VALUES (?, ?, ?, ?, 1, ?, ?)
            ON CONFLICT (user_id) DO NOTHING`,
			uc.UserID, metadataJSON, uc.NarrativePrompt, embeddingJSON, now, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
            UPDATE user_contexts
            SET metadata_json = ?, narrative_prompt = ?, embedding_json = ?, version = version + 1, updated_at = ?
            WHERE user_id = ? AND version = ?`,
			metadataJSON, uc.NarrativePrompt, embeddingJSON, now, uc.UserID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert user context: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to upsert user context: %w", err)
	}
	if affected == 0 {
		return errs.WriteConflict("upsert user context", uc.UserID)
	}

	if expectedVersion == 0 {
		uc.CreatedAt = now
	}
	uc.Version = expectedVersion + 1
	uc.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) DeleteUserContext(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM user_contexts WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("failed to delete user context: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.NotFound("delete user context", "user context", userID)
	}
	return nil
}

// ListUserContexts returns every context that has an embedding.
func (s *SQLiteStore) ListUserContexts(ctx context.Context) ([]UserContext, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userContextColumns+" FROM user_contexts WHERE embedding_json IS NOT NULL ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query user contexts: %w", err)
	}
	defer rows.Close()

	var contexts []UserContext
	for rows.Next() {
		uc, err := scanUserContext(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user context row: %w", err)
		}
		contexts = append(contexts, *uc)
	}
	return contexts, rows.Err()
}
