package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/utils"
)

const ownerColumns = "seq, id, company_name, domain, description, metadata_json, embedding_json, created_at, updated_at"

func scanOwner(row rowScanner) (*Owner, error) {
	var o Owner
	var metadataJSON string
	var embeddingJSON sql.NullString
	if err := row.Scan(&o.Seq, &o.ID, &o.CompanyName, &o.Domain, &o.Description, &metadataJSON, &embeddingJSON, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.Metadata, err = decodeMetadata(metadataJSON); err != nil {
		return nil, err
	}
	if o.Embedding, err = decodeEmbedding(embeddingJSON); err != nil {
		return nil, err
	}
	return &o, nil
}

func ownerPayload(o *Owner) (metadata string, embedding sql.NullString, err error) {
	if o.Metadata == nil {
		o.Metadata = map[string]any{}
	}
	if metadata, err = encodeJSON(o.Metadata); err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	embedding, err = encodeEmbedding(o.Embedding)
	return metadata, embedding, err
}

func (s *SQLiteStore) CreateOwner(ctx context.Context, owner *Owner) error {
	if strings.TrimSpace(owner.CompanyName) == "" {
		return errs.Validation("create owner", "company_name is required")
	}
	metadata, embedding, err := ownerPayload(owner)
	if err != nil {
		return err
	}
	if owner.ID == "" {
		owner.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	owner.CreatedAt, owner.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO owners (id, company_name, domain, description, metadata_json, embedding_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		owner.ID, owner.CompanyName, owner.Domain, owner.Description, metadata, embedding, now, now)
	if err != nil {
		return fmt.Errorf("failed to execute owner insert: %w", err)
	}
	owner.Seq, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetOwner(ctx context.Context, id string) (*Owner, error) {
	o, err := scanOwner(s.db.QueryRowContext(ctx, "SELECT "+ownerColumns+" FROM owners WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("get owner", "owner", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get owner: %w", err)
	}
	return o, nil
}

// GetOwnersByIDs returns the owners that exist among ids, keyed by id.
func (s *SQLiteStore) GetOwnersByIDs(ctx context.Context, ids []string) (map[string]Owner, error) {
	owners := make(map[string]Owner, len(ids))
	if len(ids) == 0 {
		return owners, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ownerColumns+" FROM owners WHERE id IN ("+placeholders(len(ids))+")", toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query owners: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOwner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan owner row: %w", err)
		}
		owners[o.ID] = *o
	}
	return owners, rows.Err()
}

// ListOwners returns owners newest first. limit <= 0 means no limit.
func (s *SQLiteStore) ListOwners(ctx context.Context, limit, offset int) ([]Owner, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ownerColumns+" FROM owners ORDER BY seq DESC LIMIT ? OFFSET ?", limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to query owners: %w", err)
	}
	defer rows.Close()

	owners := []Owner{}
	for rows.Next() {
		o, err := scanOwner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan owner row: %w", err)
		}
		owners = append(owners, *o)
	}
	return owners, rows.Err()
}

// UpdateOwner overwrites the mutable fields of an existing owner.
func (s *SQLiteStore) UpdateOwner(ctx context.Context, owner *Owner) error {
	metadata, embedding, err := ownerPayload(owner)
	if err != nil {
		return err
	}
	owner.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
        UPDATE owners
        SET company_name = ?, domain = ?, description = ?, metadata_json = ?, embedding_json = ?, updated_at = ?
        WHERE id = ?`,
		owner.CompanyName, owner.Domain, owner.Description, metadata, embedding, owner.UpdatedAt, owner.ID)
	if err != nil {
		return fmt.Errorf("failed to execute owner update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.NotFound("update owner", "owner", owner.ID)
	}
	return nil
}

// DeleteOwner removes an owner together with its products and returns the
// ids of the products that went with it.
func (s *SQLiteStore) DeleteOwner(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM products WHERE owner_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query owner products: %w", err)
	}
	productIDs := []string{}
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan product id: %w", err)
		}
		productIDs = append(productIDs, pid)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM owners WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete owner: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, errs.NotFound("delete owner", "owner", id)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM products WHERE owner_id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to delete owner products: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit owner delete: %w", err)
	}
	return productIDs, nil
}

// MatchOwners scores every owner with an embedding by cosine similarity to
// query, keeps scores >= threshold and returns the best limit, ties broken
// by insertion order.
func (s *SQLiteStore) MatchOwners(ctx context.Context, query []float32, threshold float64, limit int) ([]OwnerScore, error) {
	owners, err := s.ListOwners(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	matches := []OwnerScore{}
	for _, o := range owners {
		if len(o.Embedding) == 0 {
			continue
		}
		score, err := utils.CosineSimilarity(query, o.Embedding)
		if err != nil {
			return nil, fmt.Errorf("scoring owner %s: %w", o.ID, err)
		}
		if score >= threshold {
			matches = append(matches, OwnerScore{Owner: o, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Owner.Seq < matches[j].Owner.Seq
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
