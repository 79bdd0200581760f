package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/utils"
)

// Product methods
const productColumns = "seq, id, owner_id, title, description, categories_json, metadata_json, embedding_json, created_at, updated_at"

func scanProduct(row rowScanner) (*Product, error) {
	var p Product
	var categoriesJSON, metadataJSON string
	var embeddingJSON sql.NullString
	if err := row.Scan(&p.Seq, &p.ID, &p.OwnerID, &p.Title, &p.Description, &categoriesJSON, &metadataJSON, &embeddingJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(categoriesJSON), &p.Categories); err != nil {
		return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
	}
	var err error
	if p.Metadata, err = decodeMetadata(metadataJSON); err != nil {
		return nil, err
	}
	if p.Embedding, err = decodeEmbedding(embeddingJSON); err != nil {
		return nil, err
	}
	return &p, nil
}

func productPayload(p *Product) (categories, metadata string, embedding sql.NullString, err error) {
	if p.Categories == nil {
		p.Categories = []string{}
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	if categories, err = encodeJSON(p.Categories); err != nil {
		return "", "", sql.NullString{}, fmt.Errorf("failed to marshal categories: %w", err)
	}
	if metadata, err = encodeJSON(p.Metadata); err != nil {
		return "", "", sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	embedding, err = encodeEmbedding(p.Embedding)
	return categories, metadata, embedding, err
}

func (s *SQLiteStore) CreateProduct(ctx context.Context, p *Product) error {
	if strings.TrimSpace(p.Title) == "" {
		return errs.Validation("create product", "title is required")
	}
	if p.OwnerID == "" {
		return errs.Validation("create product", "owner_id is required")
	}
	categories, metadata, embedding, err := productPayload(p)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO products (id, owner_id, title, description, categories_json, metadata_json, embedding_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Title, p.Description, categories, metadata, embedding, now, now)
	if err != nil {
		return fmt.Errorf("failed to execute product insert: %w", err)
	}
	p.Seq, _ = res.LastInsertId()
	return nil
}

// UpdateProduct overwrites the mutable fields of an existing product.
func (s *SQLiteStore) UpdateProduct(ctx context.Context, p *Product) error {
	categories, metadata, embedding, err := productPayload(p)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
        UPDATE products
        SET owner_id = ?, title = ?, description = ?, categories_json = ?, metadata_json = ?, embedding_json = ?, updated_at = ?
        WHERE id = ?`,
		p.OwnerID, p.Title, p.Description, categories, metadata, embedding, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to execute product update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.NotFound("update product", "product", p.ID)
	}
	return nil
}

func (s *SQLiteStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, "SELECT "+productColumns+" FROM products WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("get product", "product", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// GetProductsByIDs returns the products that exist among ids, keyed by id.
func (s *SQLiteStore) GetProductsByIDs(ctx context.Context, ids []string) (map[string]Product, error) {
	products := make(map[string]Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+productColumns+" FROM products WHERE id IN ("+placeholders(len(ids))+")", toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		products[p.ID] = *p
	}
	return products, rows.Err()
}

func (s *SQLiteStore) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM products WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errs.NotFound("delete product", "product", id)
	}
	return nil
}

// ListProducts returns products in insertion order. An empty ownerID lists
// the whole catalog; limit <= 0 means no limit.
func (s *SQLiteStore) ListProducts(ctx context.Context, ownerID string, limit int) ([]Product, error) {
	q := "SELECT " + productColumns + " FROM products"
	var args []any
	if ownerID != "" {
		q += " WHERE owner_id = ?"
		args = append(args, ownerID)
	}
	q += " ORDER BY seq ASC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// MatchProducts is the in-process similarity path: it scans a bounded
// candidate set, blends the two cosine scores per product, then filters,
// sorts and caps.
func (s *SQLiteStore) MatchProducts(ctx context.Context, q MatchQuery) ([]ProductScore, error) {
	candidates, err := s.ListProducts(ctx, "", s.maxCandidates)
	if err != nil {
		return nil, err
	}

	scores := make([]ProductScore, 0, len(candidates))
	for _, p := range candidates {
		if q.excluded(p.ID) {
			continue
		}
		if len(p.Embedding) == 0 {
			s.logger.Warn("skipping product without embedding", "product_id", p.ID)
			continue
		}
		score, err := BlendedScore(q, p.Embedding)
		if err != nil {
			return nil, fmt.Errorf("scoring product %s: %w", p.ID, err)
		}
		scores = append(scores, ProductScore{ProductID: p.ID, Seq: p.Seq, Score: score})
	}
	return FilterAndCap(scores, q.Threshold, q.Limit), nil
}

// BlendedScore computes the weighted sum of the cosine similarities between
// embedding and each query signal.
func BlendedScore(q MatchQuery, embedding []float32) (float64, error) {
	var score float64
	if q.UserWeight > 0 && len(q.UserEmbedding) > 0 {
		sim, err := utils.CosineSimilarity(q.UserEmbedding, embedding)
		if err != nil {
			return 0, err
		}
		score += q.UserWeight * sim
	}
	if q.ThreadWeight > 0 && len(q.ThreadEmbedding) > 0 {
		sim, err := utils.CosineSimilarity(q.ThreadEmbedding, embedding)
		if err != nil {
			return 0, err
		}
		score += q.ThreadWeight * sim
	}
	return score, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
