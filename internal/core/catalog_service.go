package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/store"
)

// CatalogService owns product writes so that embeddings and the vector
// index follow every change to a product's text.
type CatalogService struct {
	store      CatalogStore
	vectorizer *Vectorizer
	index      ProductIndex
	batchSize  int
	locks      *keyedMutex
	logger     *slog.Logger
}

const (
	defaultOwnerListLimit       = 50
	defaultOwnerSearchLimit     = 10
	maxOwnerSearchLimit         = 50
	defaultOwnerSearchThreshold = 0.7
)

// NewCatalogService takes an optional index; pass nil when matching runs on
// the store itself.
func NewCatalogService(catalog CatalogStore, vectorizer *Vectorizer, index ProductIndex, batchSize int, logger *slog.Logger) *CatalogService {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &CatalogService{
		store:      catalog,
		vectorizer: vectorizer,
		index:      index,
		batchSize:  batchSize,
		locks:      newKeyedMutex(),
		logger:     logger,
	}
}

type ProductInput struct {
	OwnerID     string         `json:"owner_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Categories  []string       `json:"categories"`
	Metadata    map[string]any `json:"metadata"`
}

// ProductPatch changes selected product fields. Nil fields are kept.
type ProductPatch struct {
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	Categories  []string       `json:"categories"`
	Metadata    map[string]any `json:"metadata"`
}

// ProductText is the text a product is embedded from.
func ProductText(p *store.Product) string {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	b, err := json.Marshal(struct {
		Metadata    map[string]any `json:"metadata"`
		Title       string         `json:"title"`
		Description string         `json:"description"`
		Categories  string         `json:"categories"`
	}{metadata, p.Title, p.Description, strings.Join(p.Categories, ", ")})
	if err != nil {
		return fmt.Sprintf("%s\n%s\n%s", p.Title, p.Description, strings.Join(p.Categories, ", "))
	}
	return string(b)
}

// OwnerText is the text an owner is embedded from: its metadata with the
// company title and description laid over it.
func OwnerText(o *store.Owner) string {
	fields := make(map[string]any, len(o.Metadata)+2)
	for k, v := range o.Metadata {
		fields[k] = v
	}
	fields["company_title"] = o.CompanyName
	fields["company_description"] = o.Description
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf("%s\n%s", o.CompanyName, o.Description)
	}
	return string(b)
}

func productLock(id string) string { return "product:" + id }
func ownerLock(id string) string   { return "owner:" + id }

// CreateOwner embeds and stores owner, filling in its ID and timestamps.
func (c *CatalogService) CreateOwner(ctx context.Context, owner *store.Owner) error {
	if strings.TrimSpace(owner.CompanyName) == "" {
		return errs.Validation("create owner", "company_name is required")
	}
	embedding, err := c.vectorizer.Embed(ctx, OwnerText(owner))
	if err != nil {
		return err
	}
	owner.Embedding = embedding
	return c.store.CreateOwner(ctx, owner)
}

func (c *CatalogService) GetOwner(ctx context.Context, id string) (*store.Owner, error) {
	return c.store.GetOwner(ctx, id)
}

// ListOwners pages through owners newest first; limit 0 means 50.
func (c *CatalogService) ListOwners(ctx context.Context, limit, offset int) ([]store.Owner, error) {
	if limit < 0 || offset < 0 {
		return nil, errs.Validation("list owners", "limit and offset must not be negative")
	}
	if limit == 0 {
		limit = defaultOwnerListLimit
	}
	return c.store.ListOwners(ctx, limit, offset)
}

// OwnerPatch changes selected owner fields. Nil fields are kept.
type OwnerPatch struct {
	CompanyName *string        `json:"company_name"`
	Domain      *string        `json:"domain"`
	Description *string        `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

// UpdateOwner applies patch and regenerates the owner embedding when its
// text changed.
func (c *CatalogService) UpdateOwner(ctx context.Context, id string, patch OwnerPatch) (*store.Owner, error) {
	unlock := c.locks.Lock(ownerLock(id))
	defer unlock()

	o, err := c.store.GetOwner(ctx, id)
	if err != nil {
		return nil, err
	}
	before := OwnerText(o)

	if patch.CompanyName != nil {
		if strings.TrimSpace(*patch.CompanyName) == "" {
			return nil, errs.Validation("update owner", "company_name must not be empty")
		}
		o.CompanyName = *patch.CompanyName
	}
	if patch.Domain != nil {
		o.Domain = *patch.Domain
	}
	if patch.Description != nil {
		o.Description = *patch.Description
	}
	if patch.Metadata != nil {
		o.Metadata = patch.Metadata
	}

	if text := OwnerText(o); text != before || len(o.Embedding) == 0 {
		if o.Embedding, err = c.vectorizer.Embed(ctx, text); err != nil {
			return nil, err
		}
	}
	if err := c.store.UpdateOwner(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// DeleteOwner removes the owner and every product it owns.
func (c *CatalogService) DeleteOwner(ctx context.Context, id string) error {
	unlock := c.locks.Lock(ownerLock(id))
	defer unlock()

	owned, err := c.store.ListProducts(ctx, id, 0)
	if err != nil {
		return err
	}
	// Product locks are taken in id order; writers hold at most one.
	ids := make([]string, len(owned))
	for i, p := range owned {
		ids[i] = p.ID
	}
	slices.Sort(ids)
	for _, pid := range ids {
		unlockProduct := c.locks.Lock(productLock(pid))
		defer unlockProduct()
	}

	removed, err := c.store.DeleteOwner(ctx, id)
	if err != nil {
		return err
	}
	if c.index != nil {
		for _, pid := range removed {
			if err := c.index.Remove(ctx, pid); err != nil {
				c.logger.Warn("failed to remove product from index", "product_id", pid, "err", err)
			}
		}
	}
	c.logger.Info("owner deleted", "owner_id", id, "products", len(removed))
	return nil
}

// OwnerMatch is an owner with its similarity to a search query.
type OwnerMatch struct {
	store.Owner
	SimilarityScore float64 `json:"similarity_score"`
}

// SearchOwners embeds query and returns the owners whose embedding is at
// least threshold similar (default 0.7), best first.
func (c *CatalogService) SearchOwners(ctx context.Context, query string, limit int, threshold *float64) ([]OwnerMatch, error) {
	const op = "search owners"
	if strings.TrimSpace(query) == "" {
		return nil, errs.Validation(op, "query is required")
	}
	switch {
	case limit == 0:
		limit = defaultOwnerSearchLimit
	case limit < 0 || limit > maxOwnerSearchLimit:
		return nil, errs.Validation(op, "limit must be between 1 and %d", maxOwnerSearchLimit)
	}
	t := defaultOwnerSearchThreshold
	if threshold != nil {
		t = *threshold
	}
	if t < -1 || t > 1 {
		return nil, errs.Validation(op, "threshold must be within [-1, 1]")
	}

	embedding, err := c.vectorizer.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	scores, err := c.store.MatchOwners(ctx, embedding, t, limit)
	if err != nil {
		return nil, err
	}
	matches := make([]OwnerMatch, len(scores))
	for i, s := range scores {
		matches[i] = OwnerMatch{Owner: s.Owner, SimilarityScore: s.Score}
	}
	return matches, nil
}

func (c *CatalogService) CreateProduct(ctx context.Context, in ProductInput) (*store.Product, error) {
	const op = "create product"
	if strings.TrimSpace(in.OwnerID) == "" {
		return nil, errs.Validation(op, "owner_id is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, errs.Validation(op, "title is required")
	}

	// The owner lock orders this insert against DeleteOwner.
	unlock := c.locks.Lock(ownerLock(in.OwnerID))
	defer unlock()
	if _, err := c.store.GetOwner(ctx, in.OwnerID); err != nil {
		return nil, err
	}

	p := &store.Product{
		OwnerID:     in.OwnerID,
		Title:       in.Title,
		Description: in.Description,
		Categories:  in.Categories,
		Metadata:    in.Metadata,
	}
	embedding, err := c.vectorizer.Embed(ctx, ProductText(p))
	if err != nil {
		return nil, err
	}
	p.Embedding = embedding

	if err := c.store.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	c.syncIndex(ctx, p)
	return p, nil
}

// UpdateProduct applies patch and regenerates the embedding when the product
// text changed.
func (c *CatalogService) UpdateProduct(ctx context.Context, id string, patch ProductPatch) (*store.Product, error) {
	unlock := c.locks.Lock(productLock(id))
	defer unlock()

	p, err := c.store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	before := ProductText(p)

	if patch.Title != nil {
		if strings.TrimSpace(*patch.Title) == "" {
			return nil, errs.Validation("update product", "title must not be empty")
		}
		p.Title = *patch.Title
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Categories != nil {
		p.Categories = slices.Clone(patch.Categories)
	}
	if patch.Metadata != nil {
		p.Metadata = patch.Metadata
	}

	if text := ProductText(p); text != before || len(p.Embedding) == 0 {
		if p.Embedding, err = c.vectorizer.Embed(ctx, text); err != nil {
			return nil, err
		}
	}
	if err := c.store.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}
	c.syncIndex(ctx, p)
	return p, nil
}

func (c *CatalogService) DeleteProduct(ctx context.Context, id string) error {
	unlock := c.locks.Lock(productLock(id))
	defer unlock()

	if err := c.store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	if c.index != nil {
		if err := c.index.Remove(ctx, id); err != nil {
			c.logger.Warn("failed to remove product from index", "product_id", id, "err", err)
		}
	}
	return nil
}

func (c *CatalogService) GetProduct(ctx context.Context, id string) (*store.Product, error) {
	return c.store.GetProduct(ctx, id)
}

func (c *CatalogService) ListProducts(ctx context.Context, ownerID string, limit int) ([]store.Product, error) {
	if ownerID != "" {
		if _, err := c.store.GetOwner(ctx, ownerID); err != nil {
			return nil, err
		}
	}
	return c.store.ListProducts(ctx, ownerID, limit)
}

func (c *CatalogService) syncIndex(ctx context.Context, p *store.Product) {
	if c.index == nil {
		return
	}
	if err := c.index.Upsert(ctx, *p); err != nil {
		c.logger.Warn("failed to index product", "product_id", p.ID, "err", err)
	}
}

type IngestResult struct {
	Owners   int
	Products int
}

// Ingest loads a catalog seed. Embedding batches run concurrently; rows are
// written in seed order so insertion order matches the file. progress, when
// set, receives the number of products written after each insert.
func (c *CatalogService) Ingest(ctx context.Context, seed *store.CatalogSeed, progress func(int)) (*IngestResult, error) {
	type pending struct {
		ownerIdx int
		product  store.Product
	}
	var items []pending
	for i, o := range seed.Owners {
		for _, sp := range o.Products {
			items = append(items, pending{ownerIdx: i, product: store.Product{
				Title:       sp.Title,
				Description: sp.Description,
				Categories:  sp.Categories,
				Metadata:    sp.Metadata,
			}})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(items); start += c.batchSize {
		batch := items[start:min(start+c.batchSize, len(items))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i := range batch {
				texts[i] = ProductText(&batch[i].product)
			}
			vecs, err := c.vectorizer.EmbedBatch(gctx, texts)
			if err != nil {
				return err
			}
			for i := range batch {
				batch[i].product.Embedding = vecs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("embedding catalog: %w", err)
	}

	res := &IngestResult{}
	ownerIDs := make([]string, len(seed.Owners))
	for i, so := range seed.Owners {
		id, created, err := c.ensureOwner(ctx, so)
		if err != nil {
			return res, err
		}
		ownerIDs[i] = id
		if created {
			res.Owners++
		}
	}

	for _, it := range items {
		p := it.product
		p.OwnerID = ownerIDs[it.ownerIdx]
		if err := c.store.CreateProduct(ctx, &p); err != nil {
			return res, fmt.Errorf("storing product %q: %w", p.Title, err)
		}
		c.syncIndex(ctx, &p)
		res.Products++
		if progress != nil {
			progress(1)
		}
	}
	c.logger.Info("catalog ingested", "owners", res.Owners, "products", res.Products)
	return res, nil
}

// ensureOwner reuses an owner when the seed names an existing id.
func (c *CatalogService) ensureOwner(ctx context.Context, so store.SeedOwner) (string, bool, error) {
	if so.ID != "" {
		_, err := c.store.GetOwner(ctx, so.ID)
		if err == nil {
			return so.ID, false, nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return "", false, err
		}
	}
	owner := &store.Owner{ID: so.ID, CompanyName: so.CompanyName, Domain: so.Domain, Description: so.Description, Metadata: so.Metadata}
	if err := c.CreateOwner(ctx, owner); err != nil {
		return "", false, err
	}
	return owner.ID, true, nil
}
