package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

const (
	publishTimeout = 5 * time.Second
	loadTimeout    = 10 * time.Second
)

// Partitions dropped by each kind of catalog mutation.
var (
	createPartitions = []string{port.PartitionListings, port.PartitionSearch, port.PartitionCategories}
	changePartitions = []string{port.PartitionListings, port.PartitionSearch, port.PartitionCategories, port.PartitionLookup}
	stockPartitions  = []string{port.PartitionListings, port.PartitionSearch, port.PartitionLookup}
)

type CatalogService struct {
	repo   port.CatalogRepository
	cache  port.CatalogCache
	events port.EventPublisher
	logger zerolog.Logger
	group  singleflight.Group

	mu    sync.Mutex
	stale map[string]bool // partitions whose last invalidation failed
}

// NewCatalogService wires the catalog store behind the cache. events may be
// nil when no other instance needs to hear about invalidations.
func NewCatalogService(repo port.CatalogRepository, cache port.CatalogCache, events port.EventPublisher, logger zerolog.Logger) *CatalogService {
	return &CatalogService{
		repo:   repo,
		cache:  cache,
		events: events,
		logger: logger.With().Str("component", "catalog").Logger(),
		stale:  make(map[string]bool),
	}
}

func (s *CatalogService) ListProducts(ctx context.Context, page domain.PageRequest) (domain.Page[domain.Product], error) {
	page, err := checkPage(page)
	if err != nil {
		return domain.Page[domain.Product]{}, err
	}
	key := pageKey(page)
	return cachedRead(ctx, s, port.PartitionListings, key, func(ctx context.Context) (domain.Page[domain.Product], error) {
		return s.repo.ListActiveProducts(ctx, page)
	})
}

func (s *CatalogService) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: product id is required", domain.ErrValidation)
	}
	p, err := cachedRead(ctx, s, port.PartitionLookup, id, func(ctx context.Context) (domain.Product, error) {
		p, err := s.repo.GetProduct(ctx, id)
		if err != nil {
			return domain.Product{}, err
		}
		if !p.Active {
			return domain.Product{}, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
		}
		return *p, nil
	})
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
	}
	return &p, nil
}

func (s *CatalogService) SearchProducts(ctx context.Context, filter domain.SearchFilter, page domain.PageRequest) (domain.Page[domain.Product], error) {
	page, err := checkPage(page)
	if err != nil {
		return domain.Page[domain.Product]{}, err
	}
	if filter.MinPrice != nil && filter.MaxPrice != nil && filter.MinPrice.GreaterThan(*filter.MaxPrice) {
		return domain.Page[domain.Product]{}, fmt.Errorf("%w: minPrice exceeds maxPrice", domain.ErrValidation)
	}
	key := searchKey(filter, page)
	return cachedRead(ctx, s, port.PartitionSearch, key, func(ctx context.Context) (domain.Page[domain.Product], error) {
		return s.repo.SearchProducts(ctx, filter, page)
	})
}

func (s *CatalogService) ListCategories(ctx context.Context) ([]string, error) {
	return cachedRead(ctx, s, port.PartitionCategories, "all", s.repo.ListCategories)
}

func (s *CatalogService) CreateProduct(ctx context.Context, in domain.ProductInput) (*domain.Product, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	p := &domain.Product{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Price:       in.Price,
		Stock:       in.Stock,
		Category:    strings.TrimSpace(in.Category),
		ImageURL:    in.ImageURL,
		Rating:      decimal.Zero,
		Active:      true,
	}
	if err := s.repo.CreateProduct(ctx, p); err != nil {
		return nil, err
	}

	s.invalidate(ctx, domain.CatalogEventCreated, p.ID, createPartitions)
	s.logger.Info().Str("product_id", p.ID).Msg("created product")
	return p, nil
}

func (s *CatalogService) UpdateProduct(ctx context.Context, id string, in domain.ProductInput) (*domain.Product, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	p.Name = strings.TrimSpace(in.Name)
	p.Description = in.Description
	p.Price = in.Price
	p.Stock = in.Stock
	p.Category = strings.TrimSpace(in.Category)
	p.ImageURL = in.ImageURL
	if err := s.repo.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}

	s.invalidate(ctx, domain.CatalogEventUpdated, p.ID, changePartitions)
	s.logger.Info().Str("product_id", p.ID).Msg("updated product")
	return p, nil
}

// DeleteProduct soft deletes: the product is deactivated, never removed,
// and its stock is left untouched.
func (s *CatalogService) DeleteProduct(ctx context.Context, id string) error {
	_, err := s.setActive(ctx, id, false)
	return err
}

func (s *CatalogService) RestoreProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.setActive(ctx, id, true)
}

func (s *CatalogService) setActive(ctx context.Context, id string, active bool) (*domain.Product, error) {
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	p.Active = active
	if err := s.repo.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}

	evt, msg := domain.CatalogEventDeleted, "soft deleted product"
	if active {
		evt, msg = domain.CatalogEventRestored, "restored product"
	}
	s.invalidate(ctx, evt, id, changePartitions)
	s.logger.Info().Str("product_id", id).Msg(msg)
	return p, nil
}

func (s *CatalogService) UpdateStock(ctx context.Context, id string, stock int) (*domain.Product, error) {
	if stock < 0 {
		return nil, fmt.Errorf("%w: stock must not be negative", domain.ErrValidation)
	}
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	p.Stock = stock
	if err := s.repo.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}

	s.invalidate(ctx, domain.CatalogEventStock, id, stockPartitions)
	s.logger.Info().Str("product_id", id).Int("stock", stock).Msg("updated stock")
	return p, nil
}

// invalidate runs before the mutation's response is returned. Failures are
// logged only; the store write already happened.
func (s *CatalogService) invalidate(ctx context.Context, evt domain.CatalogEventType, productID string, partitions []string) {
	if err := s.cache.Invalidate(ctx, partitions...); err != nil {
		s.logger.Error().Err(err).Strs("partitions", partitions).Str("product_id", productID).Msg("cache invalidation failed")
		s.mu.Lock()
		for _, partition := range partitions {
			s.stale[partition] = true
		}
		s.mu.Unlock()
	}

	if s.events == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	err := s.events.PublishCatalogEvent(pubCtx, domain.CatalogEvent{
		Type:       evt,
		ProductID:  productID,
		Partitions: partitions,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("product_id", productID).Msg("publish catalog event failed")
	}
}

// usable reports whether partition can be served from the cache. A partition
// whose invalidation failed is bypassed until a retried invalidation succeeds.
func (s *CatalogService) usable(ctx context.Context, partition string) bool {
	s.mu.Lock()
	stale := s.stale[partition]
	s.mu.Unlock()
	if !stale {
		return true
	}

	if err := s.cache.Invalidate(ctx, partition); err != nil {
		s.logger.Warn().Err(err).Str("partition", partition).Msg("cache still stale, reading store")
		return false
	}
	s.mu.Lock()
	delete(s.stale, partition)
	s.mu.Unlock()
	return true
}

// cachedRead serves a read from the cache, falling back to load on a miss or
// on any cache failure. Concurrent misses for the same key and generation
// share one load, which runs detached from every caller's cancellation; each
// caller stops waiting when its own ctx is done.
func cachedRead[T any](ctx context.Context, s *CatalogService, partition, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T

	if !s.usable(ctx, partition) {
		return load(ctx)
	}

	raw, generation, err := s.cache.Get(ctx, partition, key)
	fill := false
	switch {
	case err == nil:
		var v T
		if jsonErr := json.Unmarshal(raw, &v); jsonErr == nil {
			return v, nil
		}
		s.logger.Warn().Str("partition", partition).Str("key", key).Msg("discarding undecodable cache entry")
	case errors.Is(err, port.ErrCacheMiss):
		fill = true
	default:
		s.logger.Warn().Err(err).Str("partition", partition).Msg("cache get failed, reading store")
	}

	flight := partition + "|" + strconv.FormatUint(generation, 10) + "|" + key
	ch := s.group.DoChan(flight, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		if fill {
			s.fill(loadCtx, partition, key, v, generation)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (s *CatalogService) fill(ctx context.Context, partition, key string, v any, generation uint64) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn().Err(err).Str("partition", partition).Msg("encode cache entry failed")
		return
	}
	if err := s.cache.Put(ctx, partition, key, raw, generation); err != nil {
		s.logger.Warn().Err(err).Str("partition", partition).Msg("cache put failed")
	}
}

func checkPage(page domain.PageRequest) (domain.PageRequest, error) {
	if page.Page < 0 {
		return page, fmt.Errorf("%w: page index must not be negative", domain.ErrValidation)
	}
	return page.Normalize(), nil
}

func validateInput(in domain.ProductInput) error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return fmt.Errorf("%w: name is required", domain.ErrValidation)
	case strings.TrimSpace(in.Category) == "":
		return fmt.Errorf("%w: category is required", domain.ErrValidation)
	case in.Price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", domain.ErrValidation)
	case in.Stock < 0:
		return fmt.Errorf("%w: stock must not be negative", domain.ErrValidation)
	}
	return nil
}

func pageKey(page domain.PageRequest) string {
	return "page=" + strconv.Itoa(page.Page) + ";size=" + strconv.Itoa(page.Size)
}

// searchKey serializes every filter value, absent ones included, so two
// different filter tuples never share a cache entry.
func searchKey(f domain.SearchFilter, page domain.PageRequest) string {
	var b strings.Builder
	writeOpt := func(name string, v *string) {
		b.WriteString(name)
		if v == nil {
			b.WriteString("=null;")
			return
		}
		b.WriteString("=")
		b.WriteString(strconv.Quote(*v))
		b.WriteString(";")
	}
	decimalOpt := func(d *decimal.Decimal) *string {
		if d == nil {
			return nil
		}
		s := d.String()
		return &s
	}

	writeOpt("category", f.Category)
	writeOpt("name", f.Name)
	writeOpt("minPrice", decimalOpt(f.MinPrice))
	writeOpt("maxPrice", decimalOpt(f.MaxPrice))
	writeOpt("minRating", decimalOpt(f.MinRating))
	b.WriteString(pageKey(page))
	return b.String()
}
