package product

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"marketplace_api/internal/apperror"
	"marketplace_api/internal/cache"
	"marketplace_api/internal/observability"
	"marketplace_api/internal/queue"
	"marketplace_api/internal/utils"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Limits of the products table columns.
const (
	MaxNameLength     = 255
	MaxCategoryLength = 100
	MinPrice          = 0.01
	MaxPrice          = 9999999999.99
)

var (
	ErrNotFound  = apperror.NotFound("product not found")
	ErrNotOwner  = apperror.Forbidden("you do not own this product")
	ErrNoChanges = apperror.Validation("no fields to update")
)

// Cache is the read-through store used for single products and list pages.
// SetProduct must refuse to store a product evicted by EvictDeleted.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data interface{}) error
	Delete(ctx context.Context, keys ...string) error
	SetProduct(ctx context.Context, productID int, data interface{}) (bool, error)
	EvictDeleted(ctx context.Context, productID int) error
	ListGeneration(ctx context.Context) (int64, error)
	BumpListGeneration(ctx context.Context) error
}

// EventPublisher announces committed mutations.
type EventPublisher interface {
	Publish(ctx context.Context, event queue.ProductEvent) error
}

type ProductService struct {
	repo         ProductRepositoryInterface
	db           *sql.DB
	cache        Cache
	events       EventPublisher
	metrics      *observability.Metrics
	queryTimeout time.Duration

	// loads collapses concurrent cache misses for the same key into one query.
	loads singleflight.Group
}

type ProductServiceInterface interface {
	Create(ctx context.Context, ownerID int, in CreateInput) (*Product, error)
	Get(ctx context.Context, id int) (*Product, error)
	List(ctx context.Context, f ListFilter) (*ListResult, error)
	Update(ctx context.Context, id, callerID int, patch Patch) (*Product, error)
	SoftDelete(ctx context.Context, id, callerID int) error
}

// NewProductService wires the product flow. cache and events may be nil, in
// which case reads go straight to the database and no events are published.
func NewProductService(repo ProductRepositoryInterface, db *sql.DB, cache Cache, events EventPublisher, metrics *observability.Metrics, queryTimeout time.Duration) ProductServiceInterface {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &ProductService{
		repo:         repo,
		db:           db,
		cache:        cache,
		events:       events,
		metrics:      metrics,
		queryTimeout: queryTimeout,
	}
}

func validatePrice(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return apperror.Validation("price must be a positive number")
	}
	if p < MinPrice {
		return apperror.Validation("price must be at least 0.01")
	}
	if p > MaxPrice {
		return apperror.Validation("price must be at most 9999999999.99")
	}
	return nil
}

// normalizeCategory trims c and falls back to DefaultCategory when blank.
func normalizeCategory(c string) (string, error) {
	c = strings.TrimSpace(c)
	if c == "" {
		return DefaultCategory, nil
	}
	if utf8.RuneCountInString(c) > MaxCategoryLength {
		return "", apperror.Validation("category must be at most 100 characters")
	}
	return c, nil
}

func validateName(name string) error {
	if name == "" {
		return apperror.Validation("name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return apperror.Validation("name must be at most 255 characters")
	}
	return nil
}

func (in CreateInput) normalize() (*Product, error) {
	name := strings.TrimSpace(in.Name)
	if err := validateName(name); err != nil {
		return nil, err
	}
	description := strings.TrimSpace(in.Description)
	if description == "" {
		return nil, apperror.Validation("description is required")
	}
	if in.Price == nil {
		return nil, apperror.Validation("price is required")
	}
	if err := validatePrice(*in.Price); err != nil {
		return nil, err
	}
	category, err := normalizeCategory(in.Category)
	if err != nil {
		return nil, err
	}

	return &Product{
		Name:        name,
		Price:       *in.Price,
		Description: description,
		Category:    category,
		ImageURL:    in.ImageURL,
	}, nil
}

func (p Patch) normalize() (Patch, error) {
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if err := validateName(name); err != nil {
			return Patch{}, err
		}
		p.Name = &name
	}
	if p.Description != nil {
		description := strings.TrimSpace(*p.Description)
		if description == "" {
			return Patch{}, apperror.Validation("description must not be empty")
		}
		p.Description = &description
	}
	if p.Price != nil {
		if err := validatePrice(*p.Price); err != nil {
			return Patch{}, err
		}
	}
	if p.Category != nil {
		category, err := normalizeCategory(*p.Category)
		if err != nil {
			return Patch{}, err
		}
		p.Category = &category
	}
	if p.Empty() {
		return Patch{}, ErrNoChanges
	}
	return p, nil
}

// Create stores a product owned by ownerID.
func (s *ProductService) Create(ctx context.Context, ownerID int, in CreateInput) (*Product, error) {
	product, err := in.normalize()
	if err != nil {
		s.record("create", err)
		return nil, err
	}
	product.UserID = ownerID

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var created *Product
	err = s.observe("insert", func() error {
		return utils.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
			var err error
			created, err = s.repo.Create(ctx, tx, product)
			return err
		})
	})
	if err != nil {
		logrus.WithError(err).WithField("user_id", ownerID).Error("Failed to create product")
		err = apperror.Dependency("failed to create product", err)
		s.record("create", err)
		return nil, err
	}

	s.record("create", nil)
	s.afterMutation(ctx, queue.ProductCreated, created)
	return created, nil
}

// Get returns an active product, reading through the cache.
func (s *ProductService) Get(ctx context.Context, id int) (*Product, error) {
	if id <= 0 {
		return nil, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	key := cache.ProductKey(id)
	var cached Product
	if s.cacheGet(ctx, key, "product", &cached) {
		return &cached, nil
	}

	v, err, _ := s.loads.Do(key, func() (interface{}, error) {
		ctx, cancel := s.sharedLoadContext(ctx)
		defer cancel()

		var product *Product
		err := s.observe("select", func() error {
			var err error
			product, err = s.repo.GetActiveByID(ctx, s.db, id)
			return err
		})
		if err != nil {
			return nil, err
		}
		s.cacheSetProduct(ctx, product)
		return product, nil
	})
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperror.Dependency("failed to load product", err)
	}

	return v.(*Product), nil
}

// List returns one page of active products matching f.
func (s *ProductService) List(ctx context.Context, f ListFilter) (*ListResult, error) {
	q := BuildListQuery(f)

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	key := s.listKey(ctx, q)
	if key != "" {
		var cached ListResult
		if s.cacheGet(ctx, key, "product_list", &cached) {
			return &cached, nil
		}
	}

	flightKey := key
	if flightKey == "" {
		flightKey = q.Fingerprint()
	}

	v, err, _ := s.loads.Do(flightKey, func() (interface{}, error) {
		ctx, cancel := s.sharedLoadContext(ctx)
		defer cancel()

		result := &ListResult{Page: q.Page, Limit: q.Limit}
		err := s.observe("list", func() error {
			var err error
			if result.Total, err = s.repo.Count(ctx, s.db, q); err != nil {
				return err
			}
			result.Items, err = s.repo.List(ctx, s.db, q)
			return err
		})
		if err != nil {
			return nil, err
		}
		if result.Items == nil {
			result.Items = []*Product{}
		}
		if key != "" {
			s.cacheSet(ctx, key, result)
		}
		return result, nil
	})
	if err != nil {
		return nil, apperror.Dependency("failed to list products", err)
	}

	return v.(*ListResult), nil
}

// Update applies patch if callerID owns the product. The ownership check and
// the write are a single conditional UPDATE.
func (s *ProductService) Update(ctx context.Context, id, callerID int, patch Patch) (*Product, error) {
	patch, err := patch.normalize()
	if err != nil {
		s.record("update", err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var updated *Product
	err = s.observe("update", func() error {
		return utils.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
			var err error
			updated, err = s.repo.UpdateOwned(ctx, tx, id, callerID, patch)
			if errors.Is(err, errNoOwnedRow) {
				return s.classifyMiss(ctx, tx, id)
			}
			return err
		})
	})
	if err != nil {
		err = s.wrapMutationError("update", id, err)
		s.record("update", err)
		return nil, err
	}

	s.record("update", nil)
	s.afterMutation(ctx, queue.ProductUpdated, updated)
	return updated, nil
}

// SoftDelete marks the product deleted if callerID owns it.
func (s *ProductService) SoftDelete(ctx context.Context, id, callerID int) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var deleted *Product
	err := s.observe("delete", func() error {
		return utils.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
			var err error
			deleted, err = s.repo.SoftDeleteOwned(ctx, tx, id, callerID)
			if errors.Is(err, errNoOwnedRow) {
				return s.classifyMiss(ctx, tx, id)
			}
			return err
		})
	})
	if err != nil {
		err = s.wrapMutationError("delete", id, err)
		s.record("delete", err)
		return err
	}

	s.record("delete", nil)
	s.afterMutation(ctx, queue.ProductDeleted, deleted)
	return nil
}

// classifyMiss tells a missing product apart from one owned by someone else.
func (s *ProductService) classifyMiss(ctx context.Context, tx utils.DBTX, id int) error {
	_, err := s.repo.OwnerOf(ctx, tx, id)
	switch {
	case errors.Is(err, ErrProductNotFound):
		return ErrNotFound
	case err != nil:
		return err
	default:
		return ErrNotOwner
	}
}

func (s *ProductService) wrapMutationError(operation string, id int, err error) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	logrus.WithError(err).WithFields(logrus.Fields{
		"product_id": id,
		"operation":  operation,
	}).Error("Product mutation failed")
	return apperror.Dependency("failed to "+operation+" product", err)
}

// afterMutation drops stale cache entries and announces the change. Both are
// best effort; the write is already committed.
func (s *ProductService) afterMutation(ctx context.Context, eventType queue.EventType, p *Product) {
	if s.cache != nil {
		var err error
		if eventType == queue.ProductDeleted {
			err = s.cache.EvictDeleted(ctx, p.ID)
		} else {
			err = s.cache.Delete(ctx, cache.ProductKey(p.ID))
		}
		if err != nil {
			logrus.WithError(err).WithField("product_id", p.ID).Warn("Failed to invalidate product cache")
		}
		if err := s.cache.BumpListGeneration(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to invalidate product list cache")
		}
	}

	if s.events == nil {
		return
	}
	event := queue.ProductEvent{
		Type:       eventType,
		ProductID:  p.ID,
		UserID:     p.UserID,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"product_id": p.ID,
			"event":      eventType,
		}).Warn("Failed to publish product event")
	}
}

func (s *ProductService) listKey(ctx context.Context, q ListQuery) string {
	if s.cache == nil {
		return ""
	}
	gen, err := s.cache.ListGeneration(ctx)
	if err != nil {
		logrus.WithError(err).Warn("Failed to read product list generation")
		return ""
	}
	return cache.ProductListKey(gen, q.Fingerprint())
}

func (s *ProductService) cacheGet(ctx context.Context, key, keyType string, dest any) bool {
	if s.cache == nil {
		return false
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Cache read failed")
		return false
	}
	if data == nil || json.Unmarshal(data, dest) != nil {
		if s.metrics != nil {
			s.metrics.CacheMissesTotal.WithLabelValues(keyType).Inc()
		}
		return false
	}
	if s.metrics != nil {
		s.metrics.CacheHitsTotal.WithLabelValues(keyType).Inc()
	}
	return true
}

func (s *ProductService) cacheSet(ctx context.Context, key string, value any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Cache write failed")
	}
}

func (s *ProductService) cacheSetProduct(ctx context.Context, p *Product) {
	if s.cache == nil {
		return
	}
	stored, err := s.cache.SetProduct(ctx, p.ID, p)
	if err != nil {
		logrus.WithError(err).WithField("product_id", p.ID).Warn("Cache write failed")
		return
	}
	if !stored {
		logrus.WithField("product_id", p.ID).Debug("Skipped caching a deleted product")
	}
}

// sharedLoadContext detaches a singleflight load from the caller that
// started it, so one cancelled client does not fail every joined waiter.
func (s *ProductService) sharedLoadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.queryTimeout)
}

func (s *ProductService) observe(queryType string, fn func() error) error {
	start := time.Now()
	err := fn()
	if s.metrics != nil {
		s.metrics.DBQueryDuration.WithLabelValues(queryType).Observe(time.Since(start).Seconds())
	}
	return err
}

func (s *ProductService) record(operation string, err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = string(apperror.KindOf(err))
	}
	s.metrics.ProductMutationsTotal.WithLabelValues(operation, result).Inc()
}
