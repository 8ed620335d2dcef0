package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"marketplace_api/internal/product"
	"marketplace_api/internal/queue"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidEvent marks a message that can never succeed and must not be retried.
var ErrInvalidEvent = errors.New("invalid product event")

// Processor keeps the product cache in step with committed mutations.
type Processor struct {
	repo    product.ProductRepositoryInterface
	db      *sql.DB
	cache   product.Cache
	timeout time.Duration
}

func NewProcessor(repo product.ProductRepositoryInterface, db *sql.DB, cache product.Cache, timeout time.Duration) *Processor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Processor{
		repo:    repo,
		db:      db,
		cache:   cache,
		timeout: timeout,
	}
}

// Handle refreshes or evicts the product entry and invalidates list pages.
func (p *Processor) Handle(ctx context.Context, event queue.ProductEvent, workerID int) error {
	if !event.Valid() {
		return fmt.Errorf("%w: type=%q product_id=%d", ErrInvalidEvent, event.Type, event.ProductID)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"worker_id":  workerID,
		"event":      event.Type,
		"product_id": event.ProductID,
	}).Debug("Handling product event")

	var err error
	switch event.Type {
	case queue.ProductCreated, queue.ProductUpdated:
		err = p.refresh(ctx, event.ProductID)
	case queue.ProductDeleted:
		err = p.cache.EvictDeleted(ctx, event.ProductID)
	}
	if err != nil {
		return err
	}

	return p.cache.BumpListGeneration(ctx)
}

func (p *Processor) refresh(ctx context.Context, productID int) error {
	current, err := p.repo.GetActiveByID(ctx, p.db, productID)
	if errors.Is(err, product.ErrProductNotFound) {
		// Deleted after the event was published.
		return p.cache.EvictDeleted(ctx, productID)
	}
	if err != nil {
		return fmt.Errorf("reload product %d: %w", productID, err)
	}
	stored, err := p.cache.SetProduct(ctx, productID, current)
	if err != nil {
		return err
	}
	if !stored {
		logrus.WithField("product_id", productID).Debug("Product deleted during refresh, not cached")
	}
	return nil
}
