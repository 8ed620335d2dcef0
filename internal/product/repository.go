package product

import (
	"context"
	"database/sql"
	"errors"
	"marketplace_api/internal/utils"

	"github.com/sirupsen/logrus"
)

var ErrProductNotFound = errors.New("product not found")

// errNoOwnedRow is returned by the conditional writes when no active row
// matched both the id and the owner.
var errNoOwnedRow = errors.New("no active product owned by caller")

type ProductRepository struct{}

type ProductRepositoryInterface interface {
	Create(ctx context.Context, tx utils.DBTX, product *Product) (*Product, error)
	GetActiveByID(ctx context.Context, db utils.DBTX, id int) (*Product, error)
	List(ctx context.Context, db utils.DBTX, q ListQuery) ([]*Product, error)
	Count(ctx context.Context, db utils.DBTX, q ListQuery) (int, error)
	OwnerOf(ctx context.Context, db utils.DBTX, id int) (int, error)
	UpdateOwned(ctx context.Context, tx utils.DBTX, id, ownerID int, patch Patch) (*Product, error)
	SoftDeleteOwned(ctx context.Context, tx utils.DBTX, id, ownerID int) (*Product, error)
}

func NewProductRepository() ProductRepositoryInterface {
	return &ProductRepository{}
}

func (r *ProductRepository) Create(ctx context.Context, tx utils.DBTX, product *Product) (*Product, error) {
	query := `
		INSERT INTO products (
			user_id, name, price, description, category, image_url, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING ` + productColumns

	created, err := scanProduct(tx.QueryRowContext(ctx, query,
		product.UserID,
		product.Name,
		product.Price,
		product.Description,
		product.Category,
		nullable(product.ImageURL),
	))
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"product_id": created.ID,
		"user_id":    created.UserID,
	}).Info("Product created successfully")

	return created, nil
}

// GetActiveByID returns ErrProductNotFound for missing and soft-deleted rows.
func (r *ProductRepository) GetActiveByID(ctx context.Context, db utils.DBTX, id int) (*Product, error) {
	query := `SELECT ` + productColumns + `
		FROM products
		WHERE id = $1 AND deleted_at IS NULL
	`

	p, err := scanProduct(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	return p, err
}

func (r *ProductRepository) List(ctx context.Context, db utils.DBTX, q ListQuery) ([]*Product, error) {
	query, args := q.SelectSQL()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]*Product, 0, q.Limit)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}

	return products, rows.Err()
}

func (r *ProductRepository) Count(ctx context.Context, db utils.DBTX, q ListQuery) (int, error) {
	query, args := q.CountSQL()

	var total int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// OwnerOf returns the owner of an active product.
func (r *ProductRepository) OwnerOf(ctx context.Context, db utils.DBTX, id int) (int, error) {
	query := `SELECT user_id FROM products WHERE id = $1 AND deleted_at IS NULL`

	var ownerID int
	err := db.QueryRowContext(ctx, query, id).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	return ownerID, err
}

// UpdateOwned applies patch only if the row is active and owned by ownerID.
// Returns errNoOwnedRow when nothing matched.
func (r *ProductRepository) UpdateOwned(ctx context.Context, tx utils.DBTX, id, ownerID int, patch Patch) (*Product, error) {
	query := `
		UPDATE products
		SET name = COALESCE($1, name),
			price = COALESCE($2, price),
			description = COALESCE($3, description),
			category = COALESCE($4, category),
			image_url = COALESCE($5, image_url),
			updated_at = NOW()
		WHERE id = $6 AND user_id = $7 AND deleted_at IS NULL
		RETURNING ` + productColumns

	p, err := scanProduct(tx.QueryRowContext(ctx, query,
		nullable(patch.Name),
		nullable(patch.Price),
		nullable(patch.Description),
		nullable(patch.Category),
		nullable(patch.ImageURL),
		id,
		ownerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoOwnedRow
	}
	return p, err
}

// SoftDeleteOwned stamps deleted_at under the same conditions as UpdateOwned.
func (r *ProductRepository) SoftDeleteOwned(ctx context.Context, tx utils.DBTX, id, ownerID int) (*Product, error) {
	query := `
		UPDATE products
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		RETURNING ` + productColumns

	p, err := scanProduct(tx.QueryRowContext(ctx, query, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoOwnedRow
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*Product, error) {
	p := &Product{}
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Name,
		&p.Price,
		&p.Description,
		&p.Category,
		&p.ImageURL,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
