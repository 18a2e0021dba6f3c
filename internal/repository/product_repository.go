package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rpattn/pricetrail/internal/domain"
)

// productRepository implements ProductRepository against postgres
type productRepository struct {
	q DBTX
}

// NewProductRepository creates a new product repository
func NewProductRepository(q DBTX) ProductRepository {
	return &productRepository{q: q}
}

const productColumns = `asin, title, brand, category, image_url, created_at, updated_at`

func (r *productRepository) ExistingASINs(ctx context.Context, asins []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(asins) == 0 {
		return existing, nil
	}

	rows, err := r.q.Query(ctx, `SELECT asin FROM products WHERE asin = ANY($1)`, asins)
	if err != nil {
		return nil, wrapPgError("query existing products", err)
	}
	defer rows.Close()

	for rows.Next() {
		var asin string
		if err := rows.Scan(&asin); err != nil {
			return nil, fmt.Errorf("failed to scan product asin: %w", err)
		}
		existing[asin] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate existing products: %w", err)
	}

	return existing, nil
}

func (r *productRepository) Upsert(ctx context.Context, rec domain.IngestRecord, now time.Time) (domain.Product, bool, error) {
	row := r.q.QueryRow(
		ctx,
		`INSERT INTO products (asin, title, brand, category, image_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (asin) DO UPDATE SET
		     title = EXCLUDED.title,
		     brand = EXCLUDED.brand,
		     category = EXCLUDED.category,
		     image_url = EXCLUDED.image_url,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+productColumns+`, (xmax = 0) AS created`,
		rec.ASIN,
		rec.Title,
		rec.Brand,
		rec.Category,
		rec.ImageURL,
		now,
	)

	var created bool
	product, err := scanProduct(row, &created)
	if err != nil {
		return domain.Product{}, false, wrapPgError("upsert product "+rec.ASIN, err)
	}

	return product, created, nil
}

func (r *productRepository) GetByASIN(ctx context.Context, asin string) (domain.Product, error) {
	row := r.q.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE asin = $1`, asin)

	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, fmt.Errorf("product %s: %w", asin, ErrNotFound)
		}
		return domain.Product{}, wrapPgError("get product "+asin, err)
	}

	return product, nil
}

func scanProduct(row pgx.Row, extra ...any) (domain.Product, error) {
	var (
		product   domain.Product
		brand     pgtype.Text
		category  pgtype.Text
		imageURL  pgtype.Text
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)

	dest := []any{&product.ASIN, &product.Title, &brand, &category, &imageURL, &createdAt, &updatedAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.Product{}, err
	}

	product.Brand = stringFromText(brand)
	product.Category = stringFromText(category)
	product.ImageURL = stringFromText(imageURL)
	product.CreatedAt = timeFromTimestamptz(createdAt)
	product.UpdatedAt = timeFromTimestamptz(updatedAt)
	return product, nil
}
