package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rpattn/pricetrail/internal/domain"
)

type offerRepository struct {
	q DBTX
}

// NewOfferRepository creates a new offer repository
func NewOfferRepository(q DBTX) OfferRepository {
	return &offerRepository{q: q}
}

const offerColumns = `id, product_id, price::text, currency, availability, seller, observed_at`

func (r *offerRepository) Insert(ctx context.Context, offer domain.Offer) (domain.Offer, error) {
	// observed_at never moves backwards for a product, so ordering by it
	// with id as tie-breaker matches insertion order.
	var price pgtype.Text
	err := r.q.QueryRow(
		ctx,
		`INSERT INTO offers (product_id, price, currency, availability, seller, observed_at)
		 VALUES ($1, $2::numeric, $3, $4, $5,
		         GREATEST($6::timestamptz,
		                  COALESCE((SELECT max(observed_at) FROM offers WHERE product_id = $1), $6::timestamptz)))
		 RETURNING id, price::text, observed_at`,
		offer.ProductID,
		nullableDecimal(offer.Price),
		offer.Currency,
		offer.Availability,
		offer.Seller,
		offer.ObservedAt,
	).Scan(&offer.ID, &price, &offer.ObservedAt)
	if err != nil {
		return domain.Offer{}, wrapPgError("insert offer for "+offer.ProductID, err)
	}

	// Hand back the price as stored so it matches what Previous returns later.
	if offer.Price, err = decimalFromText(price); err != nil {
		return domain.Offer{}, fmt.Errorf("invalid stored price %q: %w", price.String, err)
	}

	return offer, nil
}

func (r *offerRepository) Previous(ctx context.Context, productID string, excludeID int64) (*domain.Offer, error) {
	row := r.q.QueryRow(
		ctx,
		`SELECT `+offerColumns+`
		 FROM offers
		 WHERE product_id = $1
		   AND id <> $2
		 ORDER BY observed_at DESC, id DESC
		 LIMIT 1`,
		productID,
		excludeID,
	)

	offer, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapPgError("load previous offer for "+productID, err)
	}

	return &offer, nil
}

func (r *offerRepository) ListByProduct(ctx context.Context, productID string) ([]domain.Offer, error) {
	rows, err := r.q.Query(
		ctx,
		`SELECT `+offerColumns+`
		 FROM offers
		 WHERE product_id = $1
		 ORDER BY observed_at ASC, id ASC`,
		productID,
	)
	if err != nil {
		return nil, wrapPgError("list offers for "+productID, err)
	}
	defer rows.Close()

	offers := []domain.Offer{}
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, offer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate offers: %w", err)
	}

	return offers, nil
}

func scanOffer(row pgx.Row) (domain.Offer, error) {
	var (
		offer        domain.Offer
		price        pgtype.Text
		availability pgtype.Text
		seller       pgtype.Text
		observedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&offer.ID, &offer.ProductID, &price, &offer.Currency, &availability, &seller, &observedAt); err != nil {
		return domain.Offer{}, err
	}

	parsed, err := decimalFromText(price)
	if err != nil {
		return domain.Offer{}, fmt.Errorf("invalid stored price %q: %w", price.String, err)
	}
	offer.Price = parsed
	offer.Availability = stringFromText(availability)
	offer.Seller = stringFromText(seller)
	offer.ObservedAt = timeFromTimestamptz(observedAt)
	return offer, nil
}
