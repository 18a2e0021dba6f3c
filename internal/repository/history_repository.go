package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rpattn/pricetrail/internal/domain"
)

type historyRepository struct {
	q DBTX
}

// NewHistoryRepository creates a new offer history repository
func NewHistoryRepository(q DBTX) HistoryRepository {
	return &historyRepository{q: q}
}

func (r *historyRepository) Append(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryEntry, error) {
	if !entry.ChangeType.Valid() {
		return domain.HistoryEntry{}, fmt.Errorf("refusing to append history for %s: unknown change type %q", entry.ProductID, entry.ChangeType)
	}

	err := r.q.QueryRow(
		ctx,
		`INSERT INTO offer_history (product_id, price, currency, availability, seller, change_type, observed_at)
		 VALUES ($1, $2::numeric, $3, $4, $5, $6, $7)
		 RETURNING id`,
		entry.ProductID,
		nullableDecimal(entry.Price),
		entry.Currency,
		entry.Availability,
		entry.Seller,
		string(entry.ChangeType),
		entry.ObservedAt,
	).Scan(&entry.ID)
	if err != nil {
		return domain.HistoryEntry{}, wrapPgError("append history for "+entry.ProductID, err)
	}

	return entry, nil
}

func (r *historyRepository) ListByProduct(ctx context.Context, productID string, since time.Time) ([]domain.HistoryEntry, error) {
	rows, err := r.q.Query(
		ctx,
		`SELECT id, product_id, price::text, currency, availability, seller, change_type, observed_at
		 FROM offer_history
		 WHERE product_id = $1
		   AND observed_at >= $2
		 ORDER BY observed_at ASC, id ASC`,
		productID,
		since,
	)
	if err != nil {
		return nil, wrapPgError("list history for "+productID, err)
	}
	defer rows.Close()

	entries := []domain.HistoryEntry{}
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	return entries, nil
}

func scanHistory(row pgx.Row) (domain.HistoryEntry, error) {
	var (
		entry        domain.HistoryEntry
		price        pgtype.Text
		availability pgtype.Text
		seller       pgtype.Text
		changeType   string
		observedAt   pgtype.Timestamptz
	)
	if err := row.Scan(&entry.ID, &entry.ProductID, &price, &entry.Currency, &availability, &seller, &changeType, &observedAt); err != nil {
		return domain.HistoryEntry{}, err
	}

	parsed, err := decimalFromText(price)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("invalid stored price %q: %w", price.String, err)
	}
	ct, err := domain.ParseChangeType(changeType)
	if err != nil {
		return domain.HistoryEntry{}, err
	}

	entry.Price = parsed
	entry.Availability = stringFromText(availability)
	entry.Seller = stringFromText(seller)
	entry.ChangeType = ct
	entry.ObservedAt = timeFromTimestamptz(observedAt)
	return entry, nil
}
