package repository

import (
	"context"
	"time"

	"github.com/rpattn/pricetrail/internal/domain"
)

// ProductRepository defines the interface for product snapshot operations
type ProductRepository interface {
	// ExistingASINs returns the subset of asins that already have a snapshot.
	ExistingASINs(ctx context.Context, asins []string) (map[string]struct{}, error)
	// Upsert inserts or refreshes the snapshot for rec. The boolean reports
	// whether a new row was created.
	Upsert(ctx context.Context, rec domain.IngestRecord, now time.Time) (domain.Product, bool, error)
	GetByASIN(ctx context.Context, asin string) (domain.Product, error)
}

// OfferRepository defines the append-only offer log
type OfferRepository interface {
	// Insert appends offer and returns it with its sequence id. ObservedAt is
	// raised to the product's latest observation when it would go backwards.
	Insert(ctx context.Context, offer domain.Offer) (domain.Offer, error)
	// Previous returns the most recent offer for productID other than
	// excludeID, ordered by observation time then sequence. Nil when none.
	Previous(ctx context.Context, productID string, excludeID int64) (*domain.Offer, error)
	ListByProduct(ctx context.Context, productID string) ([]domain.Offer, error)
}

// HistoryRepository defines the append-only change history
type HistoryRepository interface {
	Append(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryEntry, error)
	// ListByProduct returns entries observed at or after since, oldest first.
	ListByProduct(ctx context.Context, productID string, since time.Time) ([]domain.HistoryEntry, error)
}

// IngestionRunRepository defines the per-cycle run log
type IngestionRunRepository interface {
	Record(ctx context.Context, run domain.IngestionRun) error
	// List returns the most recent runs first.
	List(ctx context.Context, limit int) ([]domain.IngestionRun, error)
}

// Repositories groups the repositories bound to one unit of work.
type Repositories struct {
	Products ProductRepository
	Offers   OfferRepository
	History  HistoryRepository
}

// Store owns a storage connection and hands out units of work.
type Store interface {
	// Products returns a repository outside any transaction, for reads.
	Products() ProductRepository
	// Runs returns the run log. Writes to it are never rolled back with a
	// cycle.
	Runs() IngestionRunRepository
	// WithTx runs fn inside one transaction. Every write made through the
	// supplied repositories is committed when fn returns nil and discarded
	// otherwise.
	WithTx(ctx context.Context, fn func(Repositories) error) error
	Close()
}
