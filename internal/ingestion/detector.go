package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/pricetrail/internal/domain"
	"github.com/rpattn/pricetrail/internal/repository"
)

// Observation is the outcome of recording one offer.
type Observation struct {
	Offer   domain.Offer
	History *domain.HistoryEntry // nil when nothing changed
}

// Detector appends offers and decides which ones are worth a history entry.
type Detector struct{}

// Observe stores the sale terms of rec as a new offer, compares them with the
// product's previous offer and appends a history entry on change. It must run
// after the product snapshot exists and inside the cycle's transaction.
func (Detector) Observe(ctx context.Context, repos repository.Repositories, rec domain.IngestRecord, observedAt time.Time) (Observation, error) {
	offer, err := repos.Offers.Insert(ctx, domain.NewOfferFromRecord(rec, observedAt))
	if err != nil {
		return Observation{}, fmt.Errorf("failed to insert offer for %s: %w", rec.ASIN, err)
	}

	prev, err := repos.Offers.Previous(ctx, offer.ProductID, offer.ID)
	if err != nil {
		return Observation{}, fmt.Errorf("failed to load previous offer for %s: %w", rec.ASIN, err)
	}

	change, changed := domain.DetectChange(prev, offer)
	if !changed {
		return Observation{Offer: offer}, nil
	}

	entry, err := repos.History.Append(ctx, domain.NewHistoryEntry(offer, change))
	if err != nil {
		return Observation{}, fmt.Errorf("failed to append %s history for %s: %w", change, rec.ASIN, err)
	}
	return Observation{Offer: offer, History: &entry}, nil
}
