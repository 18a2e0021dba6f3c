package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ChangeType classifies why a history entry was written.
type ChangeType string

const (
	ChangeInitial      ChangeType = "initial"
	ChangePrice        ChangeType = "price_change"
	ChangeAvailability ChangeType = "availability_change"
	ChangeOther        ChangeType = "other"
)

// ChangeTypes lists every classification in priority order.
var ChangeTypes = []ChangeType{ChangeInitial, ChangePrice, ChangeAvailability, ChangeOther}

// Valid reports whether c is one of the known classifications.
func (c ChangeType) Valid() bool {
	for _, known := range ChangeTypes {
		if c == known {
			return true
		}
	}
	return false
}

// ParseChangeType converts a stored change_type value.
func ParseChangeType(value string) (ChangeType, error) {
	c := ChangeType(value)
	if !c.Valid() {
		return "", fmt.Errorf("unknown change type %q", value)
	}
	return c, nil
}

// Offer is one immutable observation of sale terms for a product.
// ID is a monotonic sequence and breaks ties between equal ObservedAt values.
type Offer struct {
	ID           int64            `json:"id"`
	ProductID    string           `json:"product_id"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Currency     string           `json:"currency"`
	Availability *string          `json:"availability,omitempty"`
	Seller       *string          `json:"seller,omitempty"`
	ObservedAt   time.Time        `json:"observed_at"`
}

// PriceScale is the number of fractional digits a stored price keeps.
const PriceScale = 2

// NewOfferFromRecord captures the sale terms of rec. ID is assigned by storage.
// The price is rounded to PriceScale so offers compare equal before and after
// a round trip through storage.
func NewOfferFromRecord(rec IngestRecord, observedAt time.Time) Offer {
	return Offer{
		ProductID:    rec.ASIN,
		Price:        roundPrice(rec.Price),
		Currency:     rec.CurrencyOrDefault(),
		Availability: cloneString(rec.Availability),
		Seller:       cloneString(rec.Seller),
		ObservedAt:   observedAt,
	}
}

// Before orders offers by observation time, then by sequence.
func (o Offer) Before(other Offer) bool {
	if o.ObservedAt.Equal(other.ObservedAt) {
		return o.ID < other.ID
	}
	return o.ObservedAt.Before(other.ObservedAt)
}

// HistoryEntry is an append-only record of a meaningful offer change.
type HistoryEntry struct {
	ID           int64            `json:"id"`
	ProductID    string           `json:"product_id"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Currency     string           `json:"currency"`
	Availability *string          `json:"availability,omitempty"`
	Seller       *string          `json:"seller,omitempty"`
	ChangeType   ChangeType       `json:"change_type"`
	ObservedAt   time.Time        `json:"observed_at"`
}

// NewHistoryEntry copies the offer terms and tags them with change.
func NewHistoryEntry(offer Offer, change ChangeType) HistoryEntry {
	return HistoryEntry{
		ProductID:    offer.ProductID,
		Price:        cloneDecimal(offer.Price),
		Currency:     offer.Currency,
		Availability: cloneString(offer.Availability),
		Seller:       cloneString(offer.Seller),
		ChangeType:   change,
		ObservedAt:   offer.ObservedAt,
	}
}

func roundPrice(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := d.Round(PriceScale)
	return &v
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
