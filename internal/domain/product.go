package domain

import "time"

// Product is the current-state snapshot of a catalog item, keyed by ASIN.
type Product struct {
	ASIN      string    `json:"asin"`
	Title     string    `json:"title"`
	Brand     *string   `json:"brand,omitempty"`
	Category  *string   `json:"category,omitempty"`
	ImageURL  *string   `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProductFromRecord builds a fresh snapshot for a record observed at now.
func NewProductFromRecord(rec IngestRecord, now time.Time) Product {
	return Product{
		ASIN:      rec.ASIN,
		Title:     rec.Title,
		Brand:     cloneString(rec.Brand),
		Category:  cloneString(rec.Category),
		ImageURL:  cloneString(rec.ImageURL),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Refresh overwrites the descriptive fields from rec and bumps UpdatedAt.
// CreatedAt is left untouched.
func (p Product) Refresh(rec IngestRecord, now time.Time) Product {
	p.Title = rec.Title
	p.Brand = cloneString(rec.Brand)
	p.Category = cloneString(rec.Category)
	p.ImageURL = cloneString(rec.ImageURL)
	p.UpdatedAt = now
	return p
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
