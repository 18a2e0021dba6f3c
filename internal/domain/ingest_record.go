package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// DefaultCurrency is assumed when a source does not report one.
	DefaultCurrency = "USD"

	// MinTitleLength is the shortest title accepted as a real extraction.
	MinTitleLength = 5
)

var (
	// ErrInvalidIdentifier is returned for identifiers that are not 10 upper-case alphanumerics.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrMissingTitle is returned when a record has no usable title.
	ErrMissingTitle = errors.New("missing or too short title")

	identifierPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	nonPriceChars     = regexp.MustCompile(`[^\d.]`)

	identifierURLPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/dp/([A-Z0-9]{10})`),
		regexp.MustCompile(`/gp/product/([A-Z0-9]{10})`),
		regexp.MustCompile(`/product/([A-Z0-9]{10})`),
		regexp.MustCompile(`/([A-Z0-9]{10})(?:[/?]|$)`),
	}
)

// IngestRecord is the normalized output of a product source for one product.
// It is never persisted directly.
type IngestRecord struct {
	ASIN         string           `json:"asin"`
	Title        string           `json:"title"`
	Brand        *string          `json:"brand,omitempty"`
	Category     *string          `json:"category,omitempty"`
	ImageURL     *string          `json:"image_url,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Currency     string           `json:"currency,omitempty"`
	Availability *string          `json:"availability,omitempty"`
	Seller       *string          `json:"seller,omitempty"`
}

// CurrencyOrDefault returns the record currency, falling back to USD.
func (r IngestRecord) CurrencyOrDefault() string {
	if c := strings.ToUpper(strings.TrimSpace(r.Currency)); c != "" {
		return c
	}
	return DefaultCurrency
}

// Validate checks the fields every source must provide.
func (r IngestRecord) Validate() error {
	if !ValidIdentifier(r.ASIN) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, r.ASIN)
	}
	if len(strings.TrimSpace(r.Title)) < MinTitleLength {
		return fmt.Errorf("%w for %s", ErrMissingTitle, r.ASIN)
	}
	return nil
}

// ValidIdentifier reports whether s is a well-formed ASIN.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// NormalizeIdentifier trims and upper-cases s.
func NormalizeIdentifier(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// IdentifierFromURL extracts the ASIN from a product link. Relative links are
// accepted. The empty string is returned when no pattern matches.
func IdentifierFromURL(link string) string {
	for _, pattern := range identifierURLPatterns {
		if m := pattern.FindStringSubmatch(link); m != nil {
			return m[1]
		}
	}
	return ""
}

// ParsePrice strips everything but digits and dots from text and parses the
// rest. Unparsable input yields nil rather than an error.
func ParsePrice(text string) *decimal.Decimal {
	cleaned := nonPriceChars.ReplaceAllString(text, "")
	if cleaned == "" {
		return nil
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return nil
	}
	return &d
}

// OptionalString returns nil for blank input and a trimmed copy otherwise.
func OptionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
