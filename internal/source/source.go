// Package source turns an ingestion request into normalized product records.
//
// Every variant implements Source. The variant is chosen once at start-up
// from configuration; see NewFromConfig.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rpattn/pricetrail/internal/config"
	"github.com/rpattn/pricetrail/internal/domain"
)

// ErrUnknownProvider is returned for a source type outside the known set.
var ErrUnknownProvider = errors.New("unknown product source")

// Request names what to fetch. Either field may be empty.
type Request struct {
	Identifiers  []string
	SearchPhrase string
}

// Source produces a finite, unordered batch of records for a request.
// Per-record failures are logged and skipped; an error return means the
// whole fetch failed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, req Request) ([]domain.IngestRecord, error)
}

// FailureRecorder counts records a source had to skip.
type FailureRecorder interface {
	SourceError(source, reason string)
}

type noopRecorder struct{}

func (noopRecorder) SourceError(string, string) {}

// NewFromConfig builds the source selected by cfg.Type.
func NewFromConfig(cfg config.SourceConfig, logger *slog.Logger, failures FailureRecorder) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if failures == nil {
		failures = noopRecorder{}
	}

	switch cfg.Type {
	case "sample", "mock":
		return NewSampleSource(cfg.Sample, logger, failures), nil
	case "scraper":
		return NewScraperSource(cfg.Scraper, logger, failures), nil
	case "extract", "scrapingbee":
		return NewExtractSource(cfg.Extract, logger, failures), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Type)
	}
}

// identifierSet returns ids as a set, or nil when ids is empty.
func identifierSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
