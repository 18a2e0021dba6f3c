package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/rpattn/pricetrail/internal/config"
	"github.com/rpattn/pricetrail/internal/domain"
	"github.com/rpattn/pricetrail/internal/middleware"
)

// ScraperSource fetches product pages directly and extracts fields with
// prioritized selectors. Pages are fetched one at a time with a pause in
// between. Searching by phrase is not supported.
type ScraperSource struct {
	cfg      config.ScraperConfig
	logger   *slog.Logger
	failures FailureRecorder
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewScraperSource creates a page scraping source.
func NewScraperSource(cfg config.ScraperConfig, logger *slog.Logger, failures FailureRecorder) *ScraperSource {
	return &ScraperSource{
		cfg:      cfg,
		logger:   logger.With("source", "scraper"),
		failures: failures,
		sleep:    sleepContext,
	}
}

func (s *ScraperSource) Name() string { return "scraper" }

// Fetch scrapes one page per identifier. A page that fails to load or lacks
// a usable title is skipped.
func (s *ScraperSource) Fetch(ctx context.Context, req Request) ([]domain.IngestRecord, error) {
	if len(req.Identifiers) == 0 {
		if req.SearchPhrase != "" {
			s.logger.Info("search is not supported by the scraper; nothing to fetch")
		}
		return nil, nil
	}

	c := s.collector(ctx)

	var records []domain.IngestRecord
	c.OnHTML("html", func(e *colly.HTMLElement) {
		asin := e.Request.Ctx.Get("asin")
		fields := extractPage(e)
		rec := fields.record(asin)
		if err := rec.Validate(); err != nil {
			s.logger.Warn("skipping page without usable product data", "asin", asin, "error", err)
			s.failures.SourceError(s.Name(), "invalid_record")
			return
		}
		records = append(records, rec)
	})

	for i, asin := range req.Identifiers {
		if i > 0 {
			if err := s.sleep(ctx, s.pause(i)); err != nil {
				return records, err
			}
		}

		pageCtx := colly.NewContext()
		pageCtx.Put("asin", asin)
		pageURL := s.productURL(asin)

		if err := c.Request(http.MethodGet, pageURL, nil, pageCtx, nil); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return records, ctxErr
			}
			s.logger.Warn("failed to fetch product page", "asin", asin, "url", pageURL, "error", err)
			s.failures.SourceError(s.Name(), "fetch_failed")
			continue
		}
	}

	s.logger.Info("scrape finished", "requested", len(req.Identifiers), "extracted", len(records))
	return records, nil
}

func (s *ScraperSource) collector(ctx context.Context) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(s.cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	c.WithTransport(middleware.LoggingTransport(newTransport(), s.logger))
	if s.cfg.Timeout > 0 {
		c.SetRequestTimeout(s.cfg.Timeout)
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.5")
		r.Headers.Set("DNT", "1")
		r.Headers.Set("Upgrade-Insecure-Requests", "1")
	})

	return c
}

func (s *ScraperSource) productURL(asin string) string {
	return fmt.Sprintf("%s/dp/%s", strings.TrimRight(s.cfg.BaseURL, "/"), asin)
}

// pause grows with the page index modulo the spread.
func (s *ScraperSource) pause(i int) time.Duration {
	d := s.cfg.DelayBase
	if s.cfg.DelaySpread > 0 {
		d += time.Duration(i%s.cfg.DelaySpread) * time.Second
	}
	return d
}

func (f pageFields) record(asin string) domain.IngestRecord {
	return domain.IngestRecord{
		ASIN:         asin,
		Title:        f.Title,
		Brand:        domain.OptionalString(f.Brand),
		Category:     domain.OptionalString(f.Category),
		ImageURL:     domain.OptionalString(f.ImageURL),
		Price:        domain.ParsePrice(f.PriceText),
		Currency:     domain.DefaultCurrency,
		Availability: domain.OptionalString(f.Availability),
		Seller:       domain.OptionalString(f.Seller),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
