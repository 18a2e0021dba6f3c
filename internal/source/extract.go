package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rpattn/pricetrail/internal/config"
	"github.com/rpattn/pricetrail/internal/domain"
)

const (
	maxErrorBody    = 200
	maxBackoff      = 10 * time.Second
	productAIQuery  = "Extract product details including title, price, brand, category, availability, seller, and main product image URL"
	searchAIQueryFm = "Extract the first %d products with their names, prices, ASINs, brands, categories, availability, sellers, and product image URLs"
)

type extractRule struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

var productRules = map[string]extractRule{
	"title":        {"string", "The full product title as displayed on the page"},
	"price":        {"string", "The current price of the product in USD format (e.g., '$29.99' or '29.99')"},
	"brand":        {"string", "The brand or manufacturer name of the product"},
	"category":     {"string", "The product category from breadcrumbs (e.g., 'Electronics', 'Video Games')"},
	"availability": {"string", "The availability status (e.g., 'In Stock', 'Out of Stock', 'Available')"},
	"seller":       {"string", "The seller information (usually 'Amazon.com' or merchant name)"},
	"image_url":    {"string", "The main product image URL"},
}

var searchRules = map[string]extractRule{
	"product_name":         {"list", "The full product name/title as displayed on the search results page"},
	"product_price":        {"list", "The price of each product in USD format"},
	"product_link":         {"list", "The URL or path to the product page (can be relative or absolute)"},
	"product_brand":        {"list", "The brand name for each product if available"},
	"product_category":     {"list", "The category for each product if visible"},
	"product_availability": {"list", "The availability status for each product"},
	"product_image":        {"list", "The product image URL for each item"},
}

// productPayload is the extraction result for a single product page.
type productPayload struct {
	Title        string `json:"title"`
	Price        string `json:"price"`
	Brand        string `json:"brand"`
	Category     string `json:"category"`
	Availability string `json:"availability"`
	Seller       string `json:"seller"`
	ImageURL     string `json:"image_url"`
}

// searchPayload holds parallel lists, one entry per search result.
type searchPayload struct {
	Names          []string `json:"product_name"`
	Prices         []string `json:"product_price"`
	Links          []string `json:"product_link"`
	Brands         []string `json:"product_brand"`
	Categories     []string `json:"product_category"`
	Availabilities []string `json:"product_availability"`
	Images         []string `json:"product_image"`
}

// ExtractSource delegates page rendering and field extraction to a remote
// extraction service. Calls are rate limited and retried on transient
// failures.
type ExtractSource struct {
	cfg      config.ExtractConfig
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	failures FailureRecorder
}

// NewExtractSource creates an extraction service source.
func NewExtractSource(cfg config.ExtractConfig, logger *slog.Logger, failures FailureRecorder) *ExtractSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 15
	}
	logger = logger.With("source", "extract")
	return &ExtractSource{
		cfg:      cfg,
		client:   newHTTPClient(timeout, logger),
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
		failures: failures,
	}
}

func (s *ExtractSource) Name() string { return "extract" }

// Fetch runs the search (if any) and then one extraction per identifier.
// Without an API key nothing is fetched.
func (s *ExtractSource) Fetch(ctx context.Context, req Request) ([]domain.IngestRecord, error) {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		s.logger.Warn("extraction service API key is not configured; nothing to fetch")
		return nil, nil
	}

	var records []domain.IngestRecord

	if phrase := strings.TrimSpace(req.SearchPhrase); phrase != "" {
		found, err := s.search(ctx, phrase)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.logger.Warn("search extraction failed", "phrase", phrase, "error", err)
			s.failures.SourceError(s.Name(), "search_failed")
		}
		s.logger.Info("search extraction finished", "phrase", phrase, "found", len(found))
		records = append(records, found...)
	}

	for i, asin := range req.Identifiers {
		rec, err := s.product(ctx, asin)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return records, ctxErr
			}
			s.logger.Warn("product extraction failed", "asin", asin, "position", i+1, "error", err)
			s.failures.SourceError(s.Name(), "fetch_failed")
			continue
		}
		if err := rec.Validate(); err != nil {
			s.logger.Warn("skipping product without usable data", "asin", asin, "error", err)
			s.failures.SourceError(s.Name(), "invalid_record")
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

func (s *ExtractSource) product(ctx context.Context, asin string) (domain.IngestRecord, error) {
	target := fmt.Sprintf("%s/dp/%s", strings.TrimRight(s.cfg.MarketplaceURL, "/"), asin)

	var payload productPayload
	if err := s.call(ctx, target, productAIQuery, productRules, &payload); err != nil {
		return domain.IngestRecord{}, err
	}

	availability := strings.TrimSpace(payload.Availability)
	if availability == "" {
		availability = defaultAvailability
	}
	seller := strings.TrimSpace(payload.Seller)
	if seller == "" {
		seller = defaultSeller
	}

	return domain.IngestRecord{
		ASIN:         asin,
		Title:        strings.TrimSpace(payload.Title),
		Brand:        domain.OptionalString(payload.Brand),
		Category:     domain.OptionalString(payload.Category),
		ImageURL:     domain.OptionalString(payload.ImageURL),
		Price:        domain.ParsePrice(payload.Price),
		Currency:     domain.DefaultCurrency,
		Availability: &availability,
		Seller:       &seller,
	}, nil
}

func (s *ExtractSource) search(ctx context.Context, phrase string) ([]domain.IngestRecord, error) {
	target := fmt.Sprintf("%s/s?k=%s", strings.TrimRight(s.cfg.MarketplaceURL, "/"), url.QueryEscape(phrase))

	var payload searchPayload
	if err := s.call(ctx, target, fmt.Sprintf(searchAIQueryFm, s.cfg.MaxResults), searchRules, &payload); err != nil {
		return nil, err
	}

	n := len(payload.Names)
	if n > s.cfg.MaxResults {
		n = s.cfg.MaxResults
	}

	records := make([]domain.IngestRecord, 0, n)
	for i := 0; i < n; i++ {
		asin := domain.IdentifierFromURL(at(payload.Links, i))
		if asin == "" {
			continue
		}

		title := strings.TrimSpace(payload.Names[i])
		if title == "" {
			title = fmt.Sprintf("Product %d", i+1)
		}
		availability := at(payload.Availabilities, i)
		if availability == "" {
			availability = defaultAvailability
		}
		seller := defaultSeller

		rec := domain.IngestRecord{
			ASIN:         asin,
			Title:        title,
			Brand:        domain.OptionalString(at(payload.Brands, i)),
			Category:     domain.OptionalString(at(payload.Categories, i)),
			ImageURL:     domain.OptionalString(at(payload.Images, i)),
			Price:        domain.ParsePrice(at(payload.Prices, i)),
			Currency:     domain.DefaultCurrency,
			Availability: &availability,
			Seller:       &seller,
		}
		if err := rec.Validate(); err != nil {
			s.failures.SourceError(s.Name(), "invalid_record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// call asks the service to render target and decode the extraction into out.
func (s *ExtractSource) call(ctx context.Context, target, query string, rules map[string]extractRule, out any) error {
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("failed to encode extraction rules: %w", err)
	}

	params := url.Values{}
	params.Set("api_key", s.cfg.APIKey)
	params.Set("url", target)
	params.Set("ai_query", query)
	params.Set("ai_extract_rules", string(rulesJSON))
	params.Set("render_js", strconv.FormatBool(s.cfg.RenderJS))
	params.Set("premium_proxy", strconv.FormatBool(s.cfg.PremiumProxy))
	params.Set("block_resources", "false")
	if s.cfg.WaitMillis > 0 {
		params.Set("wait", strconv.Itoa(s.cfg.WaitMillis))
	}
	endpoint := s.cfg.Endpoint + "?" + params.Encode()

	var body []byte
	err = retry(ctx, s.cfg.MaxRetries+1, s.cfg.Backoff, maxBackoff, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("malformed extraction payload: %w", err)
	}
	return nil
}

func at(values []string, i int) string {
	if i < len(values) {
		return strings.TrimSpace(values[i])
	}
	return ""
}
