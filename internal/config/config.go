package config

import (
	"time"

	"github.com/rpattn/pricetrail/internal/db"
)

// Config is the full runtime configuration of the ingestor.
type Config struct {
	Database db.Config
	Storage  StorageConfig
	Source   SourceConfig
	Ingest   IngestConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Driver  string // postgres | memory
	Migrate bool   // apply embedded migrations before the cycle
}

// SourceConfig selects one product source and carries the settings of every variant.
type SourceConfig struct {
	Type    string // sample | scraper | extract
	Sample  SampleConfig
	Scraper ScraperConfig
	Extract ExtractConfig
}

// SampleConfig configures the static dataset source.
type SampleConfig struct {
	Path string // .json, .yaml, .csv or .xlsx
}

// ScraperConfig configures the page scraping source.
type ScraperConfig struct {
	BaseURL     string
	UserAgent   string
	Timeout     time.Duration
	DelayBase   time.Duration // minimum pause between pages
	DelaySpread int           // pause is DelayBase + (i % DelaySpread) seconds
}

// ExtractConfig configures the AI extraction service source.
type ExtractConfig struct {
	Endpoint       string
	APIKey         string
	MarketplaceURL string
	Timeout        time.Duration
	RatePerSecond  float64
	Burst          int
	MaxResults     int
	RenderJS       bool
	PremiumProxy   bool
	WaitMillis     int
	MaxRetries     int
	Backoff        time.Duration
}

// IngestConfig describes what a cycle should ingest.
type IngestConfig struct {
	Targets      []string
	TargetsFile  string
	SearchPhrase string
	Refresh      bool
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string
	Format string // text | json
}

// MetricsConfig configures the optional Pushgateway export.
type MetricsConfig struct {
	PushgatewayURL string
	Job            string
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Database: db.DefaultConfig(),
		Storage: StorageConfig{
			Driver:  "postgres",
			Migrate: true,
		},
		Source: SourceConfig{
			Type: "sample",
			Sample: SampleConfig{
				Path: "samples/products.json",
			},
			Scraper: ScraperConfig{
				BaseURL:     "https://www.amazon.com",
				UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				Timeout:     30 * time.Second,
				DelayBase:   3 * time.Second,
				DelaySpread: 3,
			},
			Extract: ExtractConfig{
				Endpoint:       "https://app.scrapingbee.com/api/v1/",
				MarketplaceURL: "https://www.amazon.com",
				Timeout:        90 * time.Second,
				RatePerSecond:  1,
				Burst:          1,
				MaxResults:     15,
				RenderJS:       true,
				PremiumProxy:   true,
				WaitMillis:     2000,
				MaxRetries:     2,
				Backoff:        500 * time.Millisecond,
			},
		},
		Ingest: IngestConfig{
			TargetsFile: "samples/asins.txt",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Job: "pricetrail_ingestor",
		},
	}
}
