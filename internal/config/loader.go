package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PRICETRAIL_DATABASE_HOST.
const EnvPrefix = "PRICETRAIL"

// legacyEnv maps keys onto the unprefixed variable names older deployments use.
var legacyEnv = map[string]string{
	"database.url":           "DATABASE_URL",
	"source.type":            "PROVIDER",
	"source.extract.api_key": "SCRAPINGBEE_API_KEY",
	"ingest.targets":         "TARGET_ASINS",
	"ingest.search_phrase":   "SEARCH_QUERY",
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"provider": "source.type",
	"targets":  "ingest.targets",
	"search":   "ingest.search_phrase",
	"refresh":  "ingest.refresh",
	"migrate":  "storage.migrate",
	"storage":  "storage.driver",
}

// RegisterFlags declares the command-line flags understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", ".", "directory containing config.yaml")
	fs.String("provider", "", "product source: sample, scraper or extract")
	fs.String("targets", "", "comma separated ASINs to ingest")
	fs.String("search", "", "search phrase for sources that support discovery")
	fs.Bool("refresh", false, "re-observe products that already exist")
	fs.Bool("migrate", true, "apply schema migrations before ingesting")
	fs.String("storage", "", "storage driver: postgres or memory")
	fs.Bool("dry-run", false, "ingest into in-memory storage; nothing is persisted")
}

// Load builds the configuration from defaults, config.yaml in configPath,
// environment variables and finally any flags explicitly set in fs.
func Load(configPath string, fs *pflag.FlagSet) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return cfg, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			flag := fs.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return cfg, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	}

	applyDatabase(v, &cfg)
	applyStorage(v, &cfg)
	applySource(v, &cfg)
	applyIngest(v, &cfg)
	applyObservability(v, &cfg)

	if fs != nil {
		if dry, err := fs.GetBool("dry-run"); err == nil && dry {
			cfg.Storage.Driver = "memory"
			cfg.Storage.Migrate = false
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run a cycle.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Source.Scraper.DelaySpread < 1 {
		return fmt.Errorf("source.scraper.delay_spread must be at least 1")
	}
	return nil
}

func applyDatabase(v *viper.Viper, cfg *Config) {
	if v.IsSet("database.url") {
		cfg.Database.URL = v.GetString("database.url")
	}
	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.max_conns") {
		cfg.Database.MaxConns = v.GetInt32("database.max_conns")
	}
}

func applyStorage(v *viper.Viper, cfg *Config) {
	if v.IsSet("storage.driver") {
		cfg.Storage.Driver = strings.ToLower(v.GetString("storage.driver"))
	}
	if v.IsSet("storage.migrate") {
		cfg.Storage.Migrate = v.GetBool("storage.migrate")
	}
}

func applySource(v *viper.Viper, cfg *Config) {
	if v.IsSet("source.type") {
		cfg.Source.Type = strings.ToLower(strings.TrimSpace(v.GetString("source.type")))
	}
	if v.IsSet("source.sample.path") {
		cfg.Source.Sample.Path = v.GetString("source.sample.path")
	}

	sc := &cfg.Source.Scraper
	if v.IsSet("source.scraper.base_url") {
		sc.BaseURL = v.GetString("source.scraper.base_url")
	}
	if v.IsSet("source.scraper.user_agent") {
		sc.UserAgent = v.GetString("source.scraper.user_agent")
	}
	if v.IsSet("source.scraper.timeout") {
		sc.Timeout = v.GetDuration("source.scraper.timeout")
	}
	if v.IsSet("source.scraper.delay_base") {
		sc.DelayBase = v.GetDuration("source.scraper.delay_base")
	}
	if v.IsSet("source.scraper.delay_spread") {
		sc.DelaySpread = v.GetInt("source.scraper.delay_spread")
	}

	ec := &cfg.Source.Extract
	if v.IsSet("source.extract.endpoint") {
		ec.Endpoint = v.GetString("source.extract.endpoint")
	}
	if v.IsSet("source.extract.api_key") {
		ec.APIKey = strings.TrimSpace(v.GetString("source.extract.api_key"))
	}
	if v.IsSet("source.extract.marketplace_url") {
		ec.MarketplaceURL = v.GetString("source.extract.marketplace_url")
	}
	if v.IsSet("source.extract.timeout") {
		ec.Timeout = v.GetDuration("source.extract.timeout")
	}
	if v.IsSet("source.extract.rate_per_second") {
		ec.RatePerSecond = v.GetFloat64("source.extract.rate_per_second")
	}
	if v.IsSet("source.extract.burst") {
		ec.Burst = v.GetInt("source.extract.burst")
	}
	if v.IsSet("source.extract.max_results") {
		ec.MaxResults = v.GetInt("source.extract.max_results")
	}
	if v.IsSet("source.extract.render_js") {
		ec.RenderJS = v.GetBool("source.extract.render_js")
	}
	if v.IsSet("source.extract.premium_proxy") {
		ec.PremiumProxy = v.GetBool("source.extract.premium_proxy")
	}
	if v.IsSet("source.extract.wait_ms") {
		ec.WaitMillis = v.GetInt("source.extract.wait_ms")
	}
	if v.IsSet("source.extract.max_retries") {
		ec.MaxRetries = v.GetInt("source.extract.max_retries")
	}
	if v.IsSet("source.extract.backoff") {
		ec.Backoff = v.GetDuration("source.extract.backoff")
	}
}

func applyIngest(v *viper.Viper, cfg *Config) {
	if v.IsSet("ingest.targets") {
		cfg.Ingest.Targets = splitList(v.Get("ingest.targets"))
	}
	if v.IsSet("ingest.targets_file") {
		cfg.Ingest.TargetsFile = v.GetString("ingest.targets_file")
	}
	if v.IsSet("ingest.search_phrase") {
		cfg.Ingest.SearchPhrase = strings.TrimSpace(v.GetString("ingest.search_phrase"))
	}
	if v.IsSet("ingest.refresh") {
		cfg.Ingest.Refresh = v.GetBool("ingest.refresh")
	}
}

func applyObservability(v *viper.Viper, cfg *Config) {
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.format") {
		cfg.Log.Format = strings.ToLower(v.GetString("log.format"))
	}
	if v.IsSet("metrics.pushgateway_url") {
		cfg.Metrics.PushgatewayURL = v.GetString("metrics.pushgateway_url")
	}
	if v.IsSet("metrics.job") {
		cfg.Metrics.Job = v.GetString("metrics.job")
	}
}

// splitList accepts either a YAML list or a comma separated string.
func splitList(raw any) []string {
	var parts []string
	switch value := raw.(type) {
	case []string:
		parts = value
	case []any:
		for _, item := range value {
			parts = append(parts, fmt.Sprint(item))
		}
	case string:
		parts = strings.Split(value, ",")
	default:
		parts = strings.Split(fmt.Sprint(value), ",")
	}

	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
