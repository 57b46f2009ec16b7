package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy" mapstructure:"taxonomy"`
	Mapping    MappingConfig    `yaml:"mapping" mapstructure:"mapping"`
	Classify   ClassifyConfig   `yaml:"classify" mapstructure:"classify"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// TaxonomyConfig configures how the economic-activity code source is parsed.
type TaxonomyConfig struct {
	TypeFilter string `yaml:"type_filter" mapstructure:"type_filter"`
	CodeWidth  int    `yaml:"code_width" mapstructure:"code_width"`
	Delimiter  string `yaml:"delimiter" mapstructure:"delimiter"`
	HasHeader  bool   `yaml:"has_header" mapstructure:"has_header"`
	Charset    string `yaml:"charset" mapstructure:"charset"`
	SheetName  string `yaml:"sheet_name" mapstructure:"sheet_name"`
}

// MappingConfig configures the code-to-category mapping table.
type MappingConfig struct {
	InheritDecay float64 `yaml:"inherit_decay" mapstructure:"inherit_decay"`
}

// ClassifyConfig configures the classification engine and batch runner.
type ClassifyConfig struct {
	MinConfidence  float64  `yaml:"min_confidence" mapstructure:"min_confidence"`
	ExcludedCodes  []string `yaml:"excluded_codes" mapstructure:"excluded_codes"`
	PageSize       int      `yaml:"page_size" mapstructure:"page_size"`
	RetryPageSize  int      `yaml:"retry_page_size" mapstructure:"retry_page_size"`
	WriteMode      string   `yaml:"write_mode" mapstructure:"write_mode"`
	Concurrency    int      `yaml:"concurrency" mapstructure:"concurrency"`
	BatchDelayMs   int      `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
	PageTimeoutSec int      `yaml:"page_timeout_secs" mapstructure:"page_timeout_secs"`
}

// BatchDelay returns the configured pause between pages.
func (c ClassifyConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// PageTimeout returns the configured per-page deadline.
func (c ClassifyConfig) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSec) * time.Second
}

// RetryConfig configures per-page retry attempts.
type RetryConfig struct {
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`
	DelayMs    int `yaml:"delay_ms" mapstructure:"delay_ms"`
}

// FetchConfig configures remote taxonomy downloads.
type FetchConfig struct {
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures run-health alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RetryQueueThreshold  int     `yaml:"retry_queue_threshold" mapstructure:"retry_queue_threshold"`
	StaleRunHours        int     `yaml:"stale_run_hours" mapstructure:"stale_run_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BIZDIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("taxonomy.type_filter", "economic-activity")
	v.SetDefault("taxonomy.code_width", 4)
	v.SetDefault("taxonomy.delimiter", ",")
	v.SetDefault("taxonomy.has_header", true)
	v.SetDefault("taxonomy.charset", "utf-8")
	v.SetDefault("taxonomy.sheet_name", "")
	v.SetDefault("mapping.inherit_decay", 0.8)
	v.SetDefault("classify.min_confidence", 0.5)
	v.SetDefault("classify.excluded_codes", []string{})
	v.SetDefault("classify.page_size", 1000)
	v.SetDefault("classify.retry_page_size", 50)
	v.SetDefault("classify.write_mode", "batch")
	v.SetDefault("classify.concurrency", 20)
	v.SetDefault("classify.batch_delay_ms", 100)
	v.SetDefault("classify.page_timeout_secs", 30)
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.delay_ms", 500)
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.user_agent", "bizdir-cli/1.0")
	v.SetDefault("fetch.rate_limit", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.retry_queue_threshold", 50)
	v.SetDefault("monitoring.stale_run_hours", 6)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "classify",
// "import", "report", "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "classify":
		problems = append(problems, c.validateStore()...)
		problems = append(problems, c.validateClassify()...)
	case "import", "report":
		problems = append(problems, c.validateStore()...)
	case "serve":
		problems = append(problems, c.validateStore()...)
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Taxonomy.CodeWidth != 0 && c.Taxonomy.CodeWidth < 3 {
		problems = append(problems, "taxonomy.code_width must be 0 or at least 3")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		problems = append(problems, "monitoring.failure_rate_threshold must be between 0 and 1")
	}
	if c.Mapping.InheritDecay < 0 || c.Mapping.InheritDecay > 1 {
		problems = append(problems, "mapping.inherit_decay must be between 0 and 1")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var problems []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	return problems
}

func (c *Config) validateClassify() []string {
	var problems []string
	if c.Classify.MinConfidence < 0 || c.Classify.MinConfidence > 1 {
		problems = append(problems, "classify.min_confidence must be between 0 and 1")
	}
	if c.Classify.PageSize <= 0 {
		problems = append(problems, "classify.page_size must be > 0")
	}
	if c.Classify.RetryPageSize <= 0 {
		problems = append(problems, "classify.retry_page_size must be > 0")
	}
	if c.Classify.Concurrency < 1 || c.Classify.Concurrency > 50 {
		problems = append(problems, "classify.concurrency must be between 1 and 50")
	}
	if c.Classify.WriteMode != "batch" && c.Classify.WriteMode != "record" {
		problems = append(problems, fmt.Sprintf("classify.write_mode must be batch or record, got %q", c.Classify.WriteMode))
	}
	if c.Retry.MaxRetries < 0 {
		problems = append(problems, "retry.max_retries must be >= 0")
	}
	return problems
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
