// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SCRAPEGATE_SERVER_PORT.
const EnvPrefix = "SCRAPEGATE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Backend BackendConfig `mapstructure:"backend"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Reports ReportsConfig `mapstructure:"reports"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
	// APIKey enables X-API-Key authentication when set.
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s,max=10m"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// BackendConfig selects and tunes the outbound scraping backend.
type BackendConfig struct {
	Kind     string         `mapstructure:"kind" validate:"oneof=unlocker direct"`
	Unlocker UnlockerConfig `mapstructure:"unlocker"`
	Direct   DirectConfig   `mapstructure:"direct"`
}

// UnlockerConfig configures the hosted scraping API.
type UnlockerConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Token   string        `mapstructure:"token"`
	Actor   string        `mapstructure:"actor"`
	Timeout time.Duration `mapstructure:"timeout" validate:"min=1s,max=10m"`
}

// DirectConfig configures the self-hosted colly/chromedp backend.
type DirectConfig struct {
	// ISPProxyURL may contain {country}, replaced by the lowercase tier country.
	ISPProxyURL         string        `mapstructure:"isp_proxy_url"`
	ResidentialProxyURL string        `mapstructure:"residential_proxy_url"`
	UserAgent           string        `mapstructure:"user_agent"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"min=1s,max=10m"`
	TLSFingerprint      string        `mapstructure:"tls_fingerprint" validate:"omitempty,oneof=chrome"`
	RenderHTML          string        `mapstructure:"render_html" validate:"omitempty,oneof=never auto always"`
	PromotionThreshold  int           `mapstructure:"promotion_threshold" validate:"min=0"`
	Browser             BrowserConfig `mapstructure:"browser"`
}

// BrowserConfig configures headless Chrome.
type BrowserConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel" validate:"min=1,max=64"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" validate:"min=1s"`
	Settle            time.Duration `mapstructure:"settle"`
	ExecPath          string        `mapstructure:"exec_path"`
}

// ProxyConfig shapes the fallback chain and its circuit breakers.
type ProxyConfig struct {
	DefaultCountry  string        `mapstructure:"default_country" validate:"omitempty,len=2,alpha"`
	FallbackCountry string        `mapstructure:"fallback_country" validate:"omitempty,len=2,alpha"`
	Residential     bool          `mapstructure:"residential"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the per-tier circuit breakers.
type BreakerConfig struct {
	Window         time.Duration `mapstructure:"window"`
	Cooldown       time.Duration `mapstructure:"cooldown" validate:"min=1s"`
	MinRequests    uint32        `mapstructure:"min_requests" validate:"min=1"`
	FailureRatio   float64       `mapstructure:"failure_ratio" validate:"gt=0,lte=1"`
	HalfOpenProbes uint32        `mapstructure:"half_open_probes" validate:"min=1"`
}

// QueueConfig controls outbound request pacing.
type QueueConfig struct {
	Workers     int           `mapstructure:"workers" validate:"min=1,max=256"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	Depth       int           `mapstructure:"depth" validate:"min=1"`
}

// RetryConfig bounds per-tier retries of transient failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"min=1ms"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"min=1ms"`
}

// ReportsConfig governs the accessibility report pipeline.
type ReportsConfig struct {
	Workers         int           `mapstructure:"workers" validate:"min=1,max=64"`
	QueueDepth      int           `mapstructure:"queue_depth" validate:"min=1"`
	JobTTL          time.Duration `mapstructure:"job_ttl" validate:"min=1m"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval" validate:"min=1s"`
	JobTimeout      time.Duration `mapstructure:"job_timeout" validate:"min=1s"`
	BlobPrefix      string        `mapstructure:"blob_prefix"`
}

// StorageConfig selects where report artifacts are written.
type StorageConfig struct {
	Backend string      `mapstructure:"backend" validate:"oneof=memory local gcs r2"`
	Local   LocalConfig `mapstructure:"local"`
	GCS     GCSConfig   `mapstructure:"gcs"`
	R2      R2Config    `mapstructure:"r2"`
}

// LocalConfig configures the filesystem blob store.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig configures the Cloud Storage blob store.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// R2Config configures the Cloudflare R2 blob store.
type R2Config struct {
	AccountID       string `mapstructure:"account_id"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	PublicBaseURL   string `mapstructure:"public_base_url" validate:"omitempty,url"`
}

// DBConfig controls the optional attempt audit log.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"min=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"min=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for report notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from defaults, an optional file, and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "2m")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("backend.kind", "unlocker")
	v.SetDefault("backend.unlocker.base_url", "https://api.scrapeless.com")
	v.SetDefault("backend.unlocker.token", "")
	v.SetDefault("backend.unlocker.actor", "unlocker.webunlocker")
	v.SetDefault("backend.unlocker.timeout", "90s")
	v.SetDefault("backend.direct.isp_proxy_url", "")
	v.SetDefault("backend.direct.residential_proxy_url", "")
	v.SetDefault("backend.direct.user_agent", "")
	v.SetDefault("backend.direct.timeout", "30s")
	v.SetDefault("backend.direct.tls_fingerprint", "")
	v.SetDefault("backend.direct.render_html", "auto")
	v.SetDefault("backend.direct.promotion_threshold", 2048)
	v.SetDefault("backend.direct.browser.enabled", true)
	v.SetDefault("backend.direct.browser.max_parallel", 2)
	v.SetDefault("backend.direct.browser.navigation_timeout", "45s")
	v.SetDefault("backend.direct.browser.settle", "1s")
	v.SetDefault("backend.direct.browser.exec_path", "")

	v.SetDefault("proxy.default_country", "US")
	v.SetDefault("proxy.fallback_country", "US")
	v.SetDefault("proxy.residential", true)
	v.SetDefault("proxy.breaker.window", "1m")
	v.SetDefault("proxy.breaker.cooldown", "30s")
	v.SetDefault("proxy.breaker.min_requests", 5)
	v.SetDefault("proxy.breaker.failure_ratio", 0.5)
	v.SetDefault("proxy.breaker.half_open_probes", 1)

	v.SetDefault("queue.workers", 1)
	v.SetDefault("queue.min_interval", "1s")
	v.SetDefault("queue.depth", 256)

	v.SetDefault("retry.max_attempts", 2)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "5s")

	v.SetDefault("reports.workers", 2)
	v.SetDefault("reports.queue_depth", 64)
	v.SetDefault("reports.job_ttl", "1h")
	v.SetDefault("reports.janitor_interval", "1m")
	v.SetDefault("reports.job_timeout", "5m")
	v.SetDefault("reports.blob_prefix", "")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local.base_dir", "./data/reports")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.r2.account_id", "")
	v.SetDefault("storage.r2.endpoint", "")
	v.SetDefault("storage.r2.access_key_id", "")
	v.SetDefault("storage.r2.secret_access_key", "")
	v.SetDefault("storage.r2.bucket", "")
	v.SetDefault("storage.r2.prefix", "")
	v.SetDefault("storage.r2.public_base_url", "")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "scrape_attempts")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate enforces field constraints, then rules spanning several fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		errs := make([]error, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			key := strings.TrimPrefix(fe.Namespace(), "Config.")
			errs = append(errs, fmt.Errorf("%s fails %q (got %v)", key, fe.ActualTag(), fe.Value()))
		}
		return errors.Join(errs...)
	}
	return c.validateCombinations()
}

func (c Config) validateCombinations() error {
	if c.Backend.Kind == "unlocker" {
		if c.Backend.Unlocker.BaseURL == "" {
			return fmt.Errorf("backend.unlocker.base_url must be set for the unlocker backend")
		}
		if c.Backend.Unlocker.Token == "" {
			return fmt.Errorf("backend.unlocker.token must be set for the unlocker backend")
		}
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	if c.Proxy.DefaultCountry == "" && c.Proxy.FallbackCountry == "" && !c.Proxy.Residential {
		return fmt.Errorf("proxy chain is empty: set a country or enable proxy.residential")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	case "r2":
		r2 := c.Storage.R2
		if r2.Bucket == "" || r2.AccessKeyID == "" || r2.SecretAccessKey == "" {
			return fmt.Errorf("storage.r2 bucket, access_key_id and secret_access_key must be set")
		}
		if r2.AccountID == "" && r2.Endpoint == "" {
			return fmt.Errorf("storage.r2.account_id or storage.r2.endpoint must be set")
		}
	}
	if c.DB.DSN != "" && c.DB.MinConns > c.DB.MaxConns && c.DB.MaxConns > 0 {
		return fmt.Errorf("db.min_conns must be <= db.max_conns")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}

// AuthEnabled reports whether API requests must carry X-API-Key.
func (c Config) AuthEnabled() bool {
	return c.Server.APIKey != ""
}
