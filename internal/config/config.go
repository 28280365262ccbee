// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. PHANTOMFETCH_CACHE_DIR.
const EnvPrefix = "PHANTOMFETCH"

// Config holds the entire library configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Fetcher FetcherConfig `mapstructure:"fetcher" yaml:"fetcher"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Proxy   ProxyConfig   `mapstructure:"proxy" yaml:"proxy"`
	Captcha CaptchaConfig `mapstructure:"captcha" yaml:"captcha"`
}

// LoggerConfig defines all the settings for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// FetcherConfig holds orchestrator-wide defaults.
type FetcherConfig struct {
	DefaultEngine string        `mapstructure:"default_engine" yaml:"default_engine"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// HTTPConfig tunes the plain HTTP engine.
type HTTPConfig struct {
	RetryBackoffBase float64 `mapstructure:"retry_backoff_base" yaml:"retry_backoff_base"`
	RetryOn          []int   `mapstructure:"retry_on" yaml:"retry_on"`
	// RateLimit is requests per second per host. Zero disables limiting.
	RateLimit       float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst           int     `mapstructure:"burst" yaml:"burst"`
	IgnoreTLSErrors bool    `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2      bool    `mapstructure:"force_http2" yaml:"force_http2"`
}

// BrowserConfig tunes the CDP browser engine.
type BrowserConfig struct {
	CDPEndpoint           string        `mapstructure:"cdp_endpoint" yaml:"cdp_endpoint"`
	UseExistingPage       bool          `mapstructure:"use_existing_page" yaml:"use_existing_page"`
	Headless              bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors       bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavigationTimeout     time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	CaptureResponseBodies bool          `mapstructure:"capture_response_bodies" yaml:"capture_response_bodies"`
	BlockResources        []string      `mapstructure:"block_resources" yaml:"block_resources"`
	Args                  []string      `mapstructure:"args" yaml:"args"`
	Persona               PersonaConfig `mapstructure:"persona" yaml:"persona"`
}

// PersonaConfig describes the browser identity presented to sites.
type PersonaConfig struct {
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// CacheConfig controls the on-disk response cache.
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	Dir        string        `mapstructure:"dir" yaml:"dir"`
	Strategy   string        `mapstructure:"strategy" yaml:"strategy"`
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
}

// ProxyConfig lists upstream proxies and how to rotate them.
type ProxyConfig struct {
	URLs     []string `mapstructure:"urls" yaml:"urls"`
	Strategy string   `mapstructure:"strategy" yaml:"strategy"`
}

// CaptchaConfig selects the default solver provider.
type CaptchaConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "phantomfetch")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Fetcher --
	v.SetDefault("fetcher.default_engine", "http")
	v.SetDefault("fetcher.timeout", "30s")
	v.SetDefault("fetcher.max_retries", 3)

	// -- HTTP engine --
	v.SetDefault("http.retry_backoff_base", 2.0)
	v.SetDefault("http.retry_on", []int{429, 500, 502, 503, 504})
	v.SetDefault("http.rate_limit", 0.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.ignore_tls_errors", false)
	v.SetDefault("http.force_http2", true)

	// -- Browser engine --
	v.SetDefault("browser.cdp_endpoint", "")
	v.SetDefault("browser.use_existing_page", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.capture_response_bodies", true)
	v.SetDefault("browser.block_resources", []string{})
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.persona.user_agent", "")
	v.SetDefault("browser.persona.platform", "Win32")
	v.SetDefault("browser.persona.languages", []string{"en-US", "en"})
	v.SetDefault("browser.persona.timezone", "America/New_York")
	v.SetDefault("browser.persona.locale", "en-US")

	// -- Cache --
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.dir", ".phantomfetch_cache")
	v.SetDefault("cache.strategy", "resources")
	v.SetDefault("cache.default_ttl", "24h")

	// -- Proxy --
	v.SetDefault("proxy.urls", []string{})
	v.SetDefault("proxy.strategy", "round_robin")

	// -- Captcha --
	v.SetDefault("captcha.provider", "2captcha")
	v.SetDefault("captcha.api_key", "")
}

// BindEnv configures environment overrides on v using the library prefix.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// NewConfigFromViper unmarshals and validates a Config from a populated viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are read from the environment even without a config file entry.
	_ = v.BindEnv("captcha.api_key", EnvPrefix+"_CAPTCHA_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Captcha.APIKey == "" {
		cfg.Captcha.APIKey = os.Getenv(EnvPrefix + "_CAPTCHA_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Fetcher.DefaultEngine {
	case "http", "browser":
	default:
		return fmt.Errorf("fetcher.default_engine must be \"http\" or \"browser\", got %q", c.Fetcher.DefaultEngine)
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be positive")
	}
	if c.Fetcher.MaxRetries < 1 {
		return fmt.Errorf("fetcher.max_retries must be at least 1")
	}
	if c.HTTP.RetryBackoffBase <= 0 {
		return fmt.Errorf("http.retry_backoff_base must be positive")
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit must not be negative")
	}
	if c.Browser.NavigationTimeout < 0 {
		return fmt.Errorf("browser.navigation_timeout must not be negative")
	}
	if ep := c.Browser.CDPEndpoint; ep != "" && !hasAnyPrefix(ep, "ws://", "wss://", "http://", "https://") {
		return fmt.Errorf("browser.cdp_endpoint must be a ws:// or wss:// URL, got %q", ep)
	}
	switch c.Cache.Strategy {
	case "all", "resources", "conservative":
	default:
		return fmt.Errorf("cache.strategy must be one of all, resources, conservative; got %q", c.Cache.Strategy)
	}
	switch c.Proxy.Strategy {
	case "round_robin", "random", "least_failures":
	default:
		return fmt.Errorf("proxy.strategy must be one of round_robin, random, least_failures; got %q", c.Proxy.Strategy)
	}
	return nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
