package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache backends understood by the cache package.
const (
	CacheRedis  = "redis"
	CacheSQLite = "sqlite"
	CacheMemory = "memory"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL          string        `yaml:"base_url"`
	ProxyURL         string        `yaml:"proxy_url"`
	Pages            int           `yaml:"pages"`
	MaxPages         int           `yaml:"max_pages"` // 0 disables the cap
	Workers          int           `yaml:"workers"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	ImageTimeout     time.Duration `yaml:"image_timeout"`
	UserAgent        string        `yaml:"user_agent"`
	RespectRobotsTxt bool          `yaml:"respect_robots_txt"`
	DataDir          string        `yaml:"data_dir"`

	CacheBackend  string `yaml:"cache_backend"`
	CacheLRUSize  int    `yaml:"cache_lru_size"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`

	ExportFile   string `yaml:"export_file"`
	ExportFormat string `yaml:"export_format"` // csv, json, or dual

	ListenAddr  string `yaml:"listen_addr"`
	APIToken    string `yaml:"api_token"`
	MetricsAddr string `yaml:"metrics_addr"`

	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUser     string `yaml:"smtp_user"`
	SMTPPassword string `yaml:"smtp_password"`
	NotifyEmail  string `yaml:"notify_email"`

	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns the defaults for the WooCommerce storefront.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://dentalstall.com/shop/page/",
		Pages:            1,
		MaxPages:         500,
		Workers:          1,
		Timeout:          10 * time.Second,
		MaxRetries:       3,
		RetryDelay:       60 * time.Second,
		ImageTimeout:     10 * time.Second,
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		RespectRobotsTxt: false,
		DataDir:          "data",
		CacheBackend:     CacheRedis,
		CacheLRUSize:     10000,
		RedisAddr:        "localhost:6379",
		SQLitePath:       "data/prices.db",
		ExportFormat:     "json",
		ListenAddr:       ":8000",
		SMTPHost:         "smtp.gmail.com",
		SMTPPort:         587,
	}
}

// PageURL returns the listing URL for a 1-based page number.
func (c *Config) PageURL(page int) string {
	return c.BaseURL + strconv.Itoa(page) + "/"
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	if c.ProxyURL != "" {
		if err := ValidateProxyURL(c.ProxyURL); err != nil {
			return err
		}
	}

	if c.Pages <= 0 {
		return fmt.Errorf("pages must be positive")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	if c.MaxPages > 0 && c.Pages > c.MaxPages {
		return fmt.Errorf("pages must not exceed max pages (%d)", c.MaxPages)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ImageTimeout <= 0 {
		return fmt.Errorf("image timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir cannot be empty")
	}

	switch c.CacheBackend {
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis addr cannot be empty for the redis cache backend")
		}
	case CacheSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path cannot be empty for the sqlite cache backend")
		}
	case CacheMemory:
	default:
		return fmt.Errorf("cache backend must be redis, sqlite, or memory")
	}
	if c.CacheLRUSize < 0 {
		return fmt.Errorf("cache lru size cannot be negative")
	}

	if c.ExportFile != "" && c.ExportFormat != "csv" && c.ExportFormat != "json" && c.ExportFormat != "dual" {
		return fmt.Errorf("export format must be csv, json, or dual")
	}
	if c.SMTPPort < 0 || c.SMTPPort > 65535 {
		return fmt.Errorf("smtp port out of range")
	}

	return nil
}

// ValidateProxyURL checks that a proxy endpoint is an absolute URL.
func ValidateProxyURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("proxy URL must include a scheme and host")
	}
	switch parsed.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}
	return nil
}

// LoadFile overlays the YAML document at path onto cfg.
// Durations use Go syntax ("10s", "1m").
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays well-known environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if v, ok := EnvString("PRODUCT_PAGE_BASE_URL"); ok {
		cfg.BaseURL = v
	}
	if v, ok := EnvString("SCRAPER_PROXY_URL"); ok {
		cfg.ProxyURL = v
	}
	if v, ok := EnvString("SCRAPER_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := EnvString("SCRAPER_CACHE_BACKEND"); ok {
		cfg.CacheBackend = strings.ToLower(v)
	}
	if v, ok := EnvString("SCRAPER_SQLITE_PATH"); ok {
		cfg.SQLitePath = v
	}
	if v, ok := EnvString("SCRAPER_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := EnvString("SCRAPER_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := EnvString("REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := EnvString("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	if v, ok := EnvString("API_SECRET_TOKEN"); ok {
		cfg.APIToken = v
	}
	if v, ok := EnvString("GMAIL_SENDER"); ok {
		cfg.SMTPUser = v
	}
	if v, ok := EnvString("GMAIL_APP_PASSWORD"); ok {
		cfg.SMTPPassword = v
	}
	if v, ok := EnvString("NOTIFICATION_EMAIL"); ok {
		cfg.NotifyEmail = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SCRAPER_PAGES", &cfg.Pages},
		{"SCRAPER_MAX_PAGES", &cfg.MaxPages},
		{"SCRAPER_WORKERS", &cfg.Workers},
		{"SCRAPER_MAX_RETRIES", &cfg.MaxRetries},
		{"SCRAPER_CACHE_LRU_SIZE", &cfg.CacheLRUSize},
		{"REDIS_DB", &cfg.RedisDB},
	}
	for _, item := range ints {
		value, ok, err := EnvInt(item.key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", item.key, err)
		}
		if ok {
			*item.dst = value
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SCRAPER_TIMEOUT", &cfg.Timeout},
		{"SCRAPER_RETRY_DELAY", &cfg.RetryDelay},
		{"SCRAPER_IMAGE_TIMEOUT", &cfg.ImageTimeout},
	}
	for _, item := range durations {
		value, ok, err := EnvDuration(item.key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", item.key, err)
		}
		if ok {
			*item.dst = value
		}
	}
	return nil
}

// EnvString returns the trimmed value of key if it is set and non-empty.
func EnvString(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer if it is set.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

// EnvDuration parses key as a time.Duration if it is set.
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}
