package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/proxy-probe/internal/browser"
)

type Config struct {
	Server   ServerConfig
	Probe    ProbeConfig
	Browser  BrowserConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Report   ReportConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type ProbeConfig struct {
	Domains        []string
	Proxies        []string
	Variant        string
	Concurrency    int
	CheckEvery     int
	MaxListings    int
	MaxPages       int
	VisitDetails   bool
	SessionTimeout time.Duration
	RateLimitMin   time.Duration
	RateLimitMax   time.Duration
	RulesFile      string
	MaxPerPage     int
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	UserAgent      string
	RodBin         string
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

type RedisConfig struct {
	Enabled       bool
	Addr          string
	Password      string
	DB            int
	RelayInterval time.Duration
	RelayBatch    int
}

type ReportConfig struct {
	Dir string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("SERVER_ALLOWED_ORIGINS", []string{"*"}),
		},
		Probe: ProbeConfig{
			Domains:        getStringSliceOrDefault("PROBE_DOMAINS", []string{}),
			Proxies:        getStringSliceOrDefault("PROBE_PROXIES", []string{}),
			Variant:        getEnvOrDefault("PROBE_VARIANT", browser.EnginePlaywright),
			Concurrency:    getIntOrDefault("PROBE_CONCURRENCY", 2),
			CheckEvery:     getIntOrDefault("PROBE_CHECK_EVERY", 3),
			MaxListings:    getIntOrDefault("PROBE_MAX_LISTINGS", 30),
			MaxPages:       getIntOrDefault("PROBE_MAX_PAGES", 10),
			VisitDetails:   getBoolOrDefault("PROBE_VISIT_DETAILS", false),
			SessionTimeout: getDurationOrDefault("PROBE_SESSION_TIMEOUT", 5*time.Minute),
			RateLimitMin:   getDurationOrDefault("PROBE_RATE_LIMIT_MIN", time.Second),
			RateLimitMax:   getDurationOrDefault("PROBE_RATE_LIMIT_MAX", 3*time.Second),
			RulesFile:      getEnvOrDefault("PROBE_RULES_FILE", ""),
			MaxPerPage:     getIntOrDefault("PROBE_MAX_PER_PAGE", 10),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "en-US,en;q=0.9"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "America/New_York"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "en-US"),
			UserAgent:      getEnvOrDefault("BROWSER_USER_AGENT", ""),
			RodBin:         getEnvOrDefault("BROWSER_ROD_BIN", ""),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolOrDefault("DB_ENABLED", false),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "proxy_probe"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Enabled:       getBoolOrDefault("REDIS_ENABLED", false),
			Addr:          getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:      getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:            getIntOrDefault("REDIS_DB", 0),
			RelayInterval: getDurationOrDefault("REDIS_RELAY_INTERVAL", 2*time.Second),
			RelayBatch:    getIntOrDefault("REDIS_RELAY_BATCH", 100),
		},
		Report: ReportConfig{
			Dir: getEnvOrDefault("REPORT_DIR", "reports"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Probe.Concurrency < 1 {
		return fmt.Errorf("PROBE_CONCURRENCY must be at least 1")
	}

	if c.Probe.CheckEvery < 1 {
		return fmt.Errorf("PROBE_CHECK_EVERY must be at least 1")
	}

	if c.Probe.MaxListings < 0 || c.Probe.MaxPages < 0 {
		return fmt.Errorf("PROBE_MAX_LISTINGS and PROBE_MAX_PAGES cannot be negative")
	}

	if c.Probe.RateLimitMin > c.Probe.RateLimitMax {
		return fmt.Errorf("PROBE_RATE_LIMIT_MIN cannot be greater than PROBE_RATE_LIMIT_MAX")
	}

	switch c.Probe.Variant {
	case browser.EnginePlaywright, browser.EngineRod:
	default:
		return fmt.Errorf("PROBE_VARIANT must be %q or %q, got %q", browser.EnginePlaywright, browser.EngineRod, c.Probe.Variant)
	}

	if c.Redis.Enabled && !c.Database.Enabled {
		return fmt.Errorf("REDIS_ENABLED requires DB_ENABLED: events are relayed from the outbox")
	}

	return nil
}

// BrowserOptions maps the browser section onto engine options.
func (c *Config) BrowserOptions() *browser.Options {
	opts := browser.DefaultOptions()
	opts.Headless = c.Browser.Headless
	opts.Timeout = c.Browser.Timeout
	opts.ViewportWidth = c.Browser.ViewportWidth
	opts.ViewportHeight = c.Browser.ViewportHeight
	opts.AcceptLanguage = c.Browser.AcceptLanguage
	opts.TimezoneID = c.Browser.TimezoneID
	opts.Locale = c.Browser.Locale
	if c.Browser.UserAgent != "" {
		opts.UserAgent = c.Browser.UserAgent
	}
	opts.ExtraHeaders["Accept-Language"] = c.Browser.AcceptLanguage
	return opts
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
