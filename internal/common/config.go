package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Logging     LoggingConfig `toml:"logging"`
	Recon       ReconConfig   `toml:"recon"`
	Crawler     CrawlerConfig `toml:"crawler"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
	InMemory       bool   `toml:"in_memory"`        // Keep everything in memory (nothing survives a restart)
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// ReconConfig controls the scraping job orchestrator
type ReconConfig struct {
	Workers         int           `toml:"workers"`           // Worker pool size (concurrent jobs across templates)
	MaxAttempts     int           `toml:"max_attempts"`      // Attempts per extraction call, including the first
	InitialBackoff  time.Duration `toml:"initial_backoff"`   // Delay before the first retry
	MaxBackoff      time.Duration `toml:"max_backoff"`       // Upper bound for a single retry delay
	Backoff         string        `toml:"backoff"`           // "exponential" or "linear"
	RecentErrors    int           `toml:"recent_errors"`     // Size of the recentErrors ring buffer
	PreviewLimit    int           `toml:"preview_limit"`     // Max items extracted by a template test run
	MaxRetainedJobs int           `toml:"max_retained_jobs"` // Finished jobs kept in memory for status polling
	PollInterval    time.Duration `toml:"poll_interval"`     // Suggested client polling interval
	TemplatesDir    string        `toml:"templates_dir"`     // Directory of template files (YAML/TOML) loaded at startup
}

// CrawlerConfig contains page fetch and extraction configuration
type CrawlerConfig struct {
	UserAgent          string        `toml:"user_agent"`           // User agent sent with every request
	RequestTimeout     time.Duration `toml:"request_timeout"`      // HTTP request timeout
	MaxBodySize        int64         `toml:"max_body_size"`        // Maximum response body size in bytes
	RequestsPerSecond  float64       `toml:"requests_per_second"`  // Per-host request rate
	Burst              int           `toml:"burst"`                // Per-host burst size
	PageCacheSize      int           `toml:"page_cache_size"`      // Parsed pages kept for field extraction
	MaxPages           int           `toml:"max_pages"`            // Default listing pages followed during discovery
	EnableJavaScript   bool          `toml:"enable_javascript"`    // Allow templates to request headless Chrome rendering
	JavaScriptWaitTime time.Duration `toml:"javascript_wait_time"` // Time to wait for JavaScript to render
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Recon: ReconConfig{
			Workers:         4,
			MaxAttempts:     3,
			InitialBackoff:  500 * time.Millisecond,
			MaxBackoff:      10 * time.Second,
			Backoff:         "exponential",
			RecentErrors:    10,
			PreviewLimit:    5,
			MaxRetainedJobs: 200,
			PollInterval:    2 * time.Second,
			TemplatesDir:    "./templates",
		},
		Crawler: CrawlerConfig{
			UserAgent:          "Licitometro/1.0 (+http://licitometro.com)",
			RequestTimeout:     30 * time.Second,
			MaxBodySize:        10 * 1024 * 1024, // 10MB
			RequestsPerSecond:  1,
			Burst:              2,
			PageCacheSize:      32,
			MaxPages:           10,
			EnableJavaScript:   false,
			JavaScriptWaitTime: 3 * time.Second,
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> .env -> env
// Later files override earlier files. CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// .env is optional; variables already present in the environment win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("LICITOMETRO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("LICITOMETRO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("LICITOMETRO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("LICITOMETRO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if inMemory := os.Getenv("LICITOMETRO_BADGER_IN_MEMORY"); inMemory != "" {
		if b, err := strconv.ParseBool(inMemory); err == nil {
			config.Storage.Badger.InMemory = b
		}
	}

	// Logging configuration
	if level := os.Getenv("LICITOMETRO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("LICITOMETRO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("LICITOMETRO_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Recon configuration
	if workers := os.Getenv("LICITOMETRO_RECON_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Recon.Workers = w
		}
	}
	if maxAttempts := os.Getenv("LICITOMETRO_RECON_MAX_ATTEMPTS"); maxAttempts != "" {
		if ma, err := strconv.Atoi(maxAttempts); err == nil {
			config.Recon.MaxAttempts = ma
		}
	}
	if initialBackoff := os.Getenv("LICITOMETRO_RECON_INITIAL_BACKOFF"); initialBackoff != "" {
		if d, err := time.ParseDuration(initialBackoff); err == nil {
			config.Recon.InitialBackoff = d
		}
	}
	if backoff := os.Getenv("LICITOMETRO_RECON_BACKOFF"); backoff != "" {
		config.Recon.Backoff = backoff
	}
	if templatesDir := os.Getenv("LICITOMETRO_TEMPLATES_DIR"); templatesDir != "" {
		config.Recon.TemplatesDir = templatesDir
	}

	// Crawler configuration
	if userAgent := os.Getenv("LICITOMETRO_CRAWLER_USER_AGENT"); userAgent != "" {
		config.Crawler.UserAgent = userAgent
	}
	if requestTimeout := os.Getenv("LICITOMETRO_CRAWLER_REQUEST_TIMEOUT"); requestTimeout != "" {
		if rt, err := time.ParseDuration(requestTimeout); err == nil {
			config.Crawler.RequestTimeout = rt
		}
	}
	if rps := os.Getenv("LICITOMETRO_CRAWLER_REQUESTS_PER_SECOND"); rps != "" {
		if r, err := strconv.ParseFloat(rps, 64); err == nil {
			config.Crawler.RequestsPerSecond = r
		}
	}
	if enableJS := os.Getenv("LICITOMETRO_CRAWLER_ENABLE_JAVASCRIPT"); enableJS != "" {
		if b, err := strconv.ParseBool(enableJS); err == nil {
			config.Crawler.EnableJavaScript = b
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate rejects configurations the orchestrator cannot run with
func (c *Config) Validate() error {
	if c.Recon.Workers <= 0 {
		return fmt.Errorf("recon.workers must be greater than 0, got: %d", c.Recon.Workers)
	}
	if c.Recon.MaxAttempts <= 0 {
		return fmt.Errorf("recon.max_attempts must be greater than 0, got: %d", c.Recon.MaxAttempts)
	}
	switch c.Recon.Backoff {
	case "exponential", "linear":
	default:
		return fmt.Errorf("recon.backoff must be 'exponential' or 'linear', got: %q", c.Recon.Backoff)
	}
	if c.Crawler.RequestsPerSecond <= 0 {
		return fmt.Errorf("crawler.requests_per_second must be greater than 0")
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
