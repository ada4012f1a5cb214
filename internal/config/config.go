package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// TotalPolicy selects how the stored total of a record is produced.
type TotalPolicy string

const (
	// TotalFromSource keeps the (summed) total supplied by the source.
	TotalFromSource TotalPolicy = "source"
	// TotalRecomputed replaces the total with no_psico + psico + semillas.
	TotalRecomputed TotalPolicy = "recompute"
)

// DefaultSourceURL is the datos.gov.co resource for cannabis licenses.
const DefaultSourceURL = "https://www.datos.gov.co/resource/f9u4-kiwb.json"

var (
	ErrInvalidTotalPolicy = errors.New("TOTAL_POLICY must be \"source\" or \"recompute\"")
	ErrMissingSourceURL   = errors.New("SOURCE_URL is required")
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
	ErrInvalidLimits      = errors.New("DEFAULT_LIMIT must be between 1 and MAX_LIMIT")
	ErrInvalidBatchSize   = errors.New("LOAD_BATCH_SIZE must be positive")
)

// Config is built once at startup and handed to every constructor that
// needs it. Nothing in the module reads the environment after Load returns.
type Config struct {
	Host string
	Port string

	DatabaseURL string
	// DBSchema is the PostgreSQL schema holding the tables. Ignored for SQLite.
	DBSchema string

	APIKey       string
	APIKeyBcrypt string

	AllowedOrigins []string

	SourceURL        string
	SourceTimeout    time.Duration
	SourcePageSize   int
	SourceRatePerSec float64

	TotalPolicy   TotalPolicy
	LoadBatchSize int

	DefaultLimit int
	MaxLimit     int

	RefreshOnStart  bool
	RefreshInterval time.Duration

	RedisURL      string
	StatsCacheTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	ArchiveURL string

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             "8000",
		DatabaseURL:      "cannabis_licencias.db",
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8501"},
		SourceURL:        DefaultSourceURL,
		SourceTimeout:    30 * time.Second,
		SourcePageSize:   1000,
		SourceRatePerSec: 2,
		TotalPolicy:      TotalFromSource,
		LoadBatchSize:    500,
		DefaultLimit:     10,
		MaxLimit:         100,
		StatsCacheTTL:    time.Hour,
		KafkaTopic:       "licencias.cargas",
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load reads .env.local (if present), then the optional YAML file named by
// CONFIG_FILE, then environment variables. Later sources win.
//
// Environment variables:
//   - HOST, PORT: listen address (default 0.0.0.0:8000)
//   - DATABASE_URL: postgres:// URL or SQLite file path (default cannabis_licencias.db)
//   - DB_SCHEMA: PostgreSQL schema for the tables
//   - API_KEY / API_KEY_BCRYPT: admin key, plain or bcrypt hash
//   - CORS_ORIGINS: comma separated allow-list
//   - SOURCE_URL, SOURCE_TIMEOUT, SOURCE_PAGE_SIZE, SOURCE_RATE_PER_SEC
//   - TOTAL_POLICY: "source" (default) or "recompute"
//   - LOAD_BATCH_SIZE, DEFAULT_LIMIT, MAX_LIMIT
//   - REFRESH_ON_START, REFRESH_INTERVAL
//   - REDIS_URL, STATS_CACHE_TTL
//   - KAFKA_BROKERS (comma separated), KAFKA_TOPIC
//   - ARCHIVE_URL: gocloud.dev blob URL (file://, s3://, mem://)
//   - LOG_LEVEL, LOG_FORMAT ("json" or "console")
func Load() (Config, error) {
	_ = godotenv.Load(".env.local")

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// IsPostgres reports whether DatabaseURL points at a PostgreSQL server.
func (c Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// Validate checks the values that would otherwise fail deep inside the
// pipeline or the query engine.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrMissingDatabaseURL
	}
	if strings.TrimSpace(c.SourceURL) == "" {
		return ErrMissingSourceURL
	}
	switch c.TotalPolicy {
	case TotalFromSource, TotalRecomputed:
	default:
		return fmt.Errorf("%w (got %q)", ErrInvalidTotalPolicy, c.TotalPolicy)
	}
	if c.MaxLimit < 1 || c.DefaultLimit < 1 || c.DefaultLimit > c.MaxLimit {
		return ErrInvalidLimits
	}
	if c.LoadBatchSize < 1 {
		return ErrInvalidBatchSize
	}
	return nil
}

type fileConfig struct {
	Host             *string  `yaml:"host"`
	Port             *string  `yaml:"port"`
	DatabaseURL      *string  `yaml:"database_url"`
	DBSchema         *string  `yaml:"db_schema"`
	APIKeyBcrypt     *string  `yaml:"api_key_bcrypt"`
	AllowedOrigins   []string `yaml:"cors_origins"`
	SourceURL        *string  `yaml:"source_url"`
	SourceTimeout    *string  `yaml:"source_timeout"`
	SourcePageSize   *int     `yaml:"source_page_size"`
	SourceRatePerSec *float64 `yaml:"source_rate_per_sec"`
	TotalPolicy      *string  `yaml:"total_policy"`
	LoadBatchSize    *int     `yaml:"load_batch_size"`
	DefaultLimit     *int     `yaml:"default_limit"`
	MaxLimit         *int     `yaml:"max_limit"`
	RefreshOnStart   *bool    `yaml:"refresh_on_start"`
	RefreshInterval  *string  `yaml:"refresh_interval"`
	RedisURL         *string  `yaml:"redis_url"`
	StatsCacheTTL    *string  `yaml:"stats_cache_ttl"`
	KafkaBrokers     []string `yaml:"kafka_brokers"`
	KafkaTopic       *string  `yaml:"kafka_topic"`
	ArchiveURL       *string  `yaml:"archive_url"`
	LogLevel         *string  `yaml:"log_level"`
	LogFormat        *string  `yaml:"log_format"`
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file leave cfg untouched. The plain API key is deliberately not read from
// files; use API_KEY or api_key_bcrypt.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Host, fc.Host)
	setString(&cfg.Port, fc.Port)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.DBSchema, fc.DBSchema)
	setString(&cfg.APIKeyBcrypt, fc.APIKeyBcrypt)
	setString(&cfg.SourceURL, fc.SourceURL)
	setString(&cfg.RedisURL, fc.RedisURL)
	setString(&cfg.KafkaTopic, fc.KafkaTopic)
	setString(&cfg.ArchiveURL, fc.ArchiveURL)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)

	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if len(fc.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = fc.KafkaBrokers
	}
	if fc.TotalPolicy != nil {
		cfg.TotalPolicy = TotalPolicy(strings.ToLower(*fc.TotalPolicy))
	}
	if fc.SourcePageSize != nil {
		cfg.SourcePageSize = *fc.SourcePageSize
	}
	if fc.SourceRatePerSec != nil {
		cfg.SourceRatePerSec = *fc.SourceRatePerSec
	}
	if fc.LoadBatchSize != nil {
		cfg.LoadBatchSize = *fc.LoadBatchSize
	}
	if fc.DefaultLimit != nil {
		cfg.DefaultLimit = *fc.DefaultLimit
	}
	if fc.MaxLimit != nil {
		cfg.MaxLimit = *fc.MaxLimit
	}
	if fc.RefreshOnStart != nil {
		cfg.RefreshOnStart = *fc.RefreshOnStart
	}

	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"source_timeout", fc.SourceTimeout, &cfg.SourceTimeout},
		{"refresh_interval", fc.RefreshInterval, &cfg.RefreshInterval},
		{"stats_cache_ttl", fc.StatsCacheTTL, &cfg.StatsCacheTTL},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) error {
	envString(&cfg.Host, "HOST")
	envString(&cfg.Port, "PORT")
	envString(&cfg.DatabaseURL, "DATABASE_URL")
	envString(&cfg.DBSchema, "DB_SCHEMA")
	envString(&cfg.APIKey, "API_KEY")
	envString(&cfg.APIKeyBcrypt, "API_KEY_BCRYPT")
	envString(&cfg.SourceURL, "SOURCE_URL")
	envString(&cfg.RedisURL, "REDIS_URL")
	envString(&cfg.KafkaTopic, "KAFKA_TOPIC")
	envString(&cfg.ArchiveURL, "ARCHIVE_URL")
	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.LogFormat, "LOG_FORMAT")
	envList(&cfg.AllowedOrigins, "CORS_ORIGINS")
	envList(&cfg.KafkaBrokers, "KAFKA_BROKERS")

	if v := strings.TrimSpace(os.Getenv("TOTAL_POLICY")); v != "" {
		cfg.TotalPolicy = TotalPolicy(strings.ToLower(v))
	}

	var errs []error
	errs = append(errs,
		envInt(&cfg.SourcePageSize, "SOURCE_PAGE_SIZE"),
		envInt(&cfg.LoadBatchSize, "LOAD_BATCH_SIZE"),
		envInt(&cfg.DefaultLimit, "DEFAULT_LIMIT"),
		envInt(&cfg.MaxLimit, "MAX_LIMIT"),
		envFloat(&cfg.SourceRatePerSec, "SOURCE_RATE_PER_SEC"),
		envBool(&cfg.RefreshOnStart, "REFRESH_ON_START"),
		envDuration(&cfg.SourceTimeout, "SOURCE_TIMEOUT"),
		envDuration(&cfg.RefreshInterval, "REFRESH_INTERVAL"),
		envDuration(&cfg.StatsCacheTTL, "STATS_CACHE_TTL"),
	)
	return errors.Join(errs...)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envList(dst *[]string, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func envInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(dst *float64, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(dst *bool, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
