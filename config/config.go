package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultSourcesDir = "config/sources"

type Config struct {
	Database    DatabaseConfig
	Redis       RedisConfig
	S3          S3Config
	AI          AIConfig
	Matching    MatchingConfig
	Scheduler   SchedulerConfig
	Workers     WorkersConfig
	LogPath     string
	LogLevel    string
	MetricsAddr string
	Sources     map[string]*SourceConfig
}

type DatabaseConfig struct {
	URL        string // Postgres DSN; SQLite is used when empty
	SQLitePath string
}

type RedisConfig struct {
	Addr     string // hash cache disabled when empty
	Password string
	DB       int
	HashTTL  time.Duration
}

type S3Config struct {
	Bucket    string // image mirroring disabled when empty
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type AIConfig struct {
	Enabled   bool
	BaseURL   string
	APIKey    string
	Model     string
	Threshold float64
	RPS       float64
	Timeout   time.Duration
}

type MatchingConfig struct {
	CandidateWindow   int
	RadiusMeters      float64
	ImageFetchTimeout time.Duration
	ImageConcurrency  int
}

type SchedulerConfig struct {
	ScanCron         string
	ScanInterval     time.Duration
	BackfillInterval time.Duration
}

type WorkersConfig struct {
	IngestConcurrency int
	ScanBatchSize     int
	BackfillBatchSize int
}

// SourceConfig describes one listing platform
type SourceConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Language      string `yaml:"language"`
	ItemURLMarker string `yaml:"item_url_marker"`
	Enabled       *bool  `yaml:"enabled"`
}

// IsEnabled defaults to true when the flag is omitted
func (s *SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			URL:        os.Getenv("DATABASE_URL"),
			SQLitePath: getEnv("DB_PATH", "rental_dedupe.db"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
			HashTTL:  getEnvDuration("REDIS_HASH_TTL", 7*24*time.Hour),
		},
		S3: S3Config{
			Bucket:    os.Getenv("S3_BUCKET"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
		},
		AI: AIConfig{
			Enabled:   getEnvBool("AI_COMPARISON_ENABLED", true),
			BaseURL:   getEnv("AI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:    os.Getenv("AI_API_KEY"),
			Model:     getEnv("AI_MODEL", "gpt-4o-mini"),
			Threshold: getEnvFloat("AI_COMPARISON_THRESHOLD", 0.75),
			RPS:       getEnvFloat("AI_RPS", 1),
			Timeout:   getEnvDuration("AI_TIMEOUT", 30*time.Second),
		},
		Matching: MatchingConfig{
			CandidateWindow:   getEnvInt("CANDIDATE_WINDOW", 100),
			RadiusMeters:      getEnvFloat("CANDIDATE_RADIUS_METERS", 200),
			ImageFetchTimeout: getEnvDuration("IMAGE_FETCH_TIMEOUT", 10*time.Second),
			ImageConcurrency:  getEnvInt("IMAGE_CONCURRENCY", 4),
		},
		Scheduler: SchedulerConfig{
			ScanCron:         os.Getenv("SCAN_CRON"),
			ScanInterval:     getEnvDuration("SCAN_INTERVAL", 6*time.Hour),
			BackfillInterval: getEnvDuration("BACKFILL_INTERVAL", 10*time.Minute),
		},
		Workers: WorkersConfig{
			IngestConcurrency: getEnvInt("INGEST_CONCURRENCY", 4),
			ScanBatchSize:     getEnvInt("SCAN_BATCH_SIZE", 500),
			BackfillBatchSize: getEnvInt("BACKFILL_BATCH_SIZE", 50),
		},
		LogPath:     getEnv("LOG_PATH", "rental_dedupe.log"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		Sources:     make(map[string]*SourceConfig),
	}

	if err := cfg.loadSourceConfigs(getEnv("SOURCES_DIR", defaultSourcesDir)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AIAvailable reports whether AI image comparison can be used
func (c *Config) AIAvailable() bool {
	return c.AI.Enabled && c.AI.APIKey != ""
}

// Source returns the config for a platform, or nil when unknown
func (c *Config) Source(platform string) *SourceConfig {
	return c.Sources[platform]
}

func (c *Config) loadSourceConfigs(configDir string) error {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var source SourceConfig
		if err := yaml.Unmarshal(data, &source); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if source.ID == "" {
			return fmt.Errorf("parse %s: missing id", path)
		}

		c.Sources[source.ID] = &source
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
