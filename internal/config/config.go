// Package config loads runtime configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/virtualtours/internal/objectstore"
	"github.com/dukerupert/virtualtours/internal/push"
)

type Config struct {
	Port      string
	DBPath    string
	BaseURL   string
	DataDir   string
	LogLevel  string
	LogFormat string

	ReplicateToken string
	ReplicateModel string

	StripeSecretKey     string
	StripeWebhookSecret string

	PostmarkToken string
	FromEmail     string

	RedisURL string
	S3       objectstore.Config
	Push     push.Config

	BackupPassphrase    string
	BackupSchedule      string
	BackupRetentionDays int

	GenerationRetries       int
	RefundFailedGenerations bool
	GenerationTimeout       time.Duration

	LoginRateLimit    int
	CheckoutRateLimit int
	RateLimitWindow   time.Duration

	ShutdownTimeout time.Duration
}

// Secure reports whether cookies should carry the Secure flag.
func (c Config) Secure() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}

// PushEnabled reports whether a VAPID key pair is configured.
func (c Config) PushEnabled() bool {
	return c.Push.VAPIDPublicKey != "" && c.Push.VAPIDPrivateKey != ""
}

// Load reads configuration from environment variables, applying defaults.
// Variables already set in the environment win over the .env file.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	port := getEnv("VT_PORT", "8080")
	cfg := Config{
		Port:      port,
		DBPath:    getEnv("VT_DB_PATH", "virtualtours.db"),
		BaseURL:   strings.TrimRight(getEnv("VT_BASE_URL", "http://localhost:"+port), "/"),
		DataDir:   getEnv("VT_DATA_DIR", "data"),
		LogLevel:  getEnv("VT_LOG_LEVEL", "info"),
		LogFormat: getEnv("VT_LOG_FORMAT", "text"),

		ReplicateToken: os.Getenv("REPLICATE_API_TOKEN"),
		ReplicateModel: os.Getenv("REPLICATE_MODEL_VERSION"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),

		PostmarkToken: os.Getenv("POSTMARK_TOKEN"),
		FromEmail:     getEnv("FROM_EMAIL", "tours@localhost"),

		RedisURL: os.Getenv("REDIS_URL"),
		S3: objectstore.Config{
			Endpoint:     os.Getenv("S3_ENDPOINT"),
			Region:       getEnv("S3_REGION", "us-east-1"),
			Bucket:       os.Getenv("S3_BUCKET"),
			AccessKey:    os.Getenv("S3_ACCESS_KEY"),
			SecretKey:    os.Getenv("S3_SECRET_KEY"),
			Prefix:       os.Getenv("S3_PREFIX"),
			UsePathStyle: getBool("S3_USE_PATH_STYLE", false),
		},
		Push: push.Config{
			VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
			VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
			Subscriber:      getEnv("VAPID_SUBSCRIBER", "mailto:"+getEnv("FROM_EMAIL", "tours@localhost")),
		},

		BackupPassphrase:    os.Getenv("BACKUP_PASSPHRASE"),
		BackupSchedule:      getEnv("BACKUP_SCHEDULE", "@daily"),
		BackupRetentionDays: getInt("BACKUP_RETENTION_DAYS", 30),

		GenerationRetries:       getInt("GENERATION_RETRIES", 2),
		RefundFailedGenerations: getBool("REFUND_FAILED_GENERATIONS", true),
		GenerationTimeout:       getDuration("GENERATION_TIMEOUT", 10*time.Minute),

		LoginRateLimit:    getInt("LOGIN_RATE_LIMIT", 5),
		CheckoutRateLimit: getInt("CHECKOUT_RATE_LIMIT", 10),
		RateLimitWindow:   getDuration("RATE_LIMIT_WINDOW", 15*time.Minute),

		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	var missing []string
	if cfg.ReplicateToken == "" {
		missing = append(missing, "REPLICATE_API_TOKEN")
	}
	if cfg.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if cfg.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}
	if cfg.GenerationRetries < 0 {
		return Config{}, fmt.Errorf("GENERATION_RETRIES must not be negative, got %d", cfg.GenerationRetries)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return d
}

func loadEnvFile() error {
	path := getEnv("VT_ENV_FILE", ".env")
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("access env file %s: %w", path, err)
	}
	if info.IsDir() {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
