package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"coldreach/models"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type RedisConfig struct {
	Address  string `validate:"required"`
	Password string
	DB       int `validate:"min=0"`
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
}

type DatabaseConfig struct {
	Host         string `validate:"required"`
	Port         string `validate:"required"`
	User         string `validate:"required"`
	Password     string `validate:"required"`
	Name         string `validate:"required"`
	SSLMode      string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxIdleConns int    `validate:"min=1"`
	MaxOpenConns int    `validate:"min=1"`
}

type SyncConfig struct {
	Interval    time.Duration `validate:"min=1s"`
	Lookback    time.Duration
	MaxMessages int `validate:"min=1"`
	Parallelism int `validate:"min=1"`
}

type Config struct {
	Environment string `validate:"oneof=development staging production test"`
	ServerPort  string `validate:"required,numeric"`

	DB    DatabaseConfig
	Redis RedisConfig

	// EncryptionKey is the AES key for stored mailbox and API secrets
	EncryptionKey   string `validate:"required,len=32"`
	JWTSecret       string `validate:"required,min=16"`
	TrackingBaseURL string `validate:"required,url"`
	SentryDSN       string
	AllowedOrigins  []string

	Google    OAuthConfig
	Microsoft OAuthConfig

	Sync              SyncConfig
	WorkerConcurrency int `validate:"min=1"`
	QueueMaxAttempts  int `validate:"min=1"`
	ResetTimezone     string

	GenerationBaseURL string  `validate:"required,url"`
	GenerationRPS     float64 `validate:"gt=0"`

	WarmupEnabled  bool
	WarmupInterval time.Duration

	TrackingRateLimit int `validate:"min=1"`
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads the environment, after applying an optional .env file, and
// validates the result.
func Load() (*Config, error) {
	// a missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		DB: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Name:         getEnv("DB_NAME", "coldreach"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		},
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		TrackingBaseURL: strings.TrimRight(getEnv("TRACKING_BASE_URL", "http://localhost:5000"), "/"),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		Google: OAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		},
		Microsoft: OAuthConfig{
			ClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
			ClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		},
		Sync: SyncConfig{
			Interval:    getEnvAsDuration("SYNC_INTERVAL", time.Minute),
			Lookback:    time.Duration(getEnvAsInt("SYNC_LOOKBACK_DAYS", 7)) * 24 * time.Hour,
			MaxMessages: getEnvAsInt("SYNC_MAX_MESSAGES", 50),
			Parallelism: getEnvAsInt("SYNC_PARALLELISM", 5),
		},
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		QueueMaxAttempts:  getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
		ResetTimezone:     getEnv("RESET_TIMEZONE", "UTC"),
		GenerationBaseURL: strings.TrimRight(getEnv("GENERATION_BASE_URL", "https://api.openai.com/v1"), "/"),
		GenerationRPS:     getEnvAsFloat("GENERATION_RPS", 1),
		WarmupEnabled:     getEnvAsBool("WARMUP_ENABLED", false),
		WarmupInterval:    getEnvAsDuration("WARMUP_INTERVAL", 15*time.Minute),
		TrackingRateLimit: getEnvAsInt("TRACKING_RATE_LIMIT", 120),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.LoadLocation(cfg.ResetTimezone); err != nil {
		return nil, fmt.Errorf("invalid RESET_TIMEZONE %q: %w", cfg.ResetTimezone, err)
	}
	if cfg.IsProduction() && cfg.SentryDSN == "" {
		logrus.Warn("SENTRY_DSN is not set; errors will only be logged")
	}
	return cfg, nil
}

// ResetLocation is the timezone whose midnight resets daily counters.
func (c *Config) ResetLocation() *time.Location {
	loc, err := time.LoadLocation(c.ResetTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN is the Postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func ConnectDB(cfg DatabaseConfig, log *logrus.Entry) (*gorm.DB, error) {
	log.WithField("dsn", maskPassword(cfg.DSN())).Info("Connecting to database")

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("Running database migrations")
	if err := models.Migrate(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return db, nil
}

func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Fields summarizes the configuration for the startup log.
func (c *Config) Fields() logrus.Fields {
	return logrus.Fields{
		"environment": c.Environment,
		"port":        c.ServerPort,
		"database":    fmt.Sprintf("%s@%s:%s/%s", c.DB.User, c.DB.Host, c.DB.Port, c.DB.Name),
		"redis":       c.Redis.Address,
		"tracking":    c.TrackingBaseURL,
		"google":      c.Google.ClientID != "",
		"microsoft":   c.Microsoft.ClientID != "",
		"warmup":      c.WarmupEnabled,
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}
