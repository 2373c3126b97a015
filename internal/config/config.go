package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `validate:"required"`

	// Discogs
	DiscogsUsername string `validate:"required"`
	DiscogsToken    string `validate:"required"`
	DiscogsBaseURL  string `validate:"required,url"`
	DiscogsFolderID int64  `validate:"gte=0"`
	DiscogsPerPage  int    `validate:"gte=1,lte=100"`

	// Remote rate budget
	RemoteMaxRequests int           `validate:"gte=1"`
	RemoteWindow      time.Duration `validate:"gt=0"`

	// Transport
	ConnectTimeout time.Duration `validate:"gt=0"`
	ReadTimeout    time.Duration `validate:"gt=0"`
	MaxRetries     int           `validate:"gte=0,lte=10"`
	RetryBaseDelay time.Duration `validate:"gt=0"`
	RetryMaxDelay  time.Duration `validate:"gtefield=RetryBaseDelay"`

	// BreakerTripAfter 回連続で失敗するとサーキットブレーカーが開く
	BreakerTripAfter int           `validate:"gte=1"`
	BreakerTimeout   time.Duration `validate:"gt=0"`

	// Sync
	SyncMaxErrors         int           `validate:"gte=0"`
	SyncLogEvery          int           `validate:"gte=1"`
	SyncInterval          time.Duration `validate:"gte=0"`
	ResyncOverwritePolicy string        `validate:"oneof=remote_wins preserve_user_edits"`

	// Selection
	CacheRefreshInterval      time.Duration `validate:"gt=0"`
	SelectionLogRetentionDays int           `validate:"gte=1"`
	AlgorithmConfigFile       string

	// Rate Limit
	RateLimitGeneral int `validate:"gte=1"`

	// Logging
	LogLevel string `validate:"oneof=debug info warn error"`

	// Server
	ServerPort string `validate:"required,numeric"`
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が範囲外の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.DiscogsUsername = os.Getenv("DISCOGS_USERNAME")
	if cfg.DiscogsUsername == "" {
		missing = append(missing, "DISCOGS_USERNAME")
	}

	cfg.DiscogsToken = os.Getenv("DISCOGS_TOKEN")
	if cfg.DiscogsToken == "" {
		missing = append(missing, "DISCOGS_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DiscogsBaseURL = getEnvString("DISCOGS_BASE_URL", "https://api.discogs.com")
	cfg.DiscogsFolderID = getEnvInt64("DISCOGS_FOLDER_ID", 0)
	cfg.DiscogsPerPage = getEnvInt("DISCOGS_PER_PAGE", 100)
	cfg.RemoteMaxRequests = getEnvInt("REMOTE_MAX_REQUESTS", 55)
	cfg.RemoteWindow = getEnvDuration("REMOTE_WINDOW", 60*time.Second)
	cfg.ConnectTimeout = getEnvDuration("REMOTE_CONNECT_TIMEOUT", 10*time.Second)
	cfg.ReadTimeout = getEnvDuration("REMOTE_READ_TIMEOUT", 30*time.Second)
	cfg.MaxRetries = getEnvInt("REMOTE_MAX_RETRIES", 3)
	cfg.RetryBaseDelay = getEnvDuration("REMOTE_RETRY_BASE_DELAY", time.Second)
	cfg.RetryMaxDelay = getEnvDuration("REMOTE_RETRY_MAX_DELAY", 30*time.Second)
	cfg.BreakerTripAfter = getEnvInt("REMOTE_BREAKER_TRIP_AFTER", 5)
	cfg.BreakerTimeout = getEnvDuration("REMOTE_BREAKER_TIMEOUT", 30*time.Second)
	cfg.SyncMaxErrors = getEnvInt("SYNC_MAX_ERRORS", 10)
	cfg.SyncLogEvery = getEnvInt("SYNC_LOG_EVERY", 50)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 0)
	cfg.ResyncOverwritePolicy = getEnvString("RESYNC_OVERWRITE_POLICY", "remote_wins")
	cfg.CacheRefreshInterval = getEnvDuration("CACHE_REFRESH_INTERVAL", time.Hour)
	cfg.SelectionLogRetentionDays = getEnvInt("SELECTION_LOG_RETENTION_DAYS", 90)
	cfg.AlgorithmConfigFile = getEnvString("ALGORITHM_CONFIG_FILE", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:"+cfg.ServerPort)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if err := validateStruct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
