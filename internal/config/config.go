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
	DatabaseURL string

	// Redis
	RedisURL string

	// Backends: "postgres" | "redis" / "redis" | "memory"
	DedupBackend string
	CacheBackend string

	// Telegram
	TelegramBotToken      string
	TelegramChatID        string
	TelegramAPIBase       string
	TelegramRatePerMinute int

	// Translation
	YandexAPIKey           string
	YandexFolderID         string
	YandexEndpoint         string
	SourceLanguage         string
	TargetLanguage         string
	SupportedLanguages     []string
	TranslationPassthrough bool
	EntityStrategy         string

	// Rules / Feeds
	RulesFile string
	FeedsFile string

	// Ingest
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int
	FetchInterval      time.Duration
	FetchMaxAge        time.Duration // これより古い記事は取り込まない。0で無制限

	// Pipeline
	WorkerCount        int
	DedupRetentionDays int
	ShutdownTimeout    time.Duration

	// Server
	ServerPort   string
	RateLimitOps int

	// Logging
	LogLevel string

	// Tunables はパイプラインの閾値・重み・間隔を列挙する。
	Tunables Tunables
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if cfg.TelegramBotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}

	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")
	if cfg.TelegramChatID == "" {
		missing = append(missing, "TELEGRAM_CHAT_ID")
	}

	cfg.YandexAPIKey = os.Getenv("YANDEX_API_KEY")
	if cfg.YandexAPIKey == "" {
		missing = append(missing, "YANDEX_API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisURL = getEnvString("REDIS_URL", "redis://localhost:6379/0")
	cfg.DedupBackend = getEnvString("DEDUP_BACKEND", "postgres")
	cfg.CacheBackend = getEnvString("CACHE_BACKEND", "redis")
	cfg.TelegramAPIBase = getEnvString("TELEGRAM_API_BASE", "https://api.telegram.org")
	cfg.TelegramRatePerMinute = getEnvInt("TELEGRAM_RATE_PER_MINUTE", 20)
	cfg.YandexFolderID = getEnvString("YANDEX_FOLDER_ID", "")
	cfg.YandexEndpoint = getEnvString("YANDEX_ENDPOINT", "https://translate.api.cloud.yandex.net/translate/v2/translate")
	cfg.SourceLanguage = getEnvString("SOURCE_LANGUAGE", "en")
	cfg.TargetLanguage = getEnvString("TARGET_LANGUAGE", "ru")
	cfg.SupportedLanguages = getEnvList("SUPPORTED_LANGUAGES", []string{"ru", "en", "uk", "de", "fr", "es", "it", "pt", "pl", "ja", "zh", "ko", "tr"})
	cfg.TranslationPassthrough = getEnvBool("TRANSLATION_PASSTHROUGH", false)
	cfg.EntityStrategy = getEnvString("ENTITY_STRATEGY", "hybrid")
	cfg.RulesFile = getEnvString("RULES_FILE", "")
	cfg.FeedsFile = getEnvString("FEEDS_FILE", "feeds.yaml")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 5)
	cfg.FetchInterval = getEnvDuration("FETCH_INTERVAL", 5*time.Minute)
	cfg.FetchMaxAge = getEnvDuration("FETCH_MAX_AGE", time.Hour)
	cfg.WorkerCount = getEnvInt("WORKER_COUNT", 4)
	cfg.DedupRetentionDays = getEnvInt("DEDUP_RETENTION_DAYS", 7)
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.RateLimitOps = getEnvInt("RATE_LIMIT_OPS", 120)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.Tunables = loadTunables()

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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

// getEnvList はカンマ区切りの値を小文字のスライスとして返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
