package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port      int
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// Redis (session store + async worker)
	RedisURL  string
	RedisAddr string // host:port format

	// CORS
	CORSAllowedOrigins []string

	// HTTP rate limiting
	RateLimit int // requests per minute per IP

	// Gateway protection
	ConcurrentPerIP       int
	MaxSSHAttemptsPerUser int
	AllowedHosts          []string // optional allow-list of resolved IPs
	BehindProxy           bool
	GuardStrictRebind     bool

	// Challenge provider (Cloudflare Turnstile)
	TurnstileSecretKey      string
	TurnstileTokenTTL       time.Duration
	TurnstileMaxRetries     int
	TurnstileRequestTimeout time.Duration

	// Session store
	SessionCookieName      string
	SessionTTL             time.Duration
	SessionStoreGetTimeout time.Duration
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnvAsInt("PORT", 8080),
		Env:       getEnv("ENV", "development"),
		Version:   getEnv("VERSION", "0.1.0"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),

		RateLimit: getEnvAsInt("RATE_LIMIT", 120),

		ConcurrentPerIP:       getEnvAsInt("CONCURRENT_PER_IP", 5),
		MaxSSHAttemptsPerUser: getEnvAsInt("MAX_SSH_ATTEMPTS_PER_USER", 5),
		AllowedHosts:          getEnvAsSlice("ALLOWED_HOSTS", nil),
		BehindProxy:           getEnvAsBool("BEHIND_PROXY", false),
		GuardStrictRebind:     getEnvAsBool("GUARD_STRICT_REBIND", false),

		TurnstileSecretKey:      getEnv("TURNSTILE_SECRET_KEY", ""),
		TurnstileTokenTTL:       getEnvAsMillis("TURNSTILE_TOKEN_TTL_MS", 30_000),
		TurnstileMaxRetries:     getEnvAsInt("TURNSTILE_MAX_RETRIES", 1),
		TurnstileRequestTimeout: getEnvAsMillis("TURNSTILE_REQUEST_TIMEOUT_MS", 10_000),

		SessionCookieName:      getEnv("SESSION_COOKIE_NAME", "halyard_sid"),
		SessionTTL:             getEnvAsMillis("SESSION_TTL_MS", 24*60*60*1000),
		SessionStoreGetTimeout: getEnvAsMillis("SESSION_STORE_GET_TIMEOUT_MS", 2_000),
	}

	// Parse Redis URL to get host:port
	addr, err := parseRedisAddr(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	cfg.RedisAddr = addr

	if cfg.ConcurrentPerIP < 1 {
		return nil, fmt.Errorf("CONCURRENT_PER_IP must be >= 1, got %d", cfg.ConcurrentPerIP)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsMillis reads an integer millisecond value into a time.Duration.
func getEnvAsMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMillis)) * time.Millisecond
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// parseRedisAddr extracts host:port from a redis:// URL.
func parseRedisAddr(redisURL string) (string, error) {
	u, err := url.Parse(redisURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", redisURL)
	}
	if u.Port() == "" {
		return u.Host + ":6379", nil
	}
	return u.Host, nil
}
