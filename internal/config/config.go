package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Domain     string // DOMAIN — canonical host, e.g. "example.com"
	BaseURL    string // BASE_URL — full origin, e.g. "https://example.com"
	JWTSecret  string // JWT_SECRET — opaque; validated by an external Auth collaborator
	JWTExpiry  time.Duration

	DBURL      string // DB_URL — "sqlite://path.db" or "postgres://..."
	DBUser     string
	DBPassword string

	WeatherEnabled bool
	WeatherAPIKey  string
	OSMTilesEnabled bool
	RegistrationEnabled bool

	Port        string
	RSAKeyBits  int

	ResyncInterval          time.Duration
	ActorCacheTTL           time.Duration
	FederationConcurrency   int
	InboxSignatureSkew      time.Duration

	MaxArchiveBytes   int64
	MaxArchiveFiles   int
	MaxFileBytes      int64
}

// Load reads configuration from environment variables, falling back to
// defaults suitable for local development.
func Load() *Config {
	domain := getEnv("DOMAIN", "localhost")
	baseURL := getEnv("BASE_URL", "http://"+domain+":8000")

	return &Config{
		Domain:    domain,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTExpiry: parseDurationMillis(os.Getenv("JWT_EXPIRATION_MS"), 24*time.Hour),

		DBURL:      getEnv("DB_URL", "sqlite://fedtrack.db"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),

		WeatherEnabled:      getEnvBool("WEATHER_ENABLED"),
		WeatherAPIKey:       os.Getenv("WEATHER_API_KEY"),
		OSMTilesEnabled:     getEnvBool("OSM_TILES_ENABLED"),
		RegistrationEnabled: getEnv("REGISTRATION_ENABLED", "true") != "false",

		Port:       getEnv("PORT", "8000"),
		RSAKeyBits: parseInt(os.Getenv("RSA_KEY_BITS"), 2048),

		ResyncInterval:        parseDuration(os.Getenv("RESYNC_INTERVAL"), 24*time.Hour),
		ActorCacheTTL:         parseDuration(os.Getenv("AP_CACHE_TTL"), time.Hour),
		FederationConcurrency: parseInt(os.Getenv("AP_FEDERATION_CONCURRENCY"), 10),
		InboxSignatureSkew:    30 * time.Second,

		MaxArchiveBytes: 500 * 1024 * 1024,
		MaxArchiveFiles: 1000,
		MaxFileBytes:    50 * 1024 * 1024,
	}
}

// ActorURL builds the public actor URI for a local username.
func (c *Config) ActorURL(username string) string {
	return c.BaseURL + "/users/" + username
}

// URL constructs an absolute URL from a path rooted at BaseURL.
func (c *Config) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.BaseURL + path
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1"
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseDurationMillis(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	ms, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
