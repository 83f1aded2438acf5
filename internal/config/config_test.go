package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DOMAIN", "BASE_URL", "DB_URL", "PORT",
		"WEATHER_ENABLED", "REGISTRATION_ENABLED", "AP_CACHE_TTL",
		"AP_FEDERATION_CONCURRENCY", "RSA_KEY_BITS", "JWT_EXPIRATION_MS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "localhost", cfg.Domain)
	assert.Equal(t, "http://localhost:8000", cfg.BaseURL)
	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, 2048, cfg.RSAKeyBits)
	assert.False(t, cfg.WeatherEnabled)
	assert.True(t, cfg.RegistrationEnabled)
	assert.Equal(t, time.Hour, cfg.ActorCacheTTL)
	assert.Equal(t, 10, cfg.FederationConcurrency)
	assert.Equal(t, 30*time.Second, cfg.InboxSignatureSkew)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiry)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DOMAIN", "fitness.example.com")
	t.Setenv("BASE_URL", "https://fitness.example.com/")
	t.Setenv("REGISTRATION_ENABLED", "false")
	t.Setenv("AP_CACHE_TTL", "30m")
	t.Setenv("AP_FEDERATION_CONCURRENCY", "4")
	t.Setenv("JWT_EXPIRATION_MS", "60000")

	cfg := Load()
	assert.Equal(t, "fitness.example.com", cfg.Domain)
	assert.Equal(t, "https://fitness.example.com", cfg.BaseURL, "trailing slash is trimmed")
	assert.False(t, cfg.RegistrationEnabled)
	assert.Equal(t, 30*time.Minute, cfg.ActorCacheTTL)
	assert.Equal(t, 4, cfg.FederationConcurrency)
	assert.Equal(t, time.Minute, cfg.JWTExpiry)
}

func TestURLHelpers(t *testing.T) {
	t.Setenv("BASE_URL", "https://fitness.example.com")
	cfg := Load()
	assert.Equal(t, "https://fitness.example.com/users/bob", cfg.ActorURL("bob"))
	assert.Equal(t, "https://fitness.example.com/inbox", cfg.URL("/inbox"))
	assert.Equal(t, "https://fitness.example.com/inbox", cfg.URL("inbox"))
}
