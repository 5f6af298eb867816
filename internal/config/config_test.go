package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	cfg := Load()

	assert.NotNil(t, cfg)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.NotEmpty(t, cfg.DBPath)
	assert.Equal(t, "line", cfg.IdentityBackend)
	assert.Equal(t, 60*time.Second, cfg.BackendTimeout)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 72*time.Hour, cfg.DraftTTL)
}

func TestLoadCustomValues(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("DB_PATH", "/custom/db.sqlite")
	t.Setenv("BACKEND_BASE_URL", "https://api.quickcheck.example/api/v1/")
	t.Setenv("BACKEND_TIMEOUT", "5s")
	t.Setenv("IDENTITY_BACKEND", "DEV")
	t.Setenv("LINE_CHANNEL_ID", "1650000000")
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("DRAFT_TTL", "6h")

	cfg := Load()

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "/custom/db.sqlite", cfg.DBPath)
	assert.Equal(t, "https://api.quickcheck.example/api/v1", cfg.BackendBaseURL)
	assert.Equal(t, 5*time.Second, cfg.BackendTimeout)
	assert.Equal(t, "dev", cfg.IdentityBackend)
	assert.Equal(t, "1650000000", cfg.LineChannelID)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 6*time.Hour, cfg.DraftTTL)
}

func TestSecure(t *testing.T) {
	assert.True(t, (&Config{PublicOrigin: "https://liff.example.com"}).Secure())
	assert.False(t, (&Config{PublicOrigin: "http://localhost:8080"}).Secure())
	assert.False(t, (&Config{}).Secure())
}
