package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string

	BackendBaseURL string
	BackendTimeout time.Duration

	// IdentityBackend is "line" or "dev".
	IdentityBackend   string
	LIFFID            string
	LineChannelID     string
	LineChannelSecret string
	PublicOrigin      string
	SessionSecret     string
	SessionTTL        time.Duration
	DevUserID         string

	DBPath     string
	PhotoPath  string
	StaticPath string
	// DraftTTL is how long an untouched assessment draft and its staged
	// images are kept.
	DraftTTL time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load reads configuration from the environment, with an optional .env file in
// the working directory underneath it.
func Load() *Config {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // a missing .env is fine

	v.AutomaticEnv()
	setDefaults(v)

	return &Config{
		ListenAddr:        v.GetString("LISTEN_ADDR"),
		BackendBaseURL:    strings.TrimRight(v.GetString("BACKEND_BASE_URL"), "/"),
		BackendTimeout:    v.GetDuration("BACKEND_TIMEOUT"),
		IdentityBackend:   strings.ToLower(v.GetString("IDENTITY_BACKEND")),
		LIFFID:            v.GetString("LIFF_ID"),
		LineChannelID:     v.GetString("LINE_CHANNEL_ID"),
		LineChannelSecret: v.GetString("LINE_CHANNEL_SECRET"),
		PublicOrigin:      v.GetString("PUBLIC_ORIGIN"),
		SessionSecret:     v.GetString("SESSION_SECRET"),
		SessionTTL:        v.GetDuration("SESSION_TTL"),
		DevUserID:         v.GetString("DEV_USER_ID"),
		DBPath:            v.GetString("DB_PATH"),
		PhotoPath:         v.GetString("PHOTO_LOCAL_PATH"),
		StaticPath:        v.GetString("STATIC_PATH"),
		DraftTTL:          v.GetDuration("DRAFT_TTL"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
		LogFile:           v.GetString("LOG_FILE"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("BACKEND_BASE_URL", "http://localhost:8000/api/v1")
	v.SetDefault("BACKEND_TIMEOUT", "60s")
	v.SetDefault("IDENTITY_BACKEND", "line")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("DEV_USER_ID", "Udev0000000000000000000000000000")
	v.SetDefault("DB_PATH", "/data/quickcheck.db")
	v.SetDefault("PHOTO_LOCAL_PATH", "/data/staged")
	v.SetDefault("STATIC_PATH", "/data/static")
	v.SetDefault("DRAFT_TTL", "72h")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Secure reports whether cookies should carry the Secure attribute.
func (c *Config) Secure() bool {
	return strings.HasPrefix(c.PublicOrigin, "https://")
}
