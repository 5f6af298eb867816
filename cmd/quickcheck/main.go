package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"log/slog"
	"time"

	"github.com/quickcheck-project/quickcheck-liff/internal/backend"
	"github.com/quickcheck-project/quickcheck-liff/internal/catalog"
	"github.com/quickcheck-project/quickcheck-liff/internal/config"
	"github.com/quickcheck-project/quickcheck-liff/internal/db"
	"github.com/quickcheck-project/quickcheck-liff/internal/guard"
	"github.com/quickcheck-project/quickcheck-liff/internal/identity"
	"github.com/quickcheck-project/quickcheck-liff/internal/identity/dev"
	"github.com/quickcheck-project/quickcheck-liff/internal/identity/line"
	"github.com/quickcheck-project/quickcheck-liff/internal/logging"
	"github.com/quickcheck-project/quickcheck-liff/internal/metrics"
	"github.com/quickcheck-project/quickcheck-liff/internal/photostore/local"
	"github.com/quickcheck-project/quickcheck-liff/internal/progress"
	"github.com/quickcheck-project/quickcheck-liff/internal/service"
	"github.com/quickcheck-project/quickcheck-liff/internal/store"
	"github.com/quickcheck-project/quickcheck-liff/internal/web"
	"github.com/quickcheck-project/quickcheck-liff/internal/web/templates"
)

func main() {
	cfg := config.Load()

	logger, cleanup, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer cleanup()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	staged, err := local.NewDiskStore(cfg.PhotoPath)
	if err != nil {
		logger.Error("failed to initialize staged image store", "error", err)
		return
	}

	m := metrics.New()
	client := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout, m)
	cat := catalog.Default()

	provider, err := newIdentityProvider(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize identity provider", "error", err)
		return
	}

	assess := service.NewAssessService(store.NewDraftStore(database), client, staged, cat, logger)
	go sweepStaleDrafts(assess, cfg.DraftTTL, logger)

	server := web.NewServer(web.Deps{
		Identity:  provider,
		Guard:     guard.New(provider, client, m, logger),
		Assess:    assess,
		Member:    service.NewMemberService(client, cat, logger),
		Register:  service.NewRegisterService(client, store.NewConsentStore(database), cat, logger),
		Catalog:   cat,
		Progress:  progress.NewSimulator(),
		Metrics:   m,
		Templates: templates.FS,
		StaticDir: cfg.StaticPath,
		LIFFID:    cfg.LIFFID,
		Logger:    logger,
	})

	if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
		logger.Error("server error", "error", err)
	}
}

func newIdentityProvider(cfg *config.Config, logger *slog.Logger) (identity.Provider, error) {
	secret := cfg.SessionSecret
	if secret == "" {
		logger.Warn("SESSION_SECRET is not set; sessions will not survive a restart")
		secret = rand.Text()
	}
	codec, err := identity.NewSessionCodec(secret, cfg.SessionTTL, cfg.Secure())
	if err != nil {
		return nil, err
	}

	switch cfg.IdentityBackend {
	case "dev":
		logger.Warn("using dev identity backend; every visitor is logged in", "user_id", cfg.DevUserID)
		return dev.NewProvider(cfg.DevUserID, codec), nil
	default:
		if cfg.LineChannelID == "" || cfg.LineChannelSecret == "" {
			return nil, errors.New("LINE_CHANNEL_ID and LINE_CHANNEL_SECRET are required when IDENTITY_BACKEND=line")
		}
		logger.Info("using LINE identity backend", "channel_id", cfg.LineChannelID)
		return line.NewProvider(cfg.LineChannelID, cfg.LineChannelSecret, cfg.PublicOrigin, codec), nil
	}
}

// sweepStaleDrafts hourly drops drafts untouched for longer than ttl so their
// staged images do not pile up.
func sweepStaleDrafts(assess *service.AssessService, ttl time.Duration, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		if _, err := assess.PurgeStale(context.Background(), time.Now().Add(-ttl)); err != nil {
			logger.Error("stale draft sweep failed", "error", err)
		}
	}
}
