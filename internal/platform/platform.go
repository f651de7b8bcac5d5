// Package platform connects the service to its backing systems from
// configuration. Optional systems fall back to in-process implementations
// when they are not configured.
package platform

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rars/api/internal/app"
	"rars/api/internal/blob"
	"rars/api/internal/config"
	"rars/api/internal/email"
	"rars/api/internal/idempotency"
	"rars/api/internal/letters"
	"rars/api/internal/search"
	"rars/api/internal/store"
)

// NewLogger builds the JSON production logger at the configured level.
func NewLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(parsed)
	return zcfg.Build()
}

// Runtime is a wired service plus the handles that must be closed with it.
type Runtime struct {
	Service *app.Service
	DB      *sql.DB
	Search  *search.Service

	closers []func()
}

func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// Open connects to Postgres and every configured backing system.
// Migrations are applied when migrate is set.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, migrate bool) (*Runtime, error) {
	rt := &Runtime{}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt.DB = db
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	if migrate {
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", zap.Strings("versions", applied))
		}
	}

	var blobs blob.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("object storage: %w", err)
		}
		blobs = minioStore
	} else {
		logger.Warn("MINIO_ENDPOINT not set; documents are kept in memory")
		blobs = blob.NewMemory(cfg.PublicBaseURL)
	}

	var idem idempotency.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := idempotency.NewRedisStore(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = redisStore.Close() })
		idem = redisStore
	} else {
		idem = idempotency.NewMemoryStore()
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		rt.closers = append(rt.closers, meiliClient.Close)
	}
	rt.Search = search.NewService(meiliClient, pgfts, logger.Named("search"))

	mailer := email.NewService(email.Config{
		Host:          cfg.SMTPHost,
		Port:          cfg.SMTPPort,
		Username:      cfg.SMTPUsername,
		Password:      cfg.SMTPPassword,
		From:          cfg.SMTPFrom,
		FromName:      cfg.SMTPFromName,
		SkipTLSVerify: cfg.SMTPSkipTLSCheck,
	})
	if cfg.EmailEnabled && !mailer.IsConfigured() {
		logger.Warn("SMTP not configured; workflow emails are skipped")
	}

	rt.Service = app.New(cfg, app.Deps{
		Store:       store.NewPostgresStore(db),
		Blobs:       blobs,
		Letters:     letters.NewRenderer(logger.Named("letters")),
		Mailer:      mailer,
		Search:      rt.Search,
		Idempotency: idem,
		Logger:      logger,
	})
	return rt, nil
}
