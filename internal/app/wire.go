package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/okoval/bingxbot/internal/blob/s3"
	"github.com/okoval/bingxbot/internal/cache/redis"
	"github.com/okoval/bingxbot/internal/config"
	"github.com/okoval/bingxbot/internal/domain"
	"github.com/okoval/bingxbot/internal/notify"
	"github.com/okoval/bingxbot/internal/platform/bingx"
	"github.com/okoval/bingxbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	Slots       domain.SlotTracker
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Exchange is the concrete gateway; the order feed needs its listen-key
	// plumbing beyond the domain interface.
	Exchange *bingx.Client

	// BlobWriter is nil unless archival is enabled.
	BlobWriter domain.BlobWriter

	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function to call on
// shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	policies := make(map[string]redis.SlotPolicy, len(cfg.Slots.Sources))
	for source, policy := range cfg.Slots.Sources {
		policies[source] = redis.SlotPolicy{
			Limit:              policy.Limit,
			ReleaseOnBreakeven: policy.ReleaseOnBreakeven,
		}
	}
	deps.Slots = redis.NewSlotTracker(redisClient, policies, logger)
	deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.BingX.RateLimitPerSec)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- BingX ---
	deps.Exchange = bingx.New(bingx.Config{
		BaseURL:   cfg.BingX.BaseURL,
		APIKey:    cfg.BingX.ApiKey,
		APISecret: cfg.BingX.ApiSecret,
	}, deps.RateLimiter, logger)

	// --- S3 blob storage ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		deps.BlobWriter = s3Client
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
