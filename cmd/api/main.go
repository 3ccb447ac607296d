package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/changeset-api/internal/cache"
	"github.com/noah-isme/changeset-api/internal/config"
	"github.com/noah-isme/changeset-api/internal/database"
	"github.com/noah-isme/changeset-api/internal/entity"
	"github.com/noah-isme/changeset-api/internal/handler"
	"github.com/noah-isme/changeset-api/internal/middleware"
	"github.com/noah-isme/changeset-api/internal/realtime"
	"github.com/noah-isme/changeset-api/internal/repository"
	"github.com/noah-isme/changeset-api/internal/router"
	"github.com/noah-isme/changeset-api/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	registry, err := entity.NewRegistry(db, entity.Marketplace()...)
	if err != nil {
		log.Fatalf("failed to build entity registry: %v", err)
	}

	redisClient, err := database.ConnectRedis(context.Background(), cfg.RedisURL, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := realtime.NewHub(logger)
	bridge := realtime.NewBridge(hub, redisClient, cfg.RealtimeChannel, natsConn, logger)
	bridge.Start(ctx)

	comparison, err := service.ParseStaleComparison(cfg.ConflictStaleComparison)
	if err != nil {
		log.Fatalf("invalid conflict policy: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	store := cache.NewRedisStore(redisClient)
	stores := repository.NewStores(db)

	auditService := service.NewAuditService(stores.AuditLogs, repository.NewUserActivityRepository(db), store, service.AuditOptions{
		RecentTTL:   cfg.AuditRecentTTL,
		RecentLimit: cfg.AuditRecentLimit,
		CounterTTL:  cfg.ActivityCounterTTL,
	}, logger)

	changeService := service.NewChangeService(service.ChangeServiceDeps{
		Registry:   registry,
		Stores:     stores,
		Transactor: repository.NewTransactor(db),
		Detector: service.NewConflictDetector(stores.ChangeSets, service.ConflictPolicy{
			Window:          cfg.ConflictWindow,
			StaleComparison: comparison,
		}),
		Audit:     auditService,
		Cache:     store,
		Sink:      bridge,
		Validator: validate,
		EntityTTL: cfg.EntityCacheTTL,
		Logger:    logger,
	})

	go service.RunRetention(ctx, auditService, cfg.RetentionDays, cfg.RetentionInterval, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		ChangeHandler:   handler.NewChangeHandler(changeService, logger),
		EntityHandler:   handler.NewEntityHandler(changeService, logger),
		AuditHandler:    handler.NewAuditHandler(auditService, logger),
		RealtimeHandler: handler.NewRealtimeHandler(hub, logger),
		HealthProbes: map[string]handler.HealthProbe{
			"postgres": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
		JWTMiddleware:   middleware.JWTProtected(cfg.JWTSecret),
		RateLimiter:     middleware.RateLimit("api", cfg.RateLimitMax, cfg.RateLimitWindow),
		ActivityTracker: middleware.TrackActivity(auditService),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(ctx, app)
}

func waitForShutdown(ctx context.Context, app *fiber.App) {
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
