// Package main provides the entry point of the multi-channel message dispatch service
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/orochi-dispatch/app/handlers"
	"github.com/amirphl/orochi-dispatch/app/logging"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	"github.com/amirphl/orochi-dispatch/app/router"
	"github.com/amirphl/orochi-dispatch/app/scheduler"
	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/migrations"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Application represents the main application structure
type Application struct {
	router    *router.FiberRouter
	config    *config.ProductionConfig
	logger    zerolog.Logger
	stopFuncs []func(ctx context.Context)
}

// eventPublisher is a businessflow.EventPublisher that holds a connection
type eventPublisher interface {
	businessflow.EventPublisher
	io.Closer
}

func main() {
	mintOperatorID := flag.String("mint-operator-id", "", "print an operator access token for this id and exit")
	mintOperatorName := flag.String("mint-operator-name", "", "display name carried by the minted operator token")
	flag.Parse()

	cfg, err := config.LoadProductionConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *mintOperatorID != "" {
		if err := mintOperatorToken(cfg.JWT, *mintOperatorID, *mintOperatorName, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to mint operator token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()

	logger.Info().
		Str("environment", cfg.Deployment.Environment).
		Str("version", cfg.Deployment.Version).
		Str("commit", cfg.Deployment.CommitHash).
		Msg("Starting orochi dispatch")

	app, err := initializeApplication(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		_ = logCloser.Close()
		os.Exit(1)
	}

	app.router.SetupRoutes()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		serverErr <- app.router.Start(address)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down gracefully")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("Server stopped unexpectedly")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests before draining the workers
	if err := app.router.GetApp().ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during server shutdown")
	}

	for i := len(app.stopFuncs) - 1; i >= 0; i-- {
		app.stopFuncs[i](shutdownCtx)
	}

	logger.Info().Msg("Server stopped")
}

// initializeDatabase opens the postgres connection with connection pooling and applies migrations
func initializeDatabase(cfg config.DatabaseConfig, logger zerolog.Logger) (*gorm.DB, error) {
	dbLog := logging.Component(logger, "gorm")
	slowThreshold := cfg.SlowQueryTime
	if !cfg.SlowQueryLog {
		slowThreshold = 0
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.New(&dbLog, gormlogger.Config{
			SlowThreshold:             slowThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: utils.UTCNow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Int("max_idle_conns", cfg.MaxIdleConns).
		Msg("Database connection established")

	if cfg.RunMigrations {
		if err := migrations.Apply(sqlDB, cfg.Name, logger); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// initializeCache initializes the Redis client and verifies connectivity. A nil client
// means message locks stay in process.
func initializeCache(cfg config.CacheConfig, logger zerolog.Logger) (*redis.Client, error) {
	if !cfg.Enabled || cfg.Provider != "redis" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Int("db", cfg.RedisDB).Msg("Redis connection established")
	return rc, nil
}

// startCacheHealthMonitor periodically pings Redis to surface connectivity issues.
// The returned function stops the monitor.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration, logger zerolog.Logger) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(monitorCtx, 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					logger.Warn().Err(err).Msg("Redis healthcheck failed")
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeEventPublisher returns the kafka publisher when events are enabled and
// a logging publisher otherwise
func initializeEventPublisher(cfg config.EventsConfig, logger zerolog.Logger) (eventPublisher, error) {
	if !cfg.Enabled {
		return services.NewLogEventPublisher(logger), nil
	}
	publisher, err := services.NewKafkaEventPublisher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	logger.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("Kafka event publisher ready")
	return publisher, nil
}

// initializeApplication wires repositories, flows, workers and the router
func initializeApplication(cfg *config.ProductionConfig, logger zerolog.Logger) (*Application, error) {
	var stopFuncs []func(ctx context.Context)

	db, err := initializeDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		stopFuncs = append(stopFuncs, func(context.Context) {
			if err := sqlDB.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close database")
			}
		})
	}

	rc, err := initializeCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	var locker businessflow.MessageLocker
	if rc != nil {
		locker = businessflow.NewRedisMessageLocker(rc, cfg.Cache.RedisPrefix, cfg.Dispatch.LockTTL)
		stopMonitor := startCacheHealthMonitor(context.Background(), rc, cfg.Cache.CleanupInterval, logger)
		stopFuncs = append(stopFuncs, func(context.Context) {
			stopMonitor()
			_ = rc.Close()
		})
	} else {
		locker = businessflow.NewLocalMessageLocker()
	}

	publisher, err := initializeEventPublisher(cfg.Events, logger)
	if err != nil {
		return nil, err
	}
	stopFuncs = append(stopFuncs, func(context.Context) {
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close event publisher")
		}
	})

	registry := services.BuildAdapterRegistry(cfg, logger)
	clock := clockwork.NewRealClock()

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	ledgerRepo := repository.NewBalanceTransactionRepository(db)

	policy := businessflow.NewAccountPolicy(
		accountRepo,
		messageRepo,
		ledgerRepo,
		db,
		clock,
		utils.LoadLocationOrUTC(cfg.Dispatch.Timezone),
		logger,
	)

	worker := scheduler.NewDispatchWorker(cfg.Dispatch, logger)

	dispatchFlow := businessflow.NewDispatchFlow(
		accountRepo,
		messageRepo,
		policy,
		registry,
		worker,
		locker,
		publisher,
		db,
		clock,
		cfg.Dispatch.ChannelTimeout,
		logger,
	)

	reconciler := businessflow.NewStatusReconciler(
		messageRepo,
		accountRepo,
		registry,
		locker,
		publisher,
		clock,
		businessflow.ReconcilerOptions{
			BatchSize:   cfg.Reconciler.BatchSize,
			BatchBudget: cfg.Reconciler.BatchBudget,
			StaleAfter:  cfg.Reconciler.StaleAfter,
		},
		logger,
	)

	webhookFlow := businessflow.NewWebhookFlow(accountRepo, reconciler, logger)
	operatorFlow := businessflow.NewOperatorFlow(accountRepo, ledgerRepo, policy, reconciler, logger)

	tokenService, err := newTokenService(cfg.JWT)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("issuer", cfg.JWT.Issuer).Str("audience", cfg.JWT.Audience).Msg("Token service initialized")

	appRouter := router.NewFiberRouter(
		router.Handlers{
			Send:     handlers.NewSendHandler(dispatchFlow, cfg.Security.APIKeyHeader, logger),
			Webhook:  handlers.NewWebhookHandler(webhookFlow, cfg.Security.WebhookVerifyToken, cfg.Security.WebhookAppSecret, logger),
			Operator: handlers.NewOperatorHandler(operatorFlow, logger),
		},
		middleware.NewAuthMiddleware(tokenService),
		cfg,
		logger,
	)

	worker.Start(context.Background(), dispatchFlow)
	stopFuncs = append(stopFuncs, func(ctx context.Context) {
		if err := worker.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Int("left_pending", worker.Len()).Msg("Dispatch queue not drained before shutdown deadline")
		}
	})

	if cfg.Reconciler.Enabled {
		statusScheduler, err := scheduler.NewStatusScheduler(reconciler, cfg.Reconciler, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize status scheduler: %w", err)
		}
		statusScheduler.Start()
		stopFuncs = append(stopFuncs, func(context.Context) {
			if err := statusScheduler.Stop(); err != nil {
				logger.Error().Err(err).Msg("Failed to stop status scheduler")
			}
		})
	}

	return &Application{
		router:    appRouter,
		config:    cfg,
		logger:    logger,
		stopFuncs: stopFuncs,
	}, nil
}

func newTokenService(cfg config.JWTConfig) (services.TokenService, error) {
	tokenService, err := services.NewTokenService(
		cfg.AccessTokenTTL,
		cfg.Issuer,
		cfg.Audience,
		cfg.UseRSAKeys,
		cfg.PrivateKey,
		cfg.PublicKey,
		cfg.SecretKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}
	return tokenService, nil
}

// mintOperatorToken writes a signed operator access token to out, one line
func mintOperatorToken(cfg config.JWTConfig, operatorID, operatorName string, out io.Writer) error {
	tokenService, err := newTokenService(cfg)
	if err != nil {
		return err
	}
	token, err := tokenService.GenerateOperatorToken(operatorID, operatorName)
	if err != nil {
		return fmt.Errorf("failed to generate operator token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
