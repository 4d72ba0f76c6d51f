package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/handlers"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/health"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/monitor"
	"github.com/Ramsey-B/clover/pkg/oauth"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/rollup"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/stream"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/vault"
)

var version = "dev"

// dependency adapts plain start/stop funcs to the startup graph
type dependency struct {
	name      string
	dependsOn []string
	start     func(ctx context.Context) error
	stop      func(ctx context.Context) error
}

func (d *dependency) GetName() string     { return d.name }
func (d *dependency) DependsOn() []string { return d.dependsOn }
func (d *dependency) Start(ctx context.Context) error {
	if d.start == nil {
		return nil
	}
	return d.start(ctx)
}
func (d *dependency) Stop(ctx context.Context) error {
	if d.stop == nil {
		return nil
	}
	return d.stop(ctx)
}

func main() {
	_ = godotenv.Load()

	ctx := context.Background()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(&cfg)

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	tracing.SetTracer(tp.Tracer(cfg.AppName))

	var (
		sqlxDB      *sqlx.DB
		db          database.DB
		redisClient *redis.Client
		producer    *kafka.Producer
	)

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	boot.AddDependency(&dependency{
		name: "database",
		start: func(ctx context.Context) error {
			dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
				cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
				cfg.DatabaseName, cfg.DatabaseSSLMode)

			var err error
			sqlxDB, err = sqlx.ConnectContext(ctx, cfg.DatabaseDriver, dsn)
			if err != nil {
				return err
			}
			sqlxDB.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
			sqlxDB.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
			sqlxDB.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

			db = database.NewDatabaseInstance(sqlxDB, logger)
			return nil
		},
		stop: func(ctx context.Context) error {
			if sqlxDB == nil {
				return nil
			}
			return sqlxDB.Close()
		},
	})
	boot.AddDependency(&dependency{
		name:      "migrations",
		dependsOn: []string{"database"},
		start: func(ctx context.Context) error {
			driver, err := migratepg.WithInstance(sqlxDB.DB, &migratepg.Config{})
			if err != nil {
				return err
			}
			ms := database.NewMigrationService(logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             uint(cfg.DatabaseMigrationVersion),
				Force:               cfg.DatabaseMigrationForce,
				AutoRollback:        cfg.DatabaseMigrationAutoRollback,
			})
			return ms.Migrate(cfg.DatabaseName, driver)
		},
	})
	boot.AddDependency(&dependency{
		name: "redis",
		start: func(ctx context.Context) error {
			var err error
			redisClient, err = redis.NewClient(redis.Config{
				Host:     cfg.RedisHost,
				Port:     cfg.RedisPort,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}, logger)
			return err
		},
		stop: func(ctx context.Context) error {
			if redisClient == nil {
				return nil
			}
			return redisClient.Close()
		},
	})
	boot.AddDependency(&dependency{
		name: "kafka",
		start: func(ctx context.Context) error {
			producer = kafka.NewProducer(kafka.ParseConfig(
				cfg.KafkaBrokers, cfg.KafkaCallRecordTopic, cfg.KafkaCallErrorTopic), logger)
			return nil
		},
		stop: func(ctx context.Context) error {
			if producer == nil {
				return nil
			}
			return producer.Close()
		},
	})

	if err := boot.Start(ctx); err != nil {
		logger.WithError(err).Error("startup failed")
		os.Exit(1)
	}

	credentialVault, err := newVault(&cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize credential vault")
		os.Exit(1)
	}

	costTable, err := rollup.ParseCostTable(cfg.CostPerToolJSON, cfg.DefaultCostPerCall)
	if err != nil {
		logger.WithError(err).Error("invalid cost table configuration")
		os.Exit(1)
	}

	// Repositories
	integrationRepo := repositories.NewIntegrationRepository(db, logger)
	stateRepo := repositories.NewOAuthStateRepository(db, logger)
	executionRepo := repositories.NewToolExecutionRepository(db, logger)
	streamEventRepo := repositories.NewStreamEventRepository(db, logger)
	activityRepo := repositories.NewAgentActivityRepository(db, logger)
	aggregateRepo := repositories.NewMetricsAggregateRepository(db, logger)
	snapshotRepo := repositories.NewHealthSnapshotRepository(db, logger)
	costRepo := repositories.NewCostTrackingRepository(db, logger)

	// Core services
	hub := stream.NewHub(streamEventRepo, logger, cfg.StreamSubscriberBuffer)

	oauthClient := httpclient.NewClient(httpclient.DefaultConfig(), logger)
	registry := oauth.NewRegistry(&cfg)
	states := oauth.NewStateManager(stateRepo, logger, cfg.OAuthStateTTL, cfg.OAuthStateRetention)
	oauthManager := oauth.NewManager(registry, states, integrationRepo, credentialVault, oauthClient, logger, cfg.OAuthCallbackBaseURL)

	outboundCfg := httpclient.DefaultConfig()
	outboundCfg.Timeout = cfg.OutboundCallTimeout
	outboundClient := httpclient.NewClient(outboundCfg, logger)
	callMonitor := monitor.NewMonitor(executionRepo, hub, producer, aggregateRepo, outboundClient, logger)

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	locks := redis.NewLocker(redisClient, cfg.AppName)
	if cfg.RollupEnabled {
		aggregator := rollup.NewAggregator(integrationRepo, executionRepo, aggregateRepo, costTable, locks, logger, cfg.RollupPollInterval)
		go aggregator.Run(workerCtx)

		costWorker := rollup.NewCostWorker(integrationRepo, executionRepo, costRepo, costTable, locks, logger, cfg.RollupPollInterval)
		go costWorker.Run(workerCtx)

		scorer := rollup.HealthScorer{
			Weights: rollup.ScoreWeights{
				ErrorRate: cfg.HealthScoreErrorRateWeight,
				Latency:   cfg.HealthScoreLatencyWeight,
				Checks:    cfg.HealthScoreChecksWeight,
			},
			LatencyCeiling: cfg.HealthScoreLatencyCeiling,
		}
		healthWorker := rollup.NewHealthWorker(integrationRepo, executionRepo, snapshotRepo, scorer, locks, logger, cfg.HealthSnapshotInterval, cfg.HealthSnapshotLookback)
		go healthWorker.Run(workerCtx)
	}

	go purgeExpiredStates(workerCtx, states, logger, cfg.OAuthStatePurgeInterval)

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.HTTPErrorHandler = middleware.Error(logger)

	checker := health.NewChecker(db, redisClient, version)
	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	if cfg.AuthEnabled {
		api.Use(middleware.Authentication(logger, cfg.AuthIssuerURL, cfg.AuthClientID))
	}

	oauthHandler := handlers.NewOAuthHandler(oauthManager)
	oauthHandler.RegisterRoutes(api)
	oauthHandler.RegisterCallbackRoute(e)
	handlers.NewIntegrationHandler(integrationRepo, oauthManager, credentialVault).RegisterRoutes(api)
	handlers.NewExecutionHandler(executionRepo, callMonitor, oauthManager).RegisterRoutes(api)
	handlers.NewStreamHandler(hub, logger).RegisterRoutes(api)
	handlers.NewMetricsHandler(aggregateRepo, snapshotRepo, costRepo, activityRepo).RegisterRoutes(api)

	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Infof("%s listening on %s", cfg.AppName, addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server stopped unexpectedly")
		}
	}()

	checker.SetReady(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	checker.SetReady(false)
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}
	if err := boot.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("dependency shutdown failed")
	}
}

func newLogger(cfg *config.Config) ectologger.Logger {
	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}

	zapLogger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// newVault builds the credential vault. Outside production a missing secret
// falls back to a generated throwaway key so local development works without
// setup; production requires a configured secret.
func newVault(cfg *config.Config, logger ectologger.Logger) (*vault.Vault, error) {
	if cfg.VaultEncryptionSecret != "" {
		return vault.New(cfg.VaultEncryptionSecret, logger)
	}
	if cfg.Environment == "production" {
		return nil, fmt.Errorf("VAULT_ENCRYPTION_SECRET is required in production")
	}

	logger.Warn("no vault secret configured, generating a throwaway key; stored credentials will not survive a restart")
	return vault.NewWithGeneratedKey(logger)
}

func purgeExpiredStates(ctx context.Context, states *oauth.StateManager, logger ectologger.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := states.PurgeExpired(ctx)
			if err != nil {
				logger.WithContext(ctx).WithError(err).Error("state purge failed")
				continue
			}
			if purged > 0 {
				logger.Infof("purged %d expired authorization states", purged)
			}
		}
	}
}
