package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/agent"
	"github.com/cuongbtq/apply-orchestrator/internal/api/handler"
	"github.com/cuongbtq/apply-orchestrator/internal/api/router"
	"github.com/cuongbtq/apply-orchestrator/internal/auth"
	"github.com/cuongbtq/apply-orchestrator/internal/config"
	"github.com/cuongbtq/apply-orchestrator/internal/ingest"
	"github.com/cuongbtq/apply-orchestrator/internal/notify"
	"github.com/cuongbtq/apply-orchestrator/internal/orchestrator"
	"github.com/cuongbtq/apply-orchestrator/internal/query"
	"github.com/cuongbtq/apply-orchestrator/internal/storage"
	"github.com/cuongbtq/apply-orchestrator/shared/logger"
	"github.com/cuongbtq/apply-orchestrator/shared/postgresql"
	"github.com/cuongbtq/apply-orchestrator/shared/rabbitmq"
	"github.com/cuongbtq/apply-orchestrator/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("ORCHESTRATOR_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/orchestrator-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	issueToken := flag.String("issue-token", "", "Print a bearer token for the given user id and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	verifier := auth.NewHMACVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if *issueToken != "" {
		token, err := verifier.Issue(*issueToken, "")
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		fmt.Println(token)
		return nil
	}

	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting orchestrator service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("browser", cfg.Agent.Browser),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, dbClient, err := initStore(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if dbClient != nil {
		defer dbClient.Close()
	}

	// Notifications
	hub := notify.NewHub(appLogger.Logger)
	go hub.Run(ctx)

	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		appLogger.Info("RabbitMQ connection established")
	}

	// Read side
	var cache query.Cache
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Config{
			Host:        cfg.Redis.Host,
			Port:        cfg.Redis.Port,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DefaultTTL:  cfg.Redis.TTL,
			DialTimeout: cfg.Redis.DialTimeout,
		}, appLogger.Logger)
		defer redisClient.Close()
		cache = redisClient
	}
	reader := query.New(&query.Config{
		Store:  store,
		Cache:  cache,
		TTL:    cfg.Redis.TTL,
		Logger: appLogger.Logger,
	})

	notifiers := notify.Fanout{reader, hub}
	if rabbitClient != nil {
		notifiers = append(notifiers, notify.NewBrokerNotifier(rabbitClient, cfg.RabbitMQ.EventPrefix, appLogger.Logger))
	}

	// Lifecycle
	orch := orchestrator.New(&orchestrator.Config{
		Store:       store,
		Runner:      initRunner(&cfg.Agent, appLogger.Logger),
		Notifier:    notifiers,
		Logger:      appLogger.Logger,
		Concurrency: cfg.Orchestrator.Concurrency,
		QueueSize:   cfg.Orchestrator.QueueSize,
		RunTimeout:  cfg.Orchestrator.RunTimeout,
	})
	orch.StartWorkers()

	if cfg.Orchestrator.RecoverOnStart {
		recovered, err := orch.RecoverStale(ctx)
		if err != nil {
			appLogger.Error("Failed to recover stale runs", slog.Any("error", err))
		} else if recovered > 0 {
			appLogger.Warn("Returned stale in-progress applications to pending", slog.Int("count", recovered))
		}
	}

	// Email ingestion
	var consumer *ingest.Consumer
	consumerErr := make(chan error, 1)
	if rabbitClient != nil {
		consumer = ingest.NewConsumer(&ingest.Config{
			Logger:        appLogger.Logger,
			Broker:        rabbitClient,
			Ingester:      orch,
			ConsumerTag:   cfg.RabbitMQ.Consumer.Tag,
			Concurrency:   cfg.RabbitMQ.Consumer.Concurrency,
			PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
			HandleTimeout: cfg.RabbitMQ.Consumer.HandleTimeout,
		})
		go func() {
			if err := consumer.Start(ctx); err != nil {
				consumerErr <- err
			}
		}()
	}

	// HTTP
	deps := &handler.Dependencies{
		Logger:      appLogger.Logger,
		ServiceName: cfg.App.Name,
		Lifecycle:   orch,
		Reader:      reader,
		Profiles:    store,
		Subscriber:  hub,
	}
	if dbClient != nil {
		deps.Health = dbClient
	}
	r := initRouter(cfg, deps, verifier)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("Orchestrator service is running",
		slog.String("address", addr),
		slog.Int("agent_concurrency", cfg.Orchestrator.Concurrency),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		runErr = err
	case err := <-consumerErr:
		appLogger.Error("Email consumer failed", slog.Any("error", err))
		runErr = err
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		if consumer != nil {
			consumer.Stop()
		}
		orch.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Orchestrator stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Shutdown timeout exceeded, forcing exit")
	}

	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
	})
}

// initStore opens the configured application store. The database client is nil
// for the in-memory store.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, *postgresql.Client, error) {
	if cfg.Storage.Driver != config.StoragePostgres {
		logger.Warn("Using in-memory storage; applications are lost on restart")
		return storage.NewMemoryStore(), nil, nil
	}

	dbClient, err := postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectRetries:  cfg.Database.ConnectRetries,
		RetryInterval:   cfg.Database.RetryInterval,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewPostgresStore(dbClient.GetDB(), logger)
	if cfg.Storage.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			dbClient.Close()
			return nil, nil, err
		}
	}

	logger.Info("Database connection established", slog.String("stats", dbClient.Stats()))
	return store, dbClient, nil
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		BindingKey:         cfg.BindingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRunner builds the apply agent on top of the configured browser driver
func initRunner(cfg *config.AgentConfig, logger *slog.Logger) agent.Runner {
	var browser agent.Browser
	switch cfg.Browser {
	case config.BrowserChrome:
		browser = agent.NewChromeBrowser(&agent.ChromeBrowserConfig{
			Headless:          cfg.Headless,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.NavigationTimeout,
			SettleDelay:       cfg.SettleDelay,
		})
	default:
		browser = agent.NewSimulatedBrowser(agent.DefaultFormSteps(), cfg.SimulatedLatency)
	}

	return agent.NewFormRunner(&agent.FormRunnerConfig{
		Browser:        browser,
		Logger:         logger,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxSteps:       cfg.MaxSteps,
		RatePerSecond:  cfg.RatePerSecond,
	})
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies, verifier *auth.HMACVerifier) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.Options{
		Verifier:       verifier,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
}
