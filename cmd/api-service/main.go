package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bimassist/bim-backend/internal/api/handler"
	"github.com/bimassist/bim-backend/internal/api/router"
	"github.com/bimassist/bim-backend/internal/api/storage"
	"github.com/bimassist/bim-backend/internal/config"
	"github.com/bimassist/bim-backend/shared/logger"
	"github.com/bimassist/bim-backend/shared/objectstore"
	"github.com/bimassist/bim-backend/shared/postgresql"
	"github.com/bimassist/bim-backend/shared/rabbitmq"
	"github.com/joho/godotenv"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	configPath := flag.String("config", "configs/api-service/config.yaml", "path to config file")
	flag.Parse()

	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		*configPath = envPath
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting API service",
		slog.String("name", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	db, err := postgresql.NewClient(&postgresql.Config{
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
	}, log.Logger)
	if err != nil {
		log.Error("Failed to connect to database",
			slog.Any("error", err),
		)
		os.Exit(1)
	}
	defer db.Close()

	queueClient, err := rabbitmq.NewClient(rabbitConfig(cfg), log.Logger)
	if err != nil {
		log.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
		)
		os.Exit(1)
	}
	defer queueClient.Close()

	objects, err := objectstore.NewClient(&objectstore.Config{
		Endpoint:        cfg.ObjectStore.Endpoint,
		AccessKey:       cfg.ObjectStore.AccessKey,
		SecretKey:       cfg.ObjectStore.SecretKey,
		UseSSL:          cfg.ObjectStore.UseSSL,
		Region:          cfg.ObjectStore.Region,
		RawBucket:       cfg.ObjectStore.RawBucket,
		ConvertedBucket: cfg.ObjectStore.ConvertedBucket,
		ReportsBucket:   cfg.ObjectStore.ReportsBucket,
	}, log.Logger)
	if err != nil {
		log.Error("Failed to create object storage client",
			slog.Any("error", err),
		)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := objects.EnsureBuckets(ctx); err != nil {
		log.Error("Failed to prepare object storage buckets",
			slog.Any("error", err),
		)
		os.Exit(1)
	}

	store := storage.NewStorage(db)
	h := handler.NewHandler(log.Logger, db, queueClient, objects, store, cfg)
	engine := router.Setup(h, cfg, log.Logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server listening",
			slog.Int("port", cfg.Server.Port),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed",
				slog.Any("error", err),
			)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down API service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed",
			slog.Any("error", err),
		)
	}

	log.Info("API service stopped")
}

// rabbitConfig maps the service configuration onto the broker client. The API
// service declares the same topology as the worker so either side can start
// first.
func rabbitConfig(cfg *config.Config) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.RabbitMQ.Host,
		Port:               cfg.RabbitMQ.Port,
		User:               cfg.RabbitMQ.User,
		Password:           cfg.RabbitMQ.Password,
		VHost:              cfg.RabbitMQ.VHost,
		ExchangeName:       cfg.RabbitMQ.Exchange.Name,
		ExchangeType:       cfg.RabbitMQ.Exchange.Type,
		DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
		Queues: []rabbitmq.QueueConfig{
			{
				Name:       cfg.RabbitMQ.ConversionQueue.Name,
				RoutingKey: cfg.RabbitMQ.ConversionQueue.RoutingKey,
				MessageTTL: cfg.RabbitMQ.ConversionQueue.MessageTTL,
			},
			{
				Name:       cfg.RabbitMQ.ClashQueue.Name,
				RoutingKey: cfg.RabbitMQ.ClashQueue.RoutingKey,
				MessageTTL: cfg.RabbitMQ.ClashQueue.MessageTTL,
			},
		},
		RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout:  cfg.RabbitMQ.Connection.ConnectionTimeout,
		PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
		PublishBackoffMult: cfg.RabbitMQ.Publish.BackoffMultiplier,
	}
}
