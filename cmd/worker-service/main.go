package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bimassist/bim-backend/internal/config"
	"github.com/bimassist/bim-backend/internal/worker"
	workerstorage "github.com/bimassist/bim-backend/internal/worker/storage"
	"github.com/bimassist/bim-backend/shared/logger"
	"github.com/bimassist/bim-backend/shared/objectstore"
	"github.com/bimassist/bim-backend/shared/postgresql"
	"github.com/bimassist/bim-backend/shared/rabbitmq"
	"github.com/joho/godotenv"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	configPath := flag.String("config", "configs/worker-service/config.yaml", "path to config file")
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

	if err := cfg.ValidateWorker(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid worker config: %v\n", err)
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

	log.Info("Starting worker service",
		slog.String("name", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.Int("concurrency", cfg.Worker.Concurrency),
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

	queueClient, err := rabbitmq.NewClient(&rabbitmq.Config{
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
		RetryAttempts:     cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:     cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:         cfg.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout: cfg.RabbitMQ.Connection.ConnectionTimeout,
	}, log.Logger)
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

	store := workerstorage.NewStorage(db.GetDB(), log.Logger)
	executor := worker.NewExecutor(objects, log.Logger, worker.ExecutorConfig{
		WorkDir:        cfg.Worker.WorkDir,
		ConvertCommand: cfg.Worker.ConvertCommand,
		ClashCommand:   cfg.Worker.ClashCommand,
		JobTimeout:     cfg.Worker.JobTimeout,
	})
	processor := worker.NewProcessor(store, executor, log.Logger)

	w := worker.NewWorker(worker.Config{
		Concurrency:     cfg.Worker.Concurrency,
		PrefetchCount:   cfg.RabbitMQ.Consumer.PrefetchCount,
		Queues:          []string{cfg.RabbitMQ.ConversionQueue.Name, cfg.RabbitMQ.ClashQueue.Name},
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	}, queueClient, processor, log.Logger)

	if err := w.Start(ctx); err != nil {
		log.Error("Failed to start worker",
			slog.Any("error", err),
		)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("Shutting down worker service")

	w.Stop()

	log.Info("Worker service stopped")
}
