// Package worker consumes pipeline jobs from RabbitMQ and executes them with
// bounded concurrency. Retry state lives in the job record store, so the
// broker only ever sees ack, requeue, or drop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bimassist/bim-backend/internal/worker/domain"
	"github.com/bimassist/bim-backend/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds worker pool configuration
type Config struct {
	Concurrency     int
	PrefetchCount   int
	Queues          []string
	ShutdownTimeout time.Duration
}

// Worker pulls deliveries from the configured queues and hands them to a
// fixed pool of goroutines
type Worker struct {
	config    Config
	client    *rabbitmq.Client
	processor *Processor
	logger    *slog.Logger

	jobs   chan amqp.Delivery
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorker creates a new Worker instance
func NewWorker(config Config, client *rabbitmq.Client, processor *Processor, logger *slog.Logger) *Worker {
	return &Worker{
		config:    config,
		client:    client,
		processor: processor,
		logger:    logger,
		jobs:      make(chan amqp.Delivery),
	}
}

// Start begins consuming from every configured queue. The prefetch count
// bounds in-flight deliveries so the pool is never handed more work than it
// can run.
func (w *Worker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	prefetch := w.config.PrefetchCount
	if prefetch <= 0 {
		prefetch = w.config.Concurrency
	}

	if err := w.client.GetChannel().Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set channel QoS: %w", err)
	}

	var forwarders sync.WaitGroup
	for _, queueName := range w.config.Queues {
		deliveries, err := w.client.Consume(queueName, fmt.Sprintf("worker-%s", queueName))
		if err != nil {
			w.cancel()
			return fmt.Errorf("failed to consume queue %s: %w", queueName, err)
		}

		forwarders.Add(1)
		go w.forward(ctx, queueName, deliveries, &forwarders)
	}

	// Once every consume channel drains (connection closed or shutdown),
	// close the job channel so the pool can exit
	go func() {
		forwarders.Wait()
		close(w.jobs)
	}()

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker started",
		slog.Int("concurrency", w.config.Concurrency),
		slog.Int("prefetch", prefetch),
		slog.Any("queues", w.config.Queues),
	)

	return nil
}

// Stop drains the pool, waiting at most the configured shutdown timeout for
// in-flight jobs to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("Worker shutdown timed out with jobs still running",
			slog.Duration("timeout", w.config.ShutdownTimeout),
		)
	}
}

// forward moves deliveries from one queue's consume channel into the shared
// job channel
func (w *Worker) forward(ctx context.Context, queueName string, deliveries <-chan amqp.Delivery, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Consume channel closed",
					slog.String("queue", queueName),
				)
				return
			}

			select {
			case w.jobs <- d:
			case <-ctx.Done():
				// Unacked delivery returns to the queue when the
				// channel closes
				return
			}
		}
	}
}

func (w *Worker) workerLoop(ctx context.Context, id int) {
	defer w.wg.Done()

	logger := w.logger.With(slog.Int("worker_id", id))

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-w.jobs:
			if !ok {
				return
			}
			w.handleDelivery(ctx, d, logger)
		}
	}
}

// handleDelivery runs one job and settles the delivery with the broker. The
// processor's error class picks the outcome.
func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery, logger *slog.Logger) {
	err := w.processor.Process(ctx, d.Body)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error("Failed to ack delivery",
				slog.Any("error", ackErr),
			)
		}
		return
	}

	var retryable *domain.RetryableError
	requeue := errors.As(err, &retryable)

	if nackErr := d.Nack(false, requeue); nackErr != nil {
		logger.Error("Failed to nack delivery",
			slog.Bool("requeue", requeue),
			slog.Any("error", nackErr),
		)
		return
	}

	if requeue {
		logger.Warn("Delivery requeued",
			slog.Any("error", err),
		)
	} else {
		logger.Error("Delivery dropped",
			slog.Any("error", err),
		)
	}
}
