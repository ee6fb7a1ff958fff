// Package ingest consumes classified emails from RabbitMQ and hands them to the orchestrator.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/cuongbtq/apply-orchestrator/internal/orchestrator"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is the part of the RabbitMQ client the consumer needs
type Broker interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Ingester records one classified email
type Ingester interface {
	IngestEmail(ctx context.Context, update *domain.EmailUpdate) (*orchestrator.IngestResult, error)
}

// Config holds consumer configuration
type Config struct {
	Logger        *slog.Logger
	Broker        Broker
	Ingester      Ingester
	ConsumerTag   string
	Concurrency   int
	PrefetchCount int
	HandleTimeout time.Duration
}

// Consumer dispatches email.classified deliveries to a pool of handlers
type Consumer struct {
	logger        *slog.Logger
	broker        Broker
	ingester      Ingester
	consumerTag   string
	concurrency   int
	prefetchCount int
	handleTimeout time.Duration

	deliveries chan amqp.Delivery
	wg         sync.WaitGroup
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewConsumer creates a new consumer
func NewConsumer(cfg *Config) *Consumer {
	c := &Consumer{
		logger:        cfg.Logger,
		broker:        cfg.Broker,
		ingester:      cfg.Ingester,
		consumerTag:   cfg.ConsumerTag,
		concurrency:   cfg.Concurrency,
		prefetchCount: cfg.PrefetchCount,
		handleTimeout: cfg.HandleTimeout,
		stopChan:      make(chan struct{}),
	}

	if c.concurrency <= 0 {
		c.concurrency = 2 // default
	}
	if c.prefetchCount <= 0 {
		c.prefetchCount = c.concurrency * 2
	}
	if c.handleTimeout <= 0 {
		c.handleTimeout = 30 * time.Second // default
	}
	if c.consumerTag == "" {
		c.consumerTag = "orchestrator-email-consumer"
	}
	c.deliveries = make(chan amqp.Delivery)
	return c
}

// Start subscribes to the queue and processes deliveries until ctx is canceled or Stop is called
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.broker.Qos(c.prefetchCount); err != nil {
		return err
	}
	c.logger.Info("RabbitMQ QoS configured", slog.Int("prefetch_count", c.prefetchCount))

	deliveries, err := c.broker.Consume(c.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Email consumer started",
		slog.String("consumer_tag", c.consumerTag),
		slog.Int("concurrency", c.concurrency),
	)

	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, i)
	}

	c.dispatch(ctx, deliveries)
	return nil
}

// Stop signals the handlers to exit and waits for in-flight messages
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping email consumer...")
		close(c.stopChan)
	})
	c.wg.Wait()
	c.logger.Info("Email consumer stopped")
}

// dispatch forwards deliveries to the handler pool
func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Message dispatcher stopped - context canceled")
			return
		case <-c.stopChan:
			c.logger.Info("Message dispatcher stopped - stopChan closed")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			select {
			case c.deliveries <- delivery:
			case <-ctx.Done():
				c.nack(delivery, true)
				return
			case <-c.stopChan:
				c.nack(delivery, true)
				return
			}
		}
	}
}

func (c *Consumer) workerLoop(ctx context.Context, workerNum int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		case delivery := <-c.deliveries:
			c.logger.Debug("Handler received message",
				slog.Int("worker_num", workerNum),
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
			)
			c.process(ctx, delivery)
		}
	}
}
