package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrMalformedMessage is returned when a delivery body is not a valid message
var ErrMalformedMessage = errors.New("malformed email message")

// process handles one delivery and acknowledges it
func (c *Consumer) process(ctx context.Context, delivery amqp.Delivery) {
	err := c.handle(ctx, delivery.Body)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ACK message",
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeue(err, delivery.Redelivered)
	c.logger.Error("Email message processing failed",
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
		slog.Bool("requeue", requeue),
		slog.String("error", err.Error()),
	)
	c.nack(delivery, requeue)
}

// handle decodes and ingests one message body
func (c *Consumer) handle(ctx context.Context, body []byte) error {
	var msg EmailClassifiedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.handleTimeout)
	defer cancel()

	result, err := c.ingester.IngestEmail(ctx, msg.ToEmailUpdate())
	if err != nil {
		return err
	}

	attrs := []any{
		slog.String("email_id", msg.EmailID),
		slog.String("user_id", msg.UserID),
		slog.Bool("duplicate", result.Duplicate),
		slog.Bool("status_changed", result.StatusChanged),
	}
	if result.Application != nil {
		attrs = append(attrs, slog.String("application_id", result.Application.ApplicationID))
	}
	c.logger.Info("Email message ingested", attrs...)
	return nil
}

func (c *Consumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.String("error", err.Error()),
		)
	}
}

// shouldRequeue retries unexpected failures once. Bad input and unknown applications
// never succeed on redelivery.
func shouldRequeue(err error, redelivered bool) bool {
	switch {
	case errors.Is(err, ErrMalformedMessage),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrNotFound):
		return false
	case errors.Is(err, context.Canceled):
		return true
	default:
		return !redelivered
	}
}
