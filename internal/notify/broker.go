package notify

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Publisher is the subset of the RabbitMQ client used to publish events
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// BrokerNotifier publishes every event to the message broker under
// "<prefix>.<event type>"
type BrokerNotifier struct {
	publisher Publisher
	prefix    string
	logger    *slog.Logger
}

// NewBrokerNotifier creates a new BrokerNotifier
func NewBrokerNotifier(publisher Publisher, prefix string, logger *slog.Logger) *BrokerNotifier {
	if prefix == "" {
		prefix = "application" // default
	}
	return &BrokerNotifier{publisher: publisher, prefix: prefix, logger: logger}
}

func (b *BrokerNotifier) Notify(ctx context.Context, evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("Failed to marshal event", slog.Any("error", err))
		return
	}

	routingKey := b.prefix + "." + string(evt.Type)
	if err := b.publisher.PublishWithRetry(context.WithoutCancel(ctx), routingKey, body, "application/json"); err != nil {
		b.logger.Error("Failed to publish event",
			slog.String("routing_key", routingKey),
			slog.String("application_id", evt.ApplicationID),
			slog.Any("error", err),
		)
	}
}
