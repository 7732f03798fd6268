package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"market_core/internal/broker"
	"market_core/internal/domain"

	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

// StreamConsumer relays events written by RabbitMQStreamOutboxRepository.
type StreamConsumer struct {
	broker     *broker.RabbitMQClient
	relay      *Relay
	streamName string
}

func NewStreamConsumer(broker *broker.RabbitMQClient, relay *Relay, streamName string) *StreamConsumer {
	return &StreamConsumer{
		broker:     broker,
		relay:      relay,
		streamName: streamName,
	}
}

func (c *StreamConsumer) Start(ctx context.Context) error {
	if c.broker.StreamEnv == nil {
		return errors.New("stream environment is not configured")
	}

	// Only events produced after startup are relayed.
	consumer, err := c.broker.StreamEnv.NewConsumer(
		c.streamName,
		func(consumerContext stream.ConsumerContext, message *amqp.Message) {
			c.handle(ctx, message.GetData())
		},
		stream.NewConsumerOptions().
			SetOffset(stream.OffsetSpecification{}.Next()),
	)
	if err != nil {
		return fmt.Errorf("failed to start stream consumer: %w", err)
	}
	defer consumer.Close()

	slog.Info("Stream consumer started", "stream", c.streamName)

	<-ctx.Done()
	return nil
}

func (c *StreamConsumer) handle(ctx context.Context, data []byte) {
	var event domain.OutboxEvent
	if err := json.Unmarshal(data, &event); err != nil {
		slog.Error("Failed to unmarshal stream event", "error", err)
		return
	}
	if err := c.relay.Dispatch(ctx, &event); err != nil {
		slog.Error("Failed to relay stream event", "id", event.ID, "type", event.EventType, "error", err)
	}
}
