package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

const (
	ExchangeTopic = "market.topic"
	ExchangePush  = "market.push"
)

// OrderRoutingKey addresses a row change on one order, e.g.
// order.<id>.message_created.
func OrderRoutingKey(orderID uuid.UUID, eventType string) string {
	return fmt.Sprintf("order.%s.%s", orderID, strings.ToLower(eventType))
}

// AllOrdersBindingKey matches every order change.
const AllOrdersBindingKey = "order.#"

func OrderBindingKey(orderID uuid.UUID) string {
	return fmt.Sprintf("order.%s.#", orderID)
}

func TypingRoutingKey(orderID uuid.UUID) string {
	return fmt.Sprintf("typing.%s", orderID)
}

func UserRoutingKey(userID uuid.UUID) string {
	return fmt.Sprintf("user.%s", userID)
}

type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	// StreamEnv is set when a stream URI was given; it backs the stream
	// outbox mode.
	StreamEnv *stream.Environment
}

func NewRabbitMQClient(url string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// 1. Topic exchange for change notifications and typing signals
	err = ch.ExchangeDeclare(
		ExchangeTopic, // name
		"topic",       // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	// 2. Push exchange, dead-letter target of user queues
	err = ch.ExchangeDeclare(
		ExchangePush, // name
		"fanout",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare push exchange: %w", err)
	}

	return &RabbitMQClient{
		conn:    conn,
		channel: ch,
	}, nil
}

// EnableStreams connects the stream environment and declares the outbox
// stream.
func (c *RabbitMQClient) EnableStreams(uri, streamName string) error {
	env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(uri))
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq streams: %w", err)
	}
	err = env.DeclareStream(streamName, &stream.StreamOptions{
		MaxLengthBytes: stream.ByteCapacity{}.GB(1),
	})
	if err != nil && !errors.Is(err, stream.StreamAlreadyExists) {
		env.Close()
		return fmt.Errorf("failed to declare stream %s: %w", streamName, err)
	}
	c.StreamEnv = env
	return nil
}

func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, body interface{}) error {
	return c.PublishToExchange(ctx, ExchangeTopic, routingKey, body)
}

func (c *RabbitMQClient) PublishToExchange(ctx context.Context, exchange, routingKey string, body interface{}) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	return c.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        bytes,
		},
	)
}

func (c *RabbitMQClient) Close() {
	if c.StreamEnv != nil {
		c.StreamEnv.Close()
	}
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// ConsumeUserQueue creates a queue for the user with TTL/DLX and consumes it.
// Messages nobody picks up within the TTL are dead-lettered to the push
// exchange. The returned cancel stops consuming; the queue then expires on
// its own.
func (c *RabbitMQClient) ConsumeUserQueue(userID uuid.UUID) (<-chan amqp.Delivery, func(), error) {
	queueName := UserRoutingKey(userID)

	args := amqp.Table{
		"x-message-ttl":          int32(5000),  // 5 seconds TTL
		"x-dead-letter-exchange": ExchangePush, // offline users get a notification instead
		"x-expires":              int32(60000), // delete queue if unused for 60s
	}

	q, err := c.channel.QueueDeclare(
		queueName, // name
		false,     // durable
		false,     // delete when unused (x-expires allows brief disconnects)
		false,     // exclusive
		false,     // no-wait
		args,      // arguments
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to declare user queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,                 // queue name
		UserRoutingKey(userID), // routing key
		ExchangeTopic,          // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind user queue: %w", err)
	}

	consumerTag := fmt.Sprintf("consumer-%s", userID)
	msgs, err := c.channel.Consume(
		q.Name,      // queue
		consumerTag, // consumer tag
		true,        // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	cancel := func() {
		c.channel.Cancel(consumerTag, false)
	}

	return msgs, cancel, nil
}

// ConsumePushQueue consumes from the DLX exchange
func (c *RabbitMQClient) ConsumePushQueue() (<-chan amqp.Delivery, error) {
	q, err := c.channel.QueueDeclare(
		"push_notifications_dlx", // name
		true,                     // durable
		false,                    // delete when unused
		false,                    // exclusive
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare push queue: %w", err)
	}

	err = c.channel.QueueBind(
		q.Name,       // queue name
		"#",          // routing key
		ExchangePush, // exchange
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind push queue: %w", err)
	}

	return c.channel.Consume(
		q.Name, "", false, false, false, false, nil,
	)
}

// ConsumeBroadcast creates a temporary exclusive queue bound to the topic
// exchange with the given routing keys. Every caller gets its own copy of
// matching messages. Cancelling deletes the queue.
func (c *RabbitMQClient) ConsumeBroadcast(routingKeys ...string) (<-chan amqp.Delivery, func(), error) {
	q, err := c.channel.QueueDeclare(
		"",    // name (server-generated)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to declare broadcast queue: %w", err)
	}

	for _, key := range routingKeys {
		err = c.channel.QueueBind(
			q.Name,        // queue name
			key,           // routing key
			ExchangeTopic, // exchange
			false,
			nil,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to bind broadcast queue to %s: %w", key, err)
		}
	}

	consumerTag := "sub-" + uuid.NewString()
	msgs, err := c.channel.Consume(
		q.Name, consumerTag, true, true, false, false, nil,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register broadcast consumer: %w", err)
	}

	cancel := func() {
		c.channel.Cancel(consumerTag, false)
	}
	return msgs, cancel, nil
}
