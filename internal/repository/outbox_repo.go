package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"market_core/internal/broker"
	"market_core/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

const (
	outboxStatusPending   = "pending"
	outboxStatusProcessed = "processed"
)

type OutboxRepository interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
	Save(ctx context.Context, tx *sql.Tx, event *domain.OutboxEvent) error
	FetchPending(ctx context.Context, tx *sql.Tx, limit int) ([]*domain.OutboxEvent, error)
	MarkProcessed(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error
}

// NewChangeOutboxEvent wraps a change notification for an order into an
// outbox row. The row payload is the ChangeEvent itself so relays can route
// it without knowing the entity type.
func NewChangeOutboxEvent(eventType string, orderID, userID uuid.UUID, entity interface{}) (*domain.OutboxEvent, error) {
	entityBytes, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	payload, err := json.Marshal(domain.ChangeEvent{
		Type:    eventType,
		OrderID: orderID,
		UserID:  userID,
		Payload: entityBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change event: %w", err)
	}

	return &domain.OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
		Status:    outboxStatusPending,
		CreatedAt: time.Now(),
	}, nil
}

// PostgresOutboxRepository keeps events in the outbox_events table, written in
// the same transaction as the row change they describe.
type PostgresOutboxRepository struct {
	db *sql.DB
}

func NewPostgresOutboxRepository(db *sql.DB) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{db: db}
}

func (r *PostgresOutboxRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

func (r *PostgresOutboxRepository) Save(ctx context.Context, tx *sql.Tx, event *domain.OutboxEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.EventType, []byte(event.Payload), outboxStatusPending, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// FetchPending locks up to limit pending events. Concurrent relays skip rows
// already locked by another one.
func (r *PostgresOutboxRepository) FetchPending(ctx context.Context, tx *sql.Tx, limit int) ([]*domain.OutboxEvent, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, payload, status, created_at
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, outboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EventType, &payload, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *PostgresOutboxRepository) MarkProcessed(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $1, processed_at = NOW()
		WHERE id = ANY($2::uuid[])
	`, outboxStatusProcessed, pq.Array(strIDs))
	if err != nil {
		return fmt.Errorf("failed to mark events processed: %w", err)
	}
	return nil
}

// RabbitMQStreamOutboxRepository publishes events directly to a RabbitMQ Stream.
type RabbitMQStreamOutboxRepository struct {
	producer *stream.Producer
}

func NewRabbitMQStreamOutboxRepository(client *broker.RabbitMQClient, streamName string) (*RabbitMQStreamOutboxRepository, error) {
	if client.StreamEnv == nil {
		return nil, errors.New("stream environment is not configured")
	}
	producer, err := client.StreamEnv.NewProducer(streamName, stream.NewProducerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create stream producer: %w", err)
	}
	return &RabbitMQStreamOutboxRepository{
		producer: producer,
	}, nil
}

func (r *RabbitMQStreamOutboxRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return nil, nil
}

// Save publishes straight to the stream. This is not transactional with the
// caller's tx: the event can go out even if the row change is rolled back.
func (r *RabbitMQStreamOutboxRepository) Save(ctx context.Context, tx *sql.Tx, event *domain.OutboxEvent) error {
	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := r.producer.Send(amqp.NewMessage(payloadBytes)); err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

func (r *RabbitMQStreamOutboxRepository) FetchPending(ctx context.Context, tx *sql.Tx, limit int) ([]*domain.OutboxEvent, error) {
	return nil, nil
}

func (r *RabbitMQStreamOutboxRepository) MarkProcessed(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	return nil
}

func (r *RabbitMQStreamOutboxRepository) Close() error {
	return r.producer.Close()
}
