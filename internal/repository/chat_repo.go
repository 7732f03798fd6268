package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"market_core/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type ChatRepository struct {
	db         *sql.DB
	outboxRepo OutboxRepository
}

func NewChatRepository(db *sql.DB, outboxRepo OutboxRepository) *ChatRepository {
	return &ChatRepository{
		db:         db,
		outboxRepo: outboxRepo,
	}
}

const messageColumns = `id, seq, order_id, COALESCE(listing_id, '00000000-0000-0000-0000-000000000000'::uuid),
	from_user_id, to_user_id, message_text, attachments, read_at, created_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	var readAt sql.NullTime
	var attachments []string
	if err := row.Scan(&msg.ID, &msg.Seq, &msg.OrderID, &msg.ListingID, &msg.FromUserID, &msg.ToUserID,
		&msg.Text, pq.Array(&attachments), &readAt, &msg.CreatedAt); err != nil {
		return msg, err
	}
	if readAt.Valid {
		t := readAt.Time
		msg.ReadAt = &t
	}
	msg.Attachments = attachments
	return msg, nil
}

// CreateMessage inserts the message and its MESSAGE_CREATED outbox event in one
// transaction. The store assigns seq and created_at.
func (r *ChatRepository) CreateMessage(ctx context.Context, msg *domain.ChatMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	var listingID interface{}
	if msg.ListingID != uuid.Nil {
		listingID = msg.ListingID
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []string{}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, order_id, listing_id, from_user_id, to_user_id, message_text, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq, created_at
	`, msg.ID, msg.OrderID, listingID, msg.FromUserID, msg.ToUserID, msg.Text, pq.Array(attachments)).
		Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	msg.ReadAt = nil

	event, err := NewChangeOutboxEvent(domain.EventTypeMessageCreated, msg.OrderID, msg.FromUserID, msg)
	if err != nil {
		return err
	}
	if err := r.outboxRepo.Save(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}

	return tx.Commit()
}

func (r *ChatRepository) ListMessages(ctx context.Context, orderID uuid.UUID) ([]domain.ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE order_id = $1
		ORDER BY created_at ASC, seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// LastMessage returns the most recent message of the order, or
// domain.ErrNotFound when the conversation is empty.
func (r *ChatRepository) LastMessage(ctx context.Context, orderID uuid.UUID) (*domain.ChatMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE order_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, orderID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch last message: %w", err)
	}
	return &msg, nil
}

func (r *ChatRepository) CountUnread(ctx context.Context, orderID, userID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM chat_messages
		WHERE order_id = $1 AND to_user_id = $2 AND read_at IS NULL
	`, orderID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

// MarkRead sets read_at on every unread message addressed to userID in the
// order and returns the ids it touched. Already-read rows are never updated
// again, so calling it twice is harmless.
func (r *ChatRepository) MarkRead(ctx context.Context, orderID, userID uuid.UUID) ([]uuid.UUID, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE chat_messages
		SET read_at = $3
		WHERE order_id = $1 AND to_user_id = $2 AND read_at IS NULL
		RETURNING id
	`, orderID, userID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to update read receipts: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	payload := map[string]interface{}{
		"order_id":    orderID,
		"reader_id":   userID,
		"message_ids": ids,
	}
	event, err := NewChangeOutboxEvent(domain.EventTypeMessageUpdated, orderID, userID, payload)
	if err != nil {
		return nil, err
	}
	if err := r.outboxRepo.Save(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("failed to save read event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit read receipts: %w", err)
	}
	return ids, nil
}
