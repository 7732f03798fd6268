package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"market_core/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// NegotiationRepository stores the append-only negotiation history of orders.
type NegotiationRepository struct {
	db         *sql.DB
	outboxRepo OutboxRepository
}

func NewNegotiationRepository(db *sql.DB, outboxRepo OutboxRepository) *NegotiationRepository {
	return &NegotiationRepository{db: db, outboxRepo: outboxRepo}
}

const negotiationColumns = `id, seq, order_id, from_user_id, action, amount, message, created_at, responds_to`

func scanNegotiation(row interface{ Scan(...interface{}) error }) (domain.NegotiationEvent, error) {
	var ev domain.NegotiationEvent
	var note sql.NullString
	var respondsTo uuid.NullUUID
	if err := row.Scan(&ev.ID, &ev.Seq, &ev.OrderID, &ev.FromUserID, &ev.Action, &ev.Amount, &note, &ev.CreatedAt, &respondsTo); err != nil {
		return ev, err
	}
	if note.Valid {
		s := note.String
		ev.Note = &s
	}
	if respondsTo.Valid {
		id := respondsTo.UUID
		ev.RespondsTo = &id
	}
	return ev, nil
}

// Append stores ev and its outbox row in one transaction. Answering a proposal
// that already has an answer fails with domain.ErrConflict.
func (r *NegotiationRepository) Append(ctx context.Context, ev *domain.NegotiationEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO order_negotiations (id, order_id, from_user_id, action, amount, message, responds_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq, created_at
	`, ev.ID, ev.OrderID, ev.FromUserID, string(ev.Action), ev.Amount, ev.Note, ev.RespondsTo).Scan(&ev.Seq, &ev.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("proposal %s already answered: %w", ev.RespondsTo, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert negotiation event: %w", err)
	}

	event, err := NewChangeOutboxEvent(domain.EventTypeNegotiationCreated, ev.OrderID, ev.FromUserID, ev)
	if err != nil {
		return err
	}
	if err := r.outboxRepo.Save(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}

	return tx.Commit()
}

func (r *NegotiationRepository) ListForOrder(ctx context.Context, orderID uuid.UUID) ([]domain.NegotiationEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+negotiationColumns+`
		FROM order_negotiations
		WHERE order_id = $1
		ORDER BY created_at ASC, seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch negotiation events: %w", err)
	}
	defer rows.Close()

	var events []domain.NegotiationEvent
	for rows.Next() {
		ev, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *NegotiationRepository) Get(ctx context.Context, id uuid.UUID) (*domain.NegotiationEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+negotiationColumns+` FROM order_negotiations WHERE id = $1`, id)
	ev, err := scanNegotiation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch negotiation event: %w", err)
	}
	return &ev, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
