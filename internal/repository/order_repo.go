package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"market_core/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type OrderRepository struct {
	db         *sql.DB
	outboxRepo OutboxRepository
}

func NewOrderRepository(db *sql.DB, outboxRepo OutboxRepository) *OrderRepository {
	return &OrderRepository{db: db, outboxRepo: outboxRepo}
}

const orderSelect = `
	SELECT o.id, o.listing_id, o.buyer_id, o.seller_id, o.status, o.original_price, o.negotiated_price,
	       o.final_amount, o.currency, o.qr_code_data, o.created_at, o.updated_at,
	       l.id, l.seller_id, l.title, l.description, l.price, l.images, l.status, l.created_at
	FROM orders o
	JOIN listings l ON o.listing_id = l.id
`

func scanOrder(row interface{ Scan(...interface{}) error }) (domain.Order, error) {
	var o domain.Order
	var l domain.Listing
	var qr []byte
	var images []string
	err := row.Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID, &o.Status, &o.OriginalPrice, &o.NegotiatedPrice,
		&o.FinalAmount, &o.Currency, &qr, &o.CreatedAt, &o.UpdatedAt,
		&l.ID, &l.SellerID, &l.Title, &l.Description, &l.Price, pq.Array(&images), &l.Status, &l.CreatedAt)
	if err != nil {
		return o, err
	}
	if len(qr) > 0 {
		o.QRCodeData = qr
	}
	l.Images = images
	o.Listing = &l
	return o, nil
}

// ListForUser returns every order where the user is buyer or seller, newest
// first.
func (r *OrderRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, orderSelect+`
		WHERE o.buyer_id = $1 OR o.seller_id = $1
		ORDER BY o.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, orderSelect+` WHERE o.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	return &o, nil
}

// ApplyAcceptedPrice records an accepted negotiation on the order: the agreed
// amount becomes both the negotiated price and the final amount.
func (r *OrderRepository) ApplyAcceptedPrice(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) error {
	return r.update(ctx, orderID, `
		UPDATE orders
		SET negotiated_price = $2, final_amount = $2, status = $3, updated_at = NOW()
		WHERE id = $1
	`, amount, string(domain.OrderStatusAccepted))
}

// MarkNegotiating moves a pending order to negotiating. Orders in any other
// status are left alone and no error is returned.
func (r *OrderRepository) MarkNegotiating(ctx context.Context, orderID uuid.UUID) error {
	err := r.update(ctx, orderID, `
		UPDATE orders
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, string(domain.OrderStatusNegotiating), string(domain.OrderStatusPending))
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func (r *OrderRepository) update(ctx context.Context, orderID uuid.UUID, query string, args ...interface{}) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, append([]interface{}{orderID}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}

	var status domain.OrderStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status); err != nil {
		return fmt.Errorf("failed to read order status: %w", err)
	}
	payload := map[string]interface{}{"order_id": orderID, "status": status}
	event, err := NewChangeOutboxEvent(domain.EventTypeOrderUpdated, orderID, uuid.Nil, payload)
	if err != nil {
		return err
	}
	if err := r.outboxRepo.Save(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}

	return tx.Commit()
}
