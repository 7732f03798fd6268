package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"market_core/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func expectOutboxInsert(mock sqlmock.Sqlmock, eventType string) {
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_events")).
		WithArgs(sqlmock.AnyArg(), eventType, sqlmock.AnyArg(), outboxStatusPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestCreateMessageWritesOutboxInSameTx(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChatRepository(db, NewPostgresOutboxRepository(db))
	created := time.Now().UTC()
	msg := &domain.ChatMessage{OrderID: uuid.New(), FromUserID: uuid.New(), ToUserID: uuid.New(), Text: "still available?"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO chat_messages")).
		WithArgs(sqlmock.AnyArg(), msg.OrderID, nil, msg.FromUserID, msg.ToUserID, msg.Text, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(42), created))
	expectOutboxInsert(mock, domain.EventTypeMessageCreated)
	mock.ExpectCommit()

	require.NoError(t, repo.CreateMessage(context.Background(), msg))
	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.Equal(t, int64(42), msg.Seq)
	assert.Equal(t, created, msg.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMessageRollsBackWhenOutboxFails(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChatRepository(db, NewPostgresOutboxRepository(db))
	msg := &domain.ChatMessage{OrderID: uuid.New(), FromUserID: uuid.New(), ToUserID: uuid.New(), Text: "hi"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO chat_messages")).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_events")).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.CreateMessage(context.Background(), msg)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReadOnlyTouchesUnreadRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChatRepository(db, NewPostgresOutboxRepository(db))
	orderID, reader := uuid.New(), uuid.New()
	first, second := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE order_id = $1 AND to_user_id = $2 AND read_at IS NULL RETURNING id")).
		WithArgs(orderID, reader, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(first.String()).AddRow(second.String()))
	expectOutboxInsert(mock, domain.EventTypeMessageUpdated)
	mock.ExpectCommit()

	ids, err := repo.MarkRead(context.Background(), orderID, reader)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first, second}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReadWithNothingUnreadSkipsOutbox(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChatRepository(db, NewPostgresOutboxRepository(db))
	orderID, reader := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("read_at IS NULL RETURNING id")).
		WithArgs(orderID, reader, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	ids, err := repo.MarkRead(context.Background(), orderID, reader)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendNegotiationWritesOutboxInSameTx(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewNegotiationRepository(db, NewPostgresOutboxRepository(db))
	offer := uuid.New()
	ev := &domain.NegotiationEvent{
		OrderID:    uuid.New(),
		FromUserID: uuid.New(),
		Action:     domain.ActionAccept,
		Amount:     decimal.NewFromInt(95),
		RespondsTo: &offer,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO order_negotiations")).
		WithArgs(sqlmock.AnyArg(), ev.OrderID, ev.FromUserID, string(domain.ActionAccept), sqlmock.AnyArg(), nil, offer).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(3), time.Now()))
	expectOutboxInsert(mock, domain.EventTypeNegotiationCreated)
	mock.ExpectCommit()

	require.NoError(t, repo.Append(context.Background(), ev))
	assert.Equal(t, int64(3), ev.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSecondAnswerConflicts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewNegotiationRepository(db, NewPostgresOutboxRepository(db))
	offer := uuid.New()
	ev := &domain.NegotiationEvent{
		OrderID:    uuid.New(),
		FromUserID: uuid.New(),
		Action:     domain.ActionDecline,
		Amount:     decimal.NewFromInt(80),
		RespondsTo: &offer,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO order_negotiations")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := repo.Append(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderUpdates(t *testing.T) {
	orderID := uuid.New()

	t.Run("accepted price on missing order", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewOrderRepository(db, NewPostgresOutboxRepository(db))

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET negotiated_price = $2, final_amount = $2")).
			WithArgs(orderID, sqlmock.AnyArg(), string(domain.OrderStatusAccepted)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := repo.ApplyAcceptedPrice(context.Background(), orderID, decimal.NewFromInt(95))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("accepted price", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewOrderRepository(db, NewPostgresOutboxRepository(db))

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET negotiated_price")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM orders WHERE id = $1")).
			WithArgs(orderID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(domain.OrderStatusAccepted)))
		expectOutboxInsert(mock, domain.EventTypeOrderUpdated)
		mock.ExpectCommit()

		require.NoError(t, repo.ApplyAcceptedPrice(context.Background(), orderID, decimal.NewFromInt(95)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negotiating leaves other statuses alone", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewOrderRepository(db, NewPostgresOutboxRepository(db))

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = $3")).
			WithArgs(orderID, string(domain.OrderStatusNegotiating), string(domain.OrderStatusPending)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		assert.NoError(t, repo.MarkNegotiating(context.Background(), orderID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
