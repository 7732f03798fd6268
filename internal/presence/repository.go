package presence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type Repository interface {
	AddSession(ctx context.Context, userID, deviceID uuid.UUID, nodeID string) error
	RemoveSession(ctx context.Context, userID, deviceID uuid.UUID) error
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// PostgresRepository tracks websocket sessions per device and mirrors the
// result onto the profile's online / last_seen fields.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) AddSession(ctx context.Context, userID, deviceID uuid.UUID, nodeID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO active_sessions (user_id, device_id, node_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET node_id = $3, connected_at = NOW()
	`, userID, deviceID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE profiles SET online = TRUE WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("failed to mark profile online: %w", err)
	}
	return tx.Commit()
}

// RemoveSession drops one device session. The profile goes offline only when
// the user's last device disconnects.
func (r *PostgresRepository) RemoveSession(ctx context.Context, userID, deviceID uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM active_sessions
		WHERE user_id = $1 AND device_id = $2
	`, userID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE profiles
		SET online = FALSE, last_seen = NOW()
		WHERE id = $1 AND NOT EXISTS(SELECT 1 FROM active_sessions WHERE user_id = $1)
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to mark profile offline: %w", err)
	}
	return tx.Commit()
}

func (r *PostgresRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM active_sessions WHERE user_id = $1)`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if user is online: %w", err)
	}
	return exists, nil
}
