package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"market_core/internal/domain"

	"github.com/google/uuid"
)

type ProfileRepository struct {
	db *sql.DB
}

func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Profile, error) {
	var p domain.Profile
	var name, avatar sql.NullString
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, avatar_url, online, last_seen
		FROM profiles
		WHERE id = $1
	`, id).Scan(&p.ID, &name, &avatar, &p.Online, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	p.Name = name.String
	p.AvatarURL = avatar.String
	if lastSeen.Valid {
		t := lastSeen.Time
		p.LastSeen = &t
	}
	return &p, nil
}
