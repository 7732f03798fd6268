package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"market_core/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type ListingSort string

const (
	SortNewest    ListingSort = "created_at"
	SortPriceLow  ListingSort = "price_asc"
	SortPriceHigh ListingSort = "price_desc"
)

type ListingFilter struct {
	Query      string
	CategoryID *uuid.UUID
	Sort       ListingSort
	Limit      int
}

type ListingRepository struct {
	db *sql.DB
}

func NewListingRepository(db *sql.DB) *ListingRepository {
	return &ListingRepository{db: db}
}

// Search returns active listings matching the filter. The query text matches
// title or description case-insensitively.
func (r *ListingRepository) Search(ctx context.Context, f ListingFilter) ([]domain.Listing, error) {
	var (
		where = []string{"status = 'active'"}
		args  []interface{}
	)
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}
	if f.CategoryID != nil {
		args = append(args, *f.CategoryID)
		where = append(where, fmt.Sprintf("category_id = $%d", len(args)))
	}

	order := "created_at DESC"
	switch f.Sort {
	case SortPriceLow:
		order = "price ASC, created_at DESC"
	case SortPriceHigh:
		order = "price DESC, created_at DESC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, seller_id, title, description, price, images, category_id, status, created_at
		FROM listings
		WHERE %s
		ORDER BY %s
		LIMIT $%d
	`, strings.Join(where, " AND "), order, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search listings: %w", err)
	}
	defer rows.Close()

	var listings []domain.Listing
	for rows.Next() {
		var l domain.Listing
		var images []string
		var category uuid.NullUUID
		if err := rows.Scan(&l.ID, &l.SellerID, &l.Title, &l.Description, &l.Price, pq.Array(&images),
			&category, &l.Status, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Images = images
		if category.Valid {
			id := category.UUID
			l.CategoryID = &id
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
