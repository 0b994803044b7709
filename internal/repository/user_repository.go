package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wekesa/tikiti/internal/model"
)

// UserRepository manages users keyed by their normalized phone number.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new user repository.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// UpsertByPhone creates the user on first contact, or refreshes the
// display name when a newer non-empty value arrives.
func (r *UserRepository) UpsertByPhone(ctx context.Context, phoneNumber, name string) (*model.User, error) {
	u := &model.User{}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (id, phone_number, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone_number) DO UPDATE
		SET name = CASE
			WHEN EXCLUDED.name <> '' THEN EXCLUDED.name
			ELSE users.name
		END
		RETURNING id, phone_number, name, created_at
	`, uuid.NewString(), phoneNumber, name).Scan(&u.ID, &u.PhoneNumber, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("user: upsert %s: %w", phoneNumber, err)
	}
	return u, nil
}

// GetByID fetches one user by id.
func (r *UserRepository) GetByID(ctx context.Context, userID string) (*model.User, error) {
	u := &model.User{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, phone_number, COALESCE(name, ''), created_at
		FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.PhoneNumber, &u.Name, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user: %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("user: get %s: %w", userID, err)
	}
	return u, nil
}
