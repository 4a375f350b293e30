package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/story-loom/pipeline/internal/models"
)

// UserRepository handles user lookups for the dispatch API auth middleware
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByAPIKeyPrefix finds the user whose stored key starts with the given
// prefix. The caller verifies the full key against the bcrypt hash.
func (r *UserRepository) GetByAPIKeyPrefix(ctx context.Context, prefix string) (*models.User, error) {
	query := `
		SELECT id, email, display_name, role, api_key_prefix, api_key_hash, status, created_at
		FROM users WHERE api_key_prefix = $1
	`

	user := &models.User{}
	err := r.db.QueryRowContext(ctx, query, prefix).Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.Role,
		&user.APIKeyPrefix, &user.APIKeyHash, &user.Status, &user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user by key prefix: %w", err)
	}
	return user, nil
}
