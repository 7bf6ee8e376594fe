package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/minWang916/kms-api/internal/models"
)

// RefreshTokenRepository provides database access to the session store.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository creates a new instance of RefreshTokenRepository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create persists a refresh token entry. The user_id unique constraint plus
// the upsert keeps at most one row per user even when two logins race; the
// last write wins.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (user_id, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at
		RETURNING id`
	if err := r.db.GetContext(ctx, &token.ID, query,
		token.UserID, token.Token, token.ExpiresAt, token.CreatedAt); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByToken returns a refresh token by its token string.
func (r *RefreshTokenRepository) FindByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	const query = `SELECT id, user_id, token, expires_at, created_at FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// FindByUserID returns the refresh token owned by the given user.
func (r *RefreshTokenRepository) FindByUserID(ctx context.Context, userID int64) (*models.RefreshToken, error) {
	const query = `SELECT id, user_id, token, expires_at, created_at FROM refresh_tokens WHERE user_id = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token by user: %w", err)
	}
	return &rt, nil
}

// DeleteByUserID removes any refresh token owned by the user and reports how
// many rows were removed. Login relies on this delete-then-insert ordering to
// keep at most one session per user.
func (r *RefreshTokenRepository) DeleteByUserID(ctx context.Context, userID int64) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE user_id = $1`
	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("delete refresh token by user: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete refresh token by user: %w", err)
	}
	return deleted, nil
}

// DeleteByToken removes a refresh token by its token string.
func (r *RefreshTokenRepository) DeleteByToken(ctx context.Context, token string) error {
	const query = `DELETE FROM refresh_tokens WHERE token = $1`
	if _, err := r.db.ExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}
