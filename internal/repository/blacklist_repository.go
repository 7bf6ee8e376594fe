package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	appErrors "github.com/minWang916/kms-api/pkg/errors"
)

// BlacklistRepository stores revoked access tokens in Redis. Each user holds
// at most one entry; its TTL equals the revoked token's remaining lifetime,
// so Redis eviction can never outlive the token itself.
type BlacklistRepository struct {
	client *redis.Client
	prefix string
}

// NewBlacklistRepository constructs a Redis-backed blacklist.
func NewBlacklistRepository(client *redis.Client, prefix string) *BlacklistRepository {
	return &BlacklistRepository{client: client, prefix: prefix}
}

// Set records the token as revoked for the user until ttl elapses. A second
// revocation for the same user overwrites the first entry.
func (r *BlacklistRepository) Set(ctx context.Context, userID int64, token string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(userID), token, ttl).Err(); err != nil {
		return fmt.Errorf("blacklist set for user %d: %w", userID, err)
	}
	return nil
}

// Get returns the currently blacklisted token for the user, or ErrCacheMiss
// when no live entry exists.
func (r *BlacklistRepository) Get(ctx context.Context, userID int64) (string, error) {
	token, err := r.client.Get(ctx, r.key(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", appErrors.ErrCacheMiss
		}
		return "", fmt.Errorf("blacklist get for user %d: %w", userID, err)
	}
	return token, nil
}

func (r *BlacklistRepository) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}
