package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

const (
	fieldSearches     = "searches"
	fieldUploads      = "uploads"
	fieldLastActivity = "last_activity"
)

// RedisActivityStore keeps one hash per user: searches, uploads and
// last_activity (RFC 3339).
type RedisActivityStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisActivityStore creates a store whose keys are prefix + "user:" + id.
func NewRedisActivityStore(client redis.Cmdable, prefix string) *RedisActivityStore {
	return &RedisActivityStore{client: client, prefix: prefix}
}

func (s *RedisActivityStore) key(userID string) string {
	return s.prefix + "user:" + userID
}

// Get returns apperrors.ErrNotFound when the user has no record.
func (s *RedisActivityStore) Get(ctx context.Context, userID string) (*models.UserActivity, error) {
	values, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(values) == 0 {
		return nil, apperrors.ErrNotFound
	}
	return decodeActivity(userID, values)
}

// Set overwrites the user's record.
func (s *RedisActivityStore) Set(ctx context.Context, a *models.UserActivity) error {
	fields := map[string]any{
		fieldSearches: a.SearchCount,
		fieldUploads:  a.UploadCount,
	}
	if a.LastActivity != nil {
		fields[fieldLastActivity] = a.LastActivity.UTC().Format(time.RFC3339Nano)
	}
	if err := s.client.HSet(ctx, s.key(a.UserID), fields).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// Increment bumps one counter atomically and returns the updated record.
func (s *RedisActivityStore) Increment(ctx context.Context, userID string, kind models.ActivityKind, at time.Time) (*models.UserActivity, error) {
	field := fieldSearches
	if kind == models.ActivityUpload {
		field = fieldUploads
	}
	key := s.key(userID)

	var all *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, field, 1)
		pipe.HSet(ctx, key, fieldLastActivity, at.UTC().Format(time.RFC3339Nano))
		all = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis increment: %w", err)
	}
	return decodeActivity(userID, all.Val())
}

func decodeActivity(userID string, values map[string]string) (*models.UserActivity, error) {
	a := models.NewUserActivity(userID)
	var err error
	if v, ok := values[fieldSearches]; ok {
		if a.SearchCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("corrupt %s for user %s: %w", fieldSearches, userID, err)
		}
	}
	if v, ok := values[fieldUploads]; ok {
		if a.UploadCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("corrupt %s for user %s: %w", fieldUploads, userID, err)
		}
	}
	if v, ok := values[fieldLastActivity]; ok && v != "" {
		t, perr := time.Parse(time.RFC3339Nano, v)
		if perr != nil {
			return nil, errors.Join(fmt.Errorf("corrupt %s for user %s", fieldLastActivity, userID), perr)
		}
		a.LastActivity = &t
	}
	return a, nil
}
