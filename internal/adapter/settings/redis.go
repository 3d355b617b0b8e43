// Package settings provides the persistent settings store backing the
// quota ledger. Redis is the primary store; an optional Postgres mirror
// keeps an audit copy and survives Redis data loss.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements the settings port on Redis with namespaced
// string keys. All values are stored as strings; booleans as "0"/"1".
type RedisStore struct {
	rdb  *redis.Client
	pool *pgxpool.Pool
	ns   string
}

// NewRedisStore wraps an existing client. pool may be nil to disable
// the Postgres mirror.
func NewRedisStore(rdb *redis.Client, pool *pgxpool.Pool, namespace string) *RedisStore {
	return &RedisStore{rdb: rdb, pool: pool, ns: namespace}
}

func (s *RedisStore) redisKey(key string) string {
	return s.ns + ":settings:" + key
}

// GetInt reads an integer setting. The second return is false when the
// key has never been written.
func (s *RedisStore) GetInt(ctx context.Context, key string) (int, bool, error) {
	raw, err := s.rdb.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("op=settings.GetInt key=%s: %w", key, err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("op=settings.GetInt key=%s: %w", key, err)
	}
	return v, true, nil
}

// SetInt writes an integer setting and mirrors it when a pool is
// configured.
func (s *RedisStore) SetInt(ctx context.Context, key string, value int) error {
	if err := s.rdb.Set(ctx, s.redisKey(key), strconv.Itoa(value), 0).Err(); err != nil {
		return fmt.Errorf("op=settings.SetInt key=%s: %w", key, err)
	}
	s.mirror(ctx, key, strconv.Itoa(value))
	return nil
}

// GetBool reads a boolean setting.
func (s *RedisStore) GetBool(ctx context.Context, key string) (bool, bool, error) {
	raw, err := s.rdb.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("op=settings.GetBool key=%s: %w", key, err)
	}
	return raw == "1" || raw == "true", true, nil
}

// SetBool writes a boolean setting.
func (s *RedisStore) SetBool(ctx context.Context, key string, value bool) error {
	raw := "0"
	if value {
		raw = "1"
	}
	if err := s.rdb.Set(ctx, s.redisKey(key), raw, 0).Err(); err != nil {
		return fmt.Errorf("op=settings.SetBool key=%s: %w", key, err)
	}
	s.mirror(ctx, key, raw)
	return nil
}

// mirror upserts the value into Postgres. Mirror failures are logged,
// never propagated; Redis remains the source of truth.
func (s *RedisStore) mirror(ctx context.Context, key, value string) {
	if s.pool == nil {
		return
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_settings (ns, setting_key, setting_value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (ns, setting_key) DO UPDATE SET
		   setting_value = EXCLUDED.setting_value,
		   updated_at = EXCLUDED.updated_at`,
		s.ns, key, value,
	)
	if err != nil {
		slog.Error("failed to mirror setting to postgres", slog.String("key", key), slog.Any("error", err))
	}
}

// WarmFromPostgres copies mirrored settings into Redis for keys Redis
// no longer holds. Called once at startup when the mirror is enabled.
func (s *RedisStore) WarmFromPostgres(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT setting_key, setting_value FROM scrape_settings WHERE ns = $1`, s.ns)
	if err != nil {
		return fmt.Errorf("op=settings.WarmFromPostgres: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("op=settings.WarmFromPostgres: %w", err)
		}
		// SetNX keeps a live Redis value authoritative over the mirror.
		if err := s.rdb.SetNX(ctx, s.redisKey(key), value, 0).Err(); err != nil {
			slog.Error("failed to warm setting from postgres", slog.String("key", key), slog.Any("error", err))
		}
	}
	return rows.Err()
}
