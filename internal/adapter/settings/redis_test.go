package settings

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisStore(rdb, nil, "scrapehub-test"), mr
}

func TestRedisStore_IntRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetInt(ctx, domain.KeyMeteredUsedQuota)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetInt(ctx, domain.KeyMeteredUsedQuota, 42))
	v, ok, err := s.GetInt(ctx, domain.KeyMeteredUsedQuota)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	// Negative and zero values survive unchanged.
	require.NoError(t, s.SetInt(ctx, domain.KeyMeteredUsedQuota, 0))
	v, ok, err = s.GetInt(ctx, domain.KeyMeteredUsedQuota)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, v)
}

func TestRedisStore_BoolRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetBool(ctx, domain.KeyMeteredFreeTierMode)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetBool(ctx, domain.KeyMeteredFreeTierMode, true))
	v, ok, err := s.GetBool(ctx, domain.KeyMeteredFreeTierMode)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v)

	require.NoError(t, s.SetBool(ctx, domain.KeyMeteredFreeTierMode, false))
	v, ok, err = s.GetBool(ctx, domain.KeyMeteredFreeTierMode)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, v)
}

func TestRedisStore_KeysAreNamespaced(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetInt(ctx, "serpapi_monthly_quota", 250))
	got, err := mr.Get("scrapehub-test:settings:serpapi_monthly_quota")
	require.NoError(t, err)
	assert.Equal(t, "250", got)
}

func TestRedisStore_GetIntRejectsGarbage(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("scrapehub-test:settings:bad", "not-a-number"))

	_, _, err := s.GetInt(context.Background(), "bad")
	assert.Error(t, err)
}

func TestRedisStore_LegacyTrueStringReadsAsBool(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("scrapehub-test:settings:flag", "true"))

	v, ok, err := s.GetBool(context.Background(), "flag")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v)
}
