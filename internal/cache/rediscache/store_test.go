package rediscache

import (
	"context"
	"testing"
	"time"

	"outletscheduler/internal/daylight"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Store) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := New(client, "test:daylight:", ttl)
	t.Cleanup(func() { store.Close() })
	return mr, store
}

func entryFor(date string, sunriseHour int) daylight.CacheEntry {
	day, _ := time.Parse(daylight.DateLayout, date)
	base := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return daylight.CacheEntry{
		Date:       date,
		ResolvedAt: base.Add(time.Minute),
		Sunrise:    base.Add(time.Duration(sunriseHour) * time.Hour),
		Sunset:     base.Add(17 * time.Hour),
	}
}

func TestStore_GetMiss(t *testing.T) {
	_, s := setupTestRedis(t, 0)

	entry, err := s.Get(context.Background(), "2026-10-14")
	require.NoError(t, err)
	assert.Nil(t, entry)

	latest, err := s.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestStore_UpsertAndGet(t *testing.T) {
	mr, s := setupTestRedis(t, 0)
	ctx := context.Background()
	want := entryFor("2026-10-14", 7)

	require.NoError(t, s.Upsert(ctx, want))
	assert.True(t, mr.Exists("test:daylight:2026-10-14"))

	got, err := s.Get(ctx, "2026-10-14")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, want.Sunrise.Equal(got.Sunrise))
	assert.True(t, want.Sunset.Equal(got.Sunset))
}

func TestStore_UpsertReplacesSameDate(t *testing.T) {
	mr, s := setupTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, entryFor("2026-10-14", 7)))
	require.NoError(t, s.Upsert(ctx, entryFor("2026-10-14", 8)))

	members, err := mr.ZMembers("test:daylight:dates")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-10-14"}, members)

	got, err := s.Get(ctx, "2026-10-14")
	require.NoError(t, err)
	assert.Equal(t, 8, got.Sunrise.Hour())
}

func TestStore_Latest(t *testing.T) {
	_, s := setupTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, entryFor("2026-10-13", 6)))
	require.NoError(t, s.Upsert(ctx, entryFor("2026-09-30", 5)))
	require.NoError(t, s.Upsert(ctx, entryFor("2026-10-02", 7)))

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2026-10-13", got.Date)
}

func TestStore_TTL(t *testing.T) {
	mr, s := setupTestRedis(t, 48*time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, entryFor("2026-10-14", 7)))
	assert.Equal(t, 48*time.Hour, mr.TTL("test:daylight:2026-10-14"))

	mr.FastForward(49 * time.Hour)

	got, err := s.Get(ctx, "2026-10-14")
	require.NoError(t, err)
	assert.Nil(t, got)

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestStore_LatestSkipsExpiredNewest(t *testing.T) {
	mr, s := setupTestRedis(t, 48*time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, entryFor("2026-10-12", 6)))
	require.NoError(t, s.Upsert(ctx, entryFor("2026-10-13", 7)))
	require.NoError(t, s.Upsert(ctx, entryFor("2026-10-14", 8)))
	mr.SetTTL("test:daylight:2026-10-12", 7*24*time.Hour)

	mr.FastForward(49 * time.Hour)

	got, err := s.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2026-10-12", got.Date)

	members, err := mr.ZMembers("test:daylight:dates")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-10-12"}, members)
}

func TestStore_InvalidDate(t *testing.T) {
	_, s := setupTestRedis(t, 0)

	err := s.Upsert(context.Background(), daylight.CacheEntry{Date: "14/10/2026"})
	assert.Error(t, err)
}

func TestStore_MalformedValue(t *testing.T) {
	mr, s := setupTestRedis(t, 0)
	require.NoError(t, mr.Set("test:daylight:2026-10-14", "not json"))

	_, err := s.Get(context.Background(), "2026-10-14")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestOpen_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Open(ctx, Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
