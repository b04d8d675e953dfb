package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"loyaltymint/services/issuerd/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDatabaseLimiterFixedWindow(t *testing.T) {
	db := setupTestDB(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewDatabaseLimiter(db).WithClock(clock.Now)
	ctx := context.Background()
	window := Minute(3)

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.CheckAndIncrement(ctx, "biz-1", window), "request %d", i+1)
	}
	err := limiter.CheckAndIncrement(ctx, "biz-1", window)
	require.ErrorIs(t, err, ErrLimited)
	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	require.Equal(t, "1m", limitErr.Window)
	require.Equal(t, clock.Now().Add(time.Minute), limitErr.ResetAt)

	// Other subjects are counted independently.
	require.NoError(t, limiter.CheckAndIncrement(ctx, "biz-2", window))

	clock.Advance(time.Minute)
	require.NoError(t, limiter.CheckAndIncrement(ctx, "biz-1", window))

	var row models.RateLimitWindow
	require.NoError(t, db.Where("subject = ? AND window_label = ?", "biz-1", "1m").Take(&row).Error)
	require.EqualValues(t, 1, row.Count)
	require.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), row.ResetAt)
}

func TestDatabaseLimiterWindowsAreIndependent(t *testing.T) {
	db := setupTestDB(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewDatabaseLimiter(db).WithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, CheckAll(ctx, limiter, "biz", Minute(5), Day(2)))
	require.NoError(t, CheckAll(ctx, limiter, "biz", Minute(5), Day(2)))
	err := CheckAll(ctx, limiter, "biz", Minute(5), Day(2))
	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	require.Equal(t, "1d", limitErr.Window)

	clock.Advance(time.Hour)
	err = CheckAll(ctx, limiter, "biz", Minute(5), Day(2))
	require.True(t, errors.As(err, &limitErr))
	require.Equal(t, "1d", limitErr.Window)
}

func TestDatabaseLimiterConcurrentRequestsNeverExceedLimit(t *testing.T) {
	db := setupTestDB(t)
	limiter := NewDatabaseLimiter(db)
	ctx := context.Background()
	window := Minute(10)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.CheckAndIncrement(ctx, "biz", window); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, allowed)
}

func TestZeroLimitAlwaysRejects(t *testing.T) {
	db := setupTestDB(t)
	limiter := NewDatabaseLimiter(db)
	err := limiter.CheckAndIncrement(context.Background(), "biz", Window{Label: "1m", Length: time.Minute, Limit: 0})
	require.ErrorIs(t, err, ErrLimited)
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := NewRedisLimiter(client, "test:")
	ctx := context.Background()
	window := Minute(2)

	require.NoError(t, limiter.CheckAndIncrement(ctx, "biz", window))
	require.NoError(t, limiter.CheckAndIncrement(ctx, "biz", window))
	err := limiter.CheckAndIncrement(ctx, "biz", window)
	require.ErrorIs(t, err, ErrLimited)

	value, err := mr.Get("test:biz:1m")
	require.NoError(t, err)
	require.Equal(t, "2", value)

	mr.FastForward(time.Minute)
	require.NoError(t, limiter.CheckAndIncrement(ctx, "biz", window))
	value, err = mr.Get("test:biz:1m")
	require.NoError(t, err)
	require.Equal(t, "1", value)
}

func TestRedisLimiterSurfacesConnectionErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisLimiter(client, "").CheckAndIncrement(context.Background(), "biz", Minute(1))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrLimited))
}
