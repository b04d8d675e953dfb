package referral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
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

func TestClaimNewCustomer(t *testing.T) {
	engine := New(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, engine.Claim(ctx, "carol", "rita"))
	customer, found, err := engine.Customer(ctx, "carol")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "rita", customer.ReferredByWalletAddress)
	require.False(t, customer.HasMadeFirstPurchase)
	require.NotNil(t, customer.ReferralCounts)

	// A second, distinct referrer is rejected.
	require.ErrorIs(t, engine.Claim(ctx, "carol", "ralph"), ErrNotEligible)
	customer, _, _ = engine.Customer(ctx, "carol")
	require.Equal(t, "rita", customer.ReferredByWalletAddress)
}

func TestClaimRejectsReturningCustomer(t *testing.T) {
	engine := New(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, engine.MarkFirstPurchase(ctx, "carol"))
	require.ErrorIs(t, engine.Claim(ctx, "carol", "rita"), ErrNotEligible)
}

func TestClaimRejectsSelfReferral(t *testing.T) {
	engine := New(setupTestDB(t))
	require.ErrorIs(t, engine.Claim(context.Background(), "carol", "carol"), ErrNotEligible)
	require.ErrorIs(t, engine.Claim(context.Background(), "carol", " "), ErrNotEligible)
}

func TestReleaseAllowsNewClaim(t *testing.T) {
	engine := New(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, engine.Claim(ctx, "carol", "rita"))
	// Releasing with the wrong referrer is a no-op.
	require.NoError(t, engine.Release(ctx, "carol", "ralph"))
	require.ErrorIs(t, engine.Claim(ctx, "carol", "ralph"), ErrNotEligible)

	require.NoError(t, engine.Release(ctx, "carol", "rita"))
	require.NoError(t, engine.Claim(ctx, "carol", "ralph"))
}

func TestCreditCountsPerBusiness(t *testing.T) {
	db := setupTestDB(t)
	engine := New(db)
	ctx := context.Background()

	var counts []int64
	err := db.Transaction(func(tx *gorm.DB) error {
		scoped := engine.WithTx(tx)
		for _, biz := range []string{"cafe", "cafe", "books"} {
			n, err := scoped.Credit(ctx, "rita", biz)
			if err != nil {
				return err
			}
			counts = append(counts, n)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 1}, counts)

	customer, found, err := engine.Customer(ctx, "rita")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, map[string]int64{"cafe": 2, "books": 1}, customer.ReferralCounts)
}

func TestConcurrentClaimsFirstCommitWins(t *testing.T) {
	engine := New(setupTestDB(t))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < 8; i++ {
		referrer := fmt.Sprintf("ref-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := engine.Claim(ctx, "newbie", referrer)
			if err == nil {
				mu.Lock()
				winners = append(winners, referrer)
				mu.Unlock()
			} else if !errors.Is(err, ErrNotEligible) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, winners, 1)
	customer, _, err := engine.Customer(ctx, "newbie")
	require.NoError(t, err)
	require.Equal(t, winners[0], customer.ReferredByWalletAddress)
}
