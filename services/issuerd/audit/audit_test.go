package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
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
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestReserveFinalize(t *testing.T) {
	db := setupTestDB(t)
	logger := New(db)
	ctx := context.Background()
	biz, settlement := uuid.New(), uuid.New()

	err := logger.Reserve(ctx, biz, settlement, []Entry{
		{Customer: "carol", Amount: decimal.NewFromInt(5), Kind: models.IssuanceKindPurchase},
		{Customer: "rita", Amount: decimal.NewFromInt(2), Kind: models.IssuanceKindReferralBonus},
	})
	require.NoError(t, err)

	var pending int64
	db.Model(&models.Issuance{}).Where("signature = ?", models.SignaturePending).Count(&pending)
	require.EqualValues(t, 2, pending)

	n, err := logger.Finalize(ctx, settlement, "sig123")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = logger.Finalize(ctx, settlement, "sig123")
	require.NoError(t, err)
	require.Zero(t, n)

	rows, err := logger.IssuancesBySignature(ctx, "sig123")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	amounts := map[string]string{}
	for _, row := range rows {
		amounts[row.Customer] = row.Amount.String()
		require.Equal(t, biz, row.BusinessID)
	}
	require.Equal(t, map[string]string{"carol": "5", "rita": "2"}, amounts)
}

func TestAbandonRemovesOnlyPlaceholders(t *testing.T) {
	db := setupTestDB(t)
	logger := New(db)
	ctx := context.Background()
	biz := uuid.New()
	kept, dropped := uuid.New(), uuid.New()

	require.NoError(t, logger.Reserve(ctx, biz, kept, []Entry{{Customer: "a", Amount: decimal.NewFromInt(1), Kind: models.IssuanceKindPurchase}}))
	require.NoError(t, logger.Reserve(ctx, biz, dropped, []Entry{{Customer: "b", Amount: decimal.NewFromInt(1), Kind: models.IssuanceKindPurchase}}))
	_, err := logger.Finalize(ctx, kept, "sigKept")
	require.NoError(t, err)

	require.NoError(t, logger.Abandon(ctx, dropped))
	require.NoError(t, logger.Abandon(ctx, kept))

	var total int64
	db.Model(&models.Issuance{}).Count(&total)
	require.EqualValues(t, 1, total)
}

func TestFinalizeRejectsSentinel(t *testing.T) {
	logger := New(setupTestDB(t))
	_, err := logger.Finalize(context.Background(), uuid.New(), models.SignaturePending)
	require.Error(t, err)
	require.Error(t, logger.Reserve(context.Background(), uuid.New(), uuid.New(), nil))
}

func TestRecordRedemption(t *testing.T) {
	db := setupTestDB(t)
	logger := New(db)
	biz := uuid.New()
	row, err := logger.RecordRedemption(context.Background(), Redemption{
		BusinessID: biz,
		Customer:   "carol",
		RewardID:   "latte",
		RewardName: "Free latte",
		Cost:       decimal.RequireFromString("4.5"),
		Signature:  "burnSig",
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, row.ID)

	var stored models.Redemption
	require.NoError(t, db.First(&stored, "id = ?", row.ID).Error)
	require.Equal(t, "Free latte", stored.RewardName)
	require.True(t, stored.Cost.Equal(decimal.RequireFromString("4.5")))
}
