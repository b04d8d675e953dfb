package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltymint/services/issuerd/config"
	"loyaltymint/services/issuerd/models"
)

func TestOpenSQLiteMigratesAndCloses(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := Open(context.Background(), config.DatabaseConfig{Driver: config.DriverSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !st.DB().Migrator().HasTable(&models.PendingSettlement{}) {
		t.Fatalf("expected pending settlements table")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping to fail after close")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.DatabaseConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestTransactionRollsBack(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := Open(context.Background(), config.DatabaseConfig{Driver: config.DriverSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	boom := errors.New("boom")
	err = st.Transaction(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Create(&models.Customer{WalletAddress: "wallet-a"}).Error; err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var count int64
	st.DB().Model(&models.Customer{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected rollback, found %d customers", count)
	}
}
