// Package audit persists issuance and redemption records for reporting.
//
// Issuance rows are written in two phases. Reserve stores placeholders carrying
// the pending sentinel before the transaction is broadcast; Finalize stamps the
// confirmed signature on them, and Abandon removes them when the transaction
// can no longer land. The phases commit separately.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"loyaltymint/services/issuerd/models"
)

// Entry is one wallet credited by a ledger transaction.
type Entry struct {
	Customer string
	Amount   decimal.Decimal
	Kind     string
}

// Logger writes audit records.
type Logger struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a Logger.
func New(db *gorm.DB) *Logger {
	return &Logger{db: db, now: time.Now}
}

// WithTx returns a copy bound to tx.
func (l *Logger) WithTx(tx *gorm.DB) *Logger {
	return &Logger{db: tx, now: l.now}
}

// Reserve stores placeholder issuance rows for settlementID.
func (l *Logger) Reserve(ctx context.Context, businessID, settlementID uuid.UUID, entries []Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("audit: nothing to reserve")
	}
	now := l.now().UTC()
	rows := make([]models.Issuance, 0, len(entries))
	for _, entry := range entries {
		sid := settlementID
		rows = append(rows, models.Issuance{
			ID:           uuid.New(),
			BusinessID:   businessID,
			Customer:     entry.Customer,
			Amount:       entry.Amount,
			Kind:         entry.Kind,
			Signature:    models.SignaturePending,
			SettlementID: &sid,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := l.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("audit: reserve: %w", err)
	}
	return nil
}

// Finalize stamps signature on the placeholders of settlementID. Calling it
// again with the same signature is harmless.
func (l *Logger) Finalize(ctx context.Context, settlementID uuid.UUID, signature string) (int64, error) {
	if strings.TrimSpace(signature) == "" || signature == models.SignaturePending {
		return 0, fmt.Errorf("audit: real signature required")
	}
	res := l.db.WithContext(ctx).Model(&models.Issuance{}).
		Where("settlement_id = ? AND signature = ?", settlementID, models.SignaturePending).
		Updates(map[string]interface{}{"signature": signature, "updated_at": l.now().UTC()})
	if res.Error != nil {
		return 0, fmt.Errorf("audit: finalize: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Abandon deletes the placeholders of a settlement that never reached the ledger.
func (l *Logger) Abandon(ctx context.Context, settlementID uuid.UUID) error {
	err := l.db.WithContext(ctx).
		Where("settlement_id = ? AND signature = ?", settlementID, models.SignaturePending).
		Delete(&models.Issuance{}).Error
	if err != nil {
		return fmt.Errorf("audit: abandon: %w", err)
	}
	return nil
}

// IssuancesBySignature lists the finalized rows for a ledger transaction.
func (l *Logger) IssuancesBySignature(ctx context.Context, signature string) ([]models.Issuance, error) {
	var rows []models.Issuance
	err := l.db.WithContext(ctx).Where("signature = ?", signature).Order("created_at ASC, kind ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("audit: list issuances: %w", err)
	}
	return rows, nil
}

// Redemption is the payload accepted by the redemption sink.
type Redemption struct {
	BusinessID uuid.UUID
	Customer   string
	RewardID   string
	RewardName string
	Cost       decimal.Decimal
	Signature  string
}

// RecordRedemption writes one redemption row.
func (l *Logger) RecordRedemption(ctx context.Context, r Redemption) (models.Redemption, error) {
	row := models.Redemption{
		ID:         uuid.New(),
		BusinessID: r.BusinessID,
		Customer:   r.Customer,
		RewardID:   r.RewardID,
		RewardName: r.RewardName,
		Cost:       r.Cost,
		Signature:  r.Signature,
		CreatedAt:  l.now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Redemption{}, fmt.Errorf("audit: record redemption: %w", err)
	}
	return row, nil
}
