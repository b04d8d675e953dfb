// Package referral tracks who referred whom and the per-business referral
// counts credited to referrers.
//
// A referral is claimed before the bonus is submitted to the ledger. The claim
// is a single conditional update, so when two referrers race for the same new
// customer the first committed write wins and the other request falls back to a
// standard issuance. Counts are only credited once the ledger confirms.
package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loyaltymint/services/issuerd/models"
)

// ErrNotEligible is returned when the customer already purchased or already has
// a referrer.
var ErrNotEligible = errors.New("referral: customer not eligible for a referral bonus")

// Engine mutates customer referral state.
type Engine struct {
	db *gorm.DB
}

// New constructs an Engine.
func New(db *gorm.DB) *Engine {
	return &Engine{db: db}
}

// WithTx returns a copy bound to tx.
func (e *Engine) WithTx(tx *gorm.DB) *Engine {
	return &Engine{db: tx}
}

// Customer loads a customer by wallet.
func (e *Engine) Customer(ctx context.Context, wallet string) (models.Customer, bool, error) {
	var customer models.Customer
	err := e.db.WithContext(ctx).Where("wallet_address = ?", wallet).Take(&customer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return customer, false, nil
	}
	if err != nil {
		return customer, false, fmt.Errorf("referral: load customer: %w", err)
	}
	if customer.ReferralCounts == nil {
		customer.ReferralCounts = map[string]int64{}
	}
	return customer, true, nil
}

// EnsureCustomer creates wallet's customer row with an empty count mapping if
// it does not exist yet.
func (e *Engine) EnsureCustomer(ctx context.Context, wallet string) error {
	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Customer{
		WalletAddress:  wallet,
		ReferralCounts: map[string]int64{},
	}).Error
	if err != nil {
		return fmt.Errorf("referral: create customer: %w", err)
	}
	return nil
}

// Claim sets referrer as recipient's referrer when recipient has neither made a
// qualifying purchase nor been referred before.
func (e *Engine) Claim(ctx context.Context, recipient, referrer string) error {
	if strings.TrimSpace(referrer) == "" || recipient == referrer {
		return ErrNotEligible
	}
	if err := e.EnsureCustomer(ctx, recipient); err != nil {
		return err
	}
	res := e.db.WithContext(ctx).Model(&models.Customer{}).
		Where("wallet_address = ? AND referred_by_wallet_address = '' AND has_made_first_purchase = ?", recipient, false).
		Update("referred_by_wallet_address", referrer)
	if res.Error != nil {
		return fmt.Errorf("referral: claim: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotEligible
	}
	return nil
}

// Release undoes a claim whose bonus never reached the ledger.
func (e *Engine) Release(ctx context.Context, recipient, referrer string) error {
	err := e.db.WithContext(ctx).Model(&models.Customer{}).
		Where("wallet_address = ? AND referred_by_wallet_address = ? AND has_made_first_purchase = ?", recipient, referrer, false).
		Update("referred_by_wallet_address", "").Error
	if err != nil {
		return fmt.Errorf("referral: release: %w", err)
	}
	return nil
}

// MarkFirstPurchase records that wallet completed a qualifying issuance.
func (e *Engine) MarkFirstPurchase(ctx context.Context, wallet string) error {
	if err := e.EnsureCustomer(ctx, wallet); err != nil {
		return err
	}
	err := e.db.WithContext(ctx).Model(&models.Customer{}).
		Where("wallet_address = ?", wallet).
		Update("has_made_first_purchase", true).Error
	if err != nil {
		return fmt.Errorf("referral: mark first purchase: %w", err)
	}
	return nil
}

// Credit increments referrer's referral count for bizID and returns the new
// count. It is the only operation that mutates the count mapping and must run
// inside a transaction so the row lock is held until commit.
func (e *Engine) Credit(ctx context.Context, referrer, bizID string) (int64, error) {
	if strings.TrimSpace(bizID) == "" {
		return 0, fmt.Errorf("referral: business id required")
	}
	if err := e.EnsureCustomer(ctx, referrer); err != nil {
		return 0, err
	}
	var customer models.Customer
	err := e.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_address = ?", referrer).
		Take(&customer).Error
	if err != nil {
		return 0, fmt.Errorf("referral: lock referrer: %w", err)
	}
	if customer.ReferralCounts == nil {
		customer.ReferralCounts = map[string]int64{}
	}
	customer.ReferralCounts[bizID]++
	if err := e.db.WithContext(ctx).Save(&customer).Error; err != nil {
		return 0, fmt.Errorf("referral: save counts: %w", err)
	}
	return customer.ReferralCounts[bizID], nil
}
