package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Token program variants a business can issue under.
const (
	TokenProgramStandard = "standard"
	TokenProgramExtended = "extended"
)

// API key scopes.
const (
	ScopeMint          = "mint"
	ScopeRedeem        = "redeem"
	ScopeCrossBusiness = "cross-business"
)

// Issuance kinds recorded in the audit log.
const (
	IssuanceKindPurchase      = "purchase"
	IssuanceKindReferralBonus = "referral_bonus"
	IssuanceKindReferralAward = "referral_award"
)

// SignaturePending marks a reserved audit row whose ledger signature is not final.
const SignaturePending = "pending"

// Business is a tenant issuing its own loyalty token.
type Business struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	BizID              string    `gorm:"size:64;uniqueIndex"`
	Name               string
	MintAddress        string `gorm:"size:64;not null"`
	MerchantRedemption string `gorm:"size:64"`
	TokenProgram       string `gorm:"size:16"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NormalisedTokenProgram maps legacy seed values onto the two supported variants.
func (b Business) NormalisedTokenProgram() string {
	switch strings.ToLower(strings.TrimSpace(b.TokenProgram)) {
	case TokenProgramExtended, "token2022", "token-2022":
		return TokenProgramExtended
	default:
		return TokenProgramStandard
	}
}

// APIKey is a hashed credential owned by a business.
type APIKey struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	BusinessID uuid.UUID `gorm:"type:uuid;index"`
	KeyHash    string    `gorm:"size:64;uniqueIndex"`
	Scopes     []string  `gorm:"serializer:json;type:text"`
	Active     bool      `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasScope reports whether the key grants scope.
func (k APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if strings.EqualFold(strings.TrimSpace(s), scope) {
			return true
		}
	}
	return false
}

// Customer is a wallet that has received points from at least one business.
type Customer struct {
	WalletAddress           string           `gorm:"size:64;primaryKey"`
	HasMadeFirstPurchase    bool             `gorm:"not null"`
	ReferredByWalletAddress string           `gorm:"size:64;index;not null;default:''"`
	ReferralCounts          map[string]int64 `gorm:"serializer:json;type:text"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Issuance is one audit row per credited wallet per ledger transaction.
type Issuance struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey"`
	BusinessID   uuid.UUID       `gorm:"type:uuid;index"`
	Customer     string          `gorm:"size:64;index"`
	Amount       decimal.Decimal `gorm:"type:numeric"`
	Kind         string          `gorm:"size:32"`
	Signature    string          `gorm:"size:128;index"`
	SettlementID *uuid.UUID      `gorm:"type:uuid;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Redemption is written by the redeem-log endpoint.
type Redemption struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	BusinessID uuid.UUID       `gorm:"type:uuid;index"`
	Customer   string          `gorm:"size:64;index"`
	RewardID   string          `gorm:"size:64"`
	RewardName string
	Cost       decimal.Decimal `gorm:"type:numeric"`
	Signature  string          `gorm:"size:128;index"`
	CreatedAt  time.Time
}

// Reward is a catalog entry a customer can redeem points for.
type Reward struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	BizID     string          `gorm:"size:64;uniqueIndex:idx_reward_biz_reward"`
	RewardID  string          `gorm:"size:64;uniqueIndex:idx_reward_biz_reward"`
	Name      string
	Cost      decimal.Decimal `gorm:"type:numeric"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RateLimitWindow is a fixed-window counter. ResetAt is unix milliseconds.
type RateLimitWindow struct {
	Subject     string `gorm:"size:64;primaryKey"`
	WindowLabel string `gorm:"size:16;primaryKey"`
	Count       int64  `gorm:"not null"`
	ResetAt     int64  `gorm:"not null"`
}

// IdempotencyRecord binds (business, key) to the signature it produced. An empty
// signature is an in-flight claim.
type IdempotencyRecord struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	BusinessID     uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_idem_business_key"`
	IdempotencyKey string    `gorm:"size:255;uniqueIndex:idx_idem_business_key"`
	Signature      string    `gorm:"size:128;not null;default:''"`
	ClaimToken     string    `gorm:"size:36"`
	ClaimedAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PendingSettlement is written before a signed transaction is broadcast and
// removed once its outcome has been recorded.
type PendingSettlement struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	BusinessID           uuid.UUID `gorm:"type:uuid;index"`
	IdempotencyKey       string    `gorm:"size:255;index"`
	Signature            string    `gorm:"size:128;uniqueIndex"`
	LastValidBlockHeight uint64
	Plan                 string `gorm:"type:text"`
	CreatedAt            time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Business{},
		&APIKey{},
		&Customer{},
		&Issuance{},
		&Redemption{},
		&Reward{},
		&RateLimitWindow{},
		&IdempotencyRecord{},
		&PendingSettlement{},
	)
}
