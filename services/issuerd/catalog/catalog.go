// Package catalog resolves API credentials to businesses and serves the
// read-only reward catalog.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"loyaltymint/services/issuerd/models"
)

var (
	// ErrUnauthorized covers missing, unknown or inactive credentials and
	// businesses that cannot be resolved.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the credential lacks a required scope.
	ErrForbidden = errors.New("forbidden")
)

// Principal is an authenticated credential and the business it acts for.
type Principal struct {
	Key      models.APIKey
	Business models.Business
}

// Catalog reads businesses, API keys and rewards.
type Catalog struct {
	db *gorm.DB
}

// New constructs a Catalog.
func New(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// HashKey returns the hex sha256 of a raw API key, the form keys are stored in.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves rawKey to its business. When overrideBizID is set the
// principal acts for that business instead; switching to a business other than
// the key's own requires the cross-business scope.
func (c *Catalog) Authenticate(ctx context.Context, rawKey, overrideBizID, requiredScope string) (Principal, error) {
	if strings.TrimSpace(rawKey) == "" {
		return Principal{}, ErrUnauthorized
	}
	var key models.APIKey
	err := c.db.WithContext(ctx).
		Where("key_hash = ? AND active = ?", HashKey(rawKey), true).
		Take(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Principal{}, ErrUnauthorized
	}
	if err != nil {
		return Principal{}, fmt.Errorf("catalog: load api key: %w", err)
	}
	if requiredScope != "" && !key.HasScope(requiredScope) {
		return Principal{}, fmt.Errorf("%w: missing %s scope", ErrForbidden, requiredScope)
	}

	var business models.Business
	query := c.db.WithContext(ctx)
	if override := strings.TrimSpace(overrideBizID); override != "" {
		err = query.Where("biz_id = ?", override).Take(&business).Error
	} else {
		err = query.Where("id = ?", key.BusinessID).Take(&business).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Principal{}, fmt.Errorf("%w: business not found for api key", ErrUnauthorized)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("catalog: load business: %w", err)
	}
	if business.ID != key.BusinessID && !key.HasScope(models.ScopeCrossBusiness) {
		return Principal{}, fmt.Errorf("%w: key may not act for business %s", ErrForbidden, business.BizID)
	}
	return Principal{Key: key, Business: business}, nil
}

// BusinessByBizID loads a business by its external id.
func (c *Catalog) BusinessByBizID(ctx context.Context, bizID string) (models.Business, bool, error) {
	var business models.Business
	err := c.db.WithContext(ctx).Where("biz_id = ?", bizID).Take(&business).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return business, false, nil
	}
	if err != nil {
		return business, false, fmt.Errorf("catalog: load business: %w", err)
	}
	return business, true, nil
}

// Reward looks up a single reward offered by bizID.
func (c *Catalog) Reward(ctx context.Context, bizID, rewardID string) (models.Reward, bool, error) {
	var reward models.Reward
	err := c.db.WithContext(ctx).Where("biz_id = ? AND reward_id = ?", bizID, rewardID).Take(&reward).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return reward, false, nil
	}
	if err != nil {
		return reward, false, fmt.Errorf("catalog: load reward: %w", err)
	}
	return reward, true, nil
}

// Rewards lists the rewards offered by bizID ordered by creation. An empty
// bizID lists every business' rewards.
func (c *Catalog) Rewards(ctx context.Context, bizID string) ([]models.Reward, error) {
	var rewards []models.Reward
	query := c.db.WithContext(ctx)
	if bizID != "" {
		query = query.Where("biz_id = ?", bizID)
	}
	if err := query.Order("biz_id ASC, created_at ASC").Find(&rewards).Error; err != nil {
		return nil, fmt.Errorf("catalog: list rewards: %w", err)
	}
	return rewards, nil
}
