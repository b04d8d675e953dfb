package ratelimit

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loyaltymint/services/issuerd/models"
)

// DatabaseLimiter keeps window counters in the rate_limit_windows table. Each
// call issues at most two single-statement atomic writes.
type DatabaseLimiter struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDatabaseLimiter constructs a limiter backed by db.
func NewDatabaseLimiter(db *gorm.DB) *DatabaseLimiter {
	return &DatabaseLimiter{db: db, now: time.Now}
}

// WithClock overrides the time source.
func (l *DatabaseLimiter) WithClock(now func() time.Time) *DatabaseLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

// CheckAndIncrement counts one request against (subject, window).
func (l *DatabaseLimiter) CheckAndIncrement(ctx context.Context, subject string, w Window) error {
	if err := validate(subject, w); err != nil {
		return err
	}
	now := l.now().UTC()
	nowMs := now.UnixMilli()
	resetAt := now.Add(w.Length).UnixMilli()
	db := l.db.WithContext(ctx)

	// Insert a fresh window, or restart an expired one.
	reset := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subject"}, {Name: "window_label"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"count":    1,
			"reset_at": resetAt,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "rate_limit_windows.reset_at <= ?", Vars: []interface{}{nowMs}},
		}},
	}).Create(&models.RateLimitWindow{
		Subject:     subject,
		WindowLabel: w.Label,
		Count:       1,
		ResetAt:     resetAt,
	})
	if reset.Error != nil {
		return fmt.Errorf("ratelimit: reset window: %w", reset.Error)
	}
	if reset.RowsAffected > 0 {
		return nil
	}

	inc := db.Model(&models.RateLimitWindow{}).
		Where("subject = ? AND window_label = ? AND count < ? AND reset_at > ?", subject, w.Label, w.Limit, nowMs).
		UpdateColumn("count", gorm.Expr("count + 1"))
	if inc.Error != nil {
		return fmt.Errorf("ratelimit: increment window: %w", inc.Error)
	}
	if inc.RowsAffected > 0 {
		return nil
	}

	var current models.RateLimitWindow
	limitErr := &LimitError{Window: w.Label}
	if err := db.Where("subject = ? AND window_label = ?", subject, w.Label).Take(&current).Error; err == nil {
		limitErr.ResetAt = time.UnixMilli(current.ResetAt).UTC()
	}
	return limitErr
}

var _ Limiter = (*DatabaseLimiter)(nil)
