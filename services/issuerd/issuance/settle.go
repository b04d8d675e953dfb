package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"loyaltymint/observability"
	"loyaltymint/services/issuerd/audit"
	"loyaltymint/services/issuerd/idempotency"
	"loyaltymint/services/issuerd/ledger"
	"loyaltymint/services/issuerd/models"
	"loyaltymint/services/issuerd/referral"
	"loyaltymint/services/issuerd/store"
)

// settlementPlan is the off-ledger half of a broadcast transaction, stored as
// JSON on the pending settlement row.
type settlementPlan struct {
	Mode      string `json:"mode"`
	Recipient string `json:"recipient"`
	// Referrer is set only when a referral claim was taken for this transaction.
	Referrer    string `json:"referrer,omitempty"`
	CreditBizID string `json:"creditBizId"`
	ClaimToken  string `json:"claimToken,omitempty"`
}

// SettlerConfig wires a Settler.
type SettlerConfig struct {
	Store       *store.Store
	Idempotency *idempotency.Store
	Referral    *referral.Engine
	Audit       *audit.Logger
	Submitter   *ledger.Submitter
	Logger      *slog.Logger
	Events      *observability.EventMetrics
}

// Settler turns pending settlements into their final off-ledger state once the
// ledger outcome is known. Both the request path and the reconciler use it, and
// each settlement is applied at most once.
type Settler struct {
	store     *store.Store
	idem      *idempotency.Store
	referral  *referral.Engine
	audit     *audit.Logger
	submitter *ledger.Submitter
	logger    *slog.Logger
	events    *observability.EventMetrics
}

// NewSettler constructs a Settler.
func NewSettler(cfg SettlerConfig) *Settler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		store:     cfg.Store,
		idem:      cfg.Idempotency,
		referral:  cfg.Referral,
		audit:     cfg.Audit,
		submitter: cfg.Submitter,
		logger:    logger.With("component", "settlement"),
		events:    cfg.Events,
	}
}

// writeAhead encodes plan onto pending, then reserves the audit rows and stores
// the pending settlement in one database transaction. It must succeed before
// the transaction is broadcast.
func (s *Settler) writeAhead(ctx context.Context, pending *models.PendingSettlement, plan settlementPlan, entries []audit.Entry) error {
	encoded, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("settlement: encode plan: %w", err)
	}
	pending.Plan = string(encoded)
	row := *pending
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.audit.WithTx(tx).Reserve(ctx, row.BusinessID, row.ID, entries); err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("settlement: store pending: %w", err)
		}
		return nil
	})
}

// Settle applies a confirmed settlement: it finalizes the audit rows, updates
// customer referral state and binds the idempotency key. It reports false when
// another caller already resolved the settlement.
func (s *Settler) Settle(ctx context.Context, pending models.PendingSettlement) (bool, error) {
	plan, err := decodePlan(pending)
	if err != nil {
		return false, err
	}
	settled := false
	var legs int64
	var credited string
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		claimed, err := takePending(ctx, tx, pending.ID)
		if err != nil || !claimed {
			return err
		}
		legs, err = s.audit.WithTx(tx).Finalize(ctx, pending.ID, pending.Signature)
		if err != nil {
			return err
		}
		ref := s.referral.WithTx(tx)
		switch parseMode(plan.Mode) {
		case ModeDirectAward:
			if _, err := ref.Credit(ctx, plan.Recipient, plan.CreditBizID); err != nil {
				return err
			}
			credited = plan.CreditBizID
		default:
			if err := ref.MarkFirstPurchase(ctx, plan.Recipient); err != nil {
				return err
			}
			if plan.Referrer != "" {
				if _, err := ref.Credit(ctx, plan.Referrer, plan.CreditBizID); err != nil {
					return err
				}
				credited = plan.CreditBizID
			}
		}
		if pending.IdempotencyKey != "" {
			err := s.idem.WithTx(tx).Record(ctx, pending.BusinessID, pending.IdempotencyKey, pending.Signature)
			if err != nil && !errors.Is(err, idempotency.ErrSignatureConflict) {
				return err
			}
		}
		settled = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("settlement: settle %s: %w", pending.Signature, err)
	}
	if settled {
		s.events.RecordSettled(plan.Mode, legs)
		if credited != "" {
			s.events.RecordReferralCredit(credited)
		}
		s.logger.Info("settlement confirmed",
			"signature", pending.Signature,
			"biz_id", pending.BusinessID.String(),
			"mode", plan.Mode,
		)
	}
	return settled, nil
}

// Abandon discards a settlement whose transaction will never land: audit
// placeholders are removed and the referral and idempotency claims released so
// the request can be retried.
func (s *Settler) Abandon(ctx context.Context, pending models.PendingSettlement) (bool, error) {
	plan, err := decodePlan(pending)
	if err != nil {
		return false, err
	}
	abandoned := false
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		claimed, err := takePending(ctx, tx, pending.ID)
		if err != nil || !claimed {
			return err
		}
		if err := s.audit.WithTx(tx).Abandon(ctx, pending.ID); err != nil {
			return err
		}
		if plan.Referrer != "" {
			if err := s.referral.WithTx(tx).Release(ctx, plan.Recipient, plan.Referrer); err != nil {
				return err
			}
		}
		if pending.IdempotencyKey != "" && plan.ClaimToken != "" {
			if err := s.idem.WithTx(tx).Release(ctx, pending.BusinessID, pending.IdempotencyKey, plan.ClaimToken); err != nil {
				return err
			}
		}
		abandoned = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("settlement: abandon %s: %w", pending.Signature, err)
	}
	if abandoned {
		s.logger.Warn("settlement abandoned", "signature", pending.Signature, "biz_id", pending.BusinessID.String())
	}
	return abandoned, nil
}

// Resolve asks the ledger about a pending settlement and applies the outcome.
// StatusUnknown leaves the settlement untouched.
func (s *Settler) Resolve(ctx context.Context, pending models.PendingSettlement) (ledger.Status, error) {
	sig, err := solana.SignatureFromBase58(pending.Signature)
	if err != nil {
		return ledger.StatusUnknown, fmt.Errorf("settlement: stored signature %q: %w", pending.Signature, err)
	}
	status, err := s.submitter.Status(ctx, sig, pending.LastValidBlockHeight)
	if err != nil {
		return ledger.StatusUnknown, err
	}
	switch status {
	case ledger.StatusConfirmed:
		_, err = s.Settle(ctx, pending)
	case ledger.StatusFailed, ledger.StatusExpired:
		_, err = s.Abandon(ctx, pending)
	}
	return status, err
}

// PendingFor returns the unresolved settlement holding (businessID, key).
func (s *Settler) PendingFor(ctx context.Context, businessID uuid.UUID, key string) (models.PendingSettlement, bool, error) {
	var pending models.PendingSettlement
	err := s.store.DB().WithContext(ctx).
		Where("business_id = ? AND idempotency_key = ?", businessID, key).
		Order("created_at DESC").
		Take(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pending, false, nil
	}
	if err != nil {
		return pending, false, fmt.Errorf("settlement: load pending: %w", err)
	}
	return pending, true, nil
}

// Due lists up to limit pending settlements created before cutoff, oldest first.
func (s *Settler) Due(ctx context.Context, cutoff time.Time, limit int) ([]models.PendingSettlement, error) {
	var rows []models.PendingSettlement
	query := s.store.DB().WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("settlement: list due: %w", err)
	}
	return rows, nil
}

// CountPending returns the number of unresolved settlements.
func (s *Settler) CountPending(ctx context.Context) (int64, error) {
	var count int64
	if err := s.store.DB().WithContext(ctx).Model(&models.PendingSettlement{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("settlement: count pending: %w", err)
	}
	return count, nil
}

// takePending deletes the pending row, which serializes concurrent resolvers:
// only the caller whose delete affected the row proceeds.
func takePending(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	res := tx.WithContext(ctx).Where("id = ?", id).Delete(&models.PendingSettlement{})
	if res.Error != nil {
		return false, fmt.Errorf("settlement: take pending: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func decodePlan(pending models.PendingSettlement) (settlementPlan, error) {
	var plan settlementPlan
	if err := json.Unmarshal([]byte(pending.Plan), &plan); err != nil {
		return plan, fmt.Errorf("settlement: decode plan for %s: %w", pending.Signature, err)
	}
	return plan, nil
}
