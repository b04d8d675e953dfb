// Package idempotency maps caller-supplied idempotency keys to the ledger
// signature they produced, scoped per business.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"loyaltymint/observability/logging"
	"loyaltymint/services/issuerd/models"
)

var (
	// ErrSignatureConflict means a key is already bound to another signature.
	ErrSignatureConflict = errors.New("idempotency: key already bound to a different signature")
	// ErrInFlight means another request holds the claim for this key.
	ErrInFlight = errors.New("idempotency: request with this key is already in progress")
	// ErrKeyRequired is returned for blank keys.
	ErrKeyRequired = errors.New("idempotency: key required")
)

// MaxKeyLength bounds stored keys.
const MaxKeyLength = 255

// Claim describes the outcome of trying to reserve a key.
type Claim struct {
	// Token is set when this caller now owns the key.
	Token string
	// Signature is set when the key already resolved to a ledger signature.
	Signature string
	// HeldSince is set when another caller owns the key without a signature.
	HeldSince time.Time
	HeldToken string
}

// Acquired reports whether the caller owns the claim.
func (c Claim) Acquired() bool { return c.Token != "" }

// Resolved reports whether the key already maps to a signature.
func (c Claim) Resolved() bool { return c.Signature != "" }

// Store persists idempotency records through gorm.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for integrity faults.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a Store.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "idempotency")
	return s
}

// WithTx returns a copy of the store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	clone := *s
	clone.db = tx
	return &clone
}

// NormaliseKey trims and bounds a header value.
func NormaliseKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrKeyRequired
	}
	if len(key) > MaxKeyLength {
		return "", fmt.Errorf("idempotency: key longer than %d characters", MaxKeyLength)
	}
	return key, nil
}

// Lookup returns the signature recorded for (businessID, key), if any.
func (s *Store) Lookup(ctx context.Context, businessID uuid.UUID, key string) (string, bool, error) {
	rec, found, err := s.load(ctx, businessID, key)
	if err != nil || !found || rec.Signature == "" {
		return "", false, err
	}
	return rec.Signature, true, nil
}

// Record binds key to signature. Recording the same signature again is a no-op;
// a different signature is never written and is reported as ErrSignatureConflict.
func (s *Store) Record(ctx context.Context, businessID uuid.UUID, key, signature string) error {
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("idempotency: signature required")
	}
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "business_id"}, {Name: "idempotency_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"signature":  signature,
			"updated_at": now,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "idempotency_records.signature = '' OR idempotency_records.signature = ?", Vars: []interface{}{signature}},
		}},
	}).Create(&models.IdempotencyRecord{
		ID:             uuid.New(),
		BusinessID:     businessID,
		IdempotencyKey: key,
		Signature:      signature,
		ClaimedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if res.Error != nil {
		return fmt.Errorf("idempotency: record: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	rec, found, err := s.load(ctx, businessID, key)
	if err != nil {
		return err
	}
	if found && rec.Signature == signature {
		return nil
	}
	s.logger.Error("idempotency key already bound to a different signature",
		"business_id", businessID.String(),
		"key", logging.KeyFingerprint(key),
		"existing_signature", rec.Signature,
		"rejected_signature", signature,
	)
	return ErrSignatureConflict
}

// Claim reserves key for the caller, or reports who already holds it.
func (s *Store) Claim(ctx context.Context, businessID uuid.UUID, key string) (Claim, error) {
	now := s.now().UTC()
	token := uuid.NewString()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models.IdempotencyRecord{
		ID:             uuid.New(),
		BusinessID:     businessID,
		IdempotencyKey: key,
		ClaimToken:     token,
		ClaimedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if res.Error != nil {
		return Claim{}, fmt.Errorf("idempotency: claim: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return Claim{Token: token}, nil
	}
	rec, found, err := s.load(ctx, businessID, key)
	if err != nil {
		return Claim{}, err
	}
	if !found {
		// Released between our insert and read; let the caller retry.
		return Claim{}, ErrInFlight
	}
	if rec.Signature != "" {
		return Claim{Signature: rec.Signature}, nil
	}
	return Claim{HeldSince: rec.ClaimedAt, HeldToken: rec.ClaimToken}, nil
}

// TakeOver replaces a stale claim identified by heldToken. It fails with
// ErrInFlight when the claim changed hands or resolved meanwhile.
func (s *Store) TakeOver(ctx context.Context, businessID uuid.UUID, key, heldToken string) (string, error) {
	now := s.now().UTC()
	token := uuid.NewString()
	res := s.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("business_id = ? AND idempotency_key = ? AND signature = '' AND claim_token = ?", businessID, key, heldToken).
		Updates(map[string]interface{}{"claim_token": token, "claimed_at": now, "updated_at": now})
	if res.Error != nil {
		return "", fmt.Errorf("idempotency: take over: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", ErrInFlight
	}
	return token, nil
}

// Release drops an unresolved claim so the key can be retried.
func (s *Store) Release(ctx context.Context, businessID uuid.UUID, key, token string) error {
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND idempotency_key = ? AND signature = '' AND claim_token = ?", businessID, key, token).
		Delete(&models.IdempotencyRecord{}).Error
	if err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, businessID uuid.UUID, key string) (models.IdempotencyRecord, bool, error) {
	var rec models.IdempotencyRecord
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND idempotency_key = ?", businessID, key).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("idempotency: load: %w", err)
	}
	return rec, true, nil
}
