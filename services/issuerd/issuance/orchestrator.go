// Package issuance runs mint requests end to end: authentication, limits,
// idempotency, referral side effects, ledger submission and settlement.
//
// The off-ledger store and the ledger share no transaction. The signature of a
// transaction is known once it is signed, so the orchestrator writes a pending
// settlement before broadcasting and resolves it after the ledger answers. A
// settlement left unresolved by a confirmation timeout is resolved later by a
// retry with the same idempotency key or by the reconciler.
package issuance

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loyaltymint/observability"
	"loyaltymint/observability/logging"
	"loyaltymint/services/issuerd/amount"
	"loyaltymint/services/issuerd/audit"
	"loyaltymint/services/issuerd/catalog"
	"loyaltymint/services/issuerd/idempotency"
	"loyaltymint/services/issuerd/ledger"
	"loyaltymint/services/issuerd/models"
	"loyaltymint/services/issuerd/ratelimit"
	"loyaltymint/services/issuerd/referral"
)

// Config wires an Orchestrator.
type Config struct {
	Catalog     *catalog.Catalog
	Limiter     ratelimit.Limiter
	Idempotency *idempotency.Store
	Referral    *referral.Engine
	Tokens      *ledger.Tokens
	Builder     *ledger.Builder
	Submitter   *ledger.Submitter
	Settler     *Settler
	// Signer may be nil; mint requests then fail with KindServerMisconfigured.
	Signer ledger.Signer

	MaxPerTx        decimal.Decimal
	PerMinute       int64
	PerDay          int64
	ReferralBonus   decimal.Decimal
	StaleClaimAfter time.Duration
	// ConfirmTimeout is how long the broadcasting request waits; a same-key
	// retry inside it is told the original is still in flight.
	ConfirmTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.IssuerdMetrics
	Now     func() time.Time
}

// Orchestrator executes mint requests.
type Orchestrator struct {
	catalog   *catalog.Catalog
	limiter   ratelimit.Limiter
	idem      *idempotency.Store
	referral  *referral.Engine
	tokens    *ledger.Tokens
	builder   *ledger.Builder
	submitter *ledger.Submitter
	settler   *Settler
	signer    ledger.Signer

	maxPerTx        decimal.Decimal
	perMinute       int64
	perDay          int64
	bonus           decimal.Decimal
	staleClaimAfter time.Duration
	confirmTimeout  time.Duration

	logger  *slog.Logger
	metrics *observability.IssuerdMetrics
	now     func() time.Time
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	stale := cfg.StaleClaimAfter
	if stale <= 0 {
		stale = 2 * time.Minute
	}
	confirm := cfg.ConfirmTimeout
	if confirm <= 0 {
		confirm = 60 * time.Second
	}
	return &Orchestrator{
		catalog:         cfg.Catalog,
		limiter:         cfg.Limiter,
		idem:            cfg.Idempotency,
		referral:        cfg.Referral,
		tokens:          cfg.Tokens,
		builder:         cfg.Builder,
		submitter:       cfg.Submitter,
		settler:         cfg.Settler,
		signer:          cfg.Signer,
		maxPerTx:        cfg.MaxPerTx,
		perMinute:       cfg.PerMinute,
		perDay:          cfg.PerDay,
		bonus:           cfg.ReferralBonus,
		staleClaimAfter: stale,
		confirmTimeout:  confirm,
		logger:          logger.With("component", "issuance"),
		metrics:         cfg.Metrics,
		now:             now,
	}
}

// Call is one authenticated mint attempt.
type Call struct {
	APIKey         string
	IdempotencyKey string
	// BizOverride acts for another business than the key's own.
	BizOverride string
	Request     Request
}

// Result is the outcome of a successful mint.
type Result struct {
	Signature string
	// Idempotent is true when the signature was replayed from an earlier request.
	Idempotent bool
	Mode       Mode
	// BonusApplied reports whether a referral bonus leg was minted.
	BonusApplied bool
}

// Mint runs call to completion. Once a transaction is broadcast the work is
// detached from ctx so a disconnecting caller cannot abandon it half way.
func (o *Orchestrator) Mint(ctx context.Context, call Call) (Result, error) {
	res, err := o.mint(ctx, call)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(KindOf(err))
	case res.Idempotent:
		outcome = "replay"
		o.metrics.RecordReplay()
	}
	o.metrics.RecordMint(call.Request.Mode.String(), outcome)
	return res, err
}

// mintState tracks the claims taken by a request so they can be released if it
// fails before broadcast.
type mintState struct {
	business   models.Business
	key        string
	claimToken string
	recipient  string
	referrer   string
	// settling is set once the pending settlement is stored; from then on only
	// the settler may release the claims.
	settling bool
}

func (o *Orchestrator) mint(ctx context.Context, call Call) (Result, error) {
	principal, err := o.catalog.Authenticate(ctx, call.APIKey, call.BizOverride, models.ScopeMint)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrUnauthorized):
			return Result{}, wrapError(KindUnauthorized, err)
		case errors.Is(err, catalog.ErrForbidden):
			return Result{}, wrapError(KindForbidden, err)
		default:
			return Result{}, wrapError(KindInternal, err)
		}
	}
	biz := principal.Business
	req := call.Request

	primaryUI, err := o.primaryAmount(biz, req)
	if err != nil {
		return Result{}, err
	}
	if o.signer == nil {
		return Result{}, newError(KindServerMisconfigured, "mint authority is not configured")
	}

	state := &mintState{business: biz, recipient: req.Recipient.String()}
	if key := strings.TrimSpace(call.IdempotencyKey); key != "" {
		if key, err = idempotency.NormaliseKey(key); err != nil {
			return Result{}, wrapError(KindInvalidRequest, err)
		}
		state.key = key
		replay, token, err := o.claim(ctx, biz, key)
		if err != nil {
			return Result{}, err
		}
		if replay != nil {
			return *replay, nil
		}
		state.claimToken = token
	}

	res, err := o.issue(ctx, state, req, primaryUI)
	if err != nil {
		if !state.settling {
			o.release(ctx, state)
		}
		return Result{}, err
	}
	return res, nil
}

// primaryAmount returns the UI amount credited to the recipient.
func (o *Orchestrator) primaryAmount(biz models.Business, req Request) (decimal.Decimal, error) {
	if req.Mode == ModeDirectAward {
		if req.ContextBizID != "" && req.ContextBizID != biz.BizID {
			return decimal.Decimal{}, newError(KindReferralContextMismatch,
				"referral context %q does not match business %q", req.ContextBizID, biz.BizID)
		}
		if req.AmountSet && !req.Amount.Equal(o.bonus) {
			return decimal.Decimal{}, newError(KindInvalidAmount, "referral award amount must equal the referral bonus %s", o.bonus)
		}
		return o.bonus, nil
	}
	if !req.AmountSet || !req.Amount.IsPositive() {
		return decimal.Decimal{}, newError(KindInvalidAmount, "amount must be positive")
	}
	if !amount.WithinCeiling(req.Amount, o.maxPerTx) {
		return decimal.Decimal{}, newError(KindInvalidAmount, "amount exceeds the per-transaction maximum of %s", o.maxPerTx)
	}
	return req.Amount, nil
}

// claim reserves key for this request. It returns a replay result when the key
// already resolved, or resolves a settlement left behind by an earlier attempt.
func (o *Orchestrator) claim(ctx context.Context, biz models.Business, key string) (*Result, string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := o.idem.Claim(ctx, biz.ID, key)
		if errors.Is(err, idempotency.ErrInFlight) {
			continue
		}
		if err != nil {
			return nil, "", wrapError(KindInternal, err)
		}
		if c.Acquired() {
			return nil, c.Token, nil
		}
		if c.Resolved() {
			return &Result{Signature: c.Signature, Idempotent: true}, "", nil
		}

		pending, found, err := o.settler.PendingFor(ctx, biz.ID, key)
		if err != nil {
			return nil, "", wrapError(KindInternal, err)
		}
		if found {
			status, err := o.settler.Resolve(ctx, pending)
			if err != nil {
				kind := KindSubmissionTimeout
				if ledger.IsThrottled(err) {
					kind = KindThrottled
				}
				return nil, "", &Error{Kind: kind, Signature: pending.Signature, Err: err}
			}
			switch status {
			case ledger.StatusConfirmed:
				return &Result{Signature: pending.Signature, Idempotent: true}, "", nil
			case ledger.StatusFailed, ledger.StatusExpired:
				o.logger.Info("retrying key after abandoned settlement",
					"biz_id", biz.BizID, "key", logging.KeyFingerprint(key), "signature", pending.Signature)
				continue
			}
			kind := KindSubmissionTimeout
			if o.now().Sub(pending.CreatedAt) < o.confirmTimeout {
				kind = KindConflict
			}
			return nil, "", &Error{Kind: kind, Signature: pending.Signature, Err: ledger.ErrSubmissionTimeout}
		}

		if o.now().Sub(c.HeldSince) < o.staleClaimAfter {
			return nil, "", wrapError(KindConflict, idempotency.ErrInFlight)
		}
		token, err := o.idem.TakeOver(ctx, biz.ID, key, c.HeldToken)
		if errors.Is(err, idempotency.ErrInFlight) {
			continue
		}
		if err != nil {
			return nil, "", wrapError(KindInternal, err)
		}
		o.logger.Warn("took over stale idempotency claim", "biz_id", biz.BizID, "key", logging.KeyFingerprint(key))
		return nil, token, nil
	}
	return nil, "", wrapError(KindConflict, idempotency.ErrInFlight)
}

// issue performs everything after the idempotency claim.
func (o *Orchestrator) issue(ctx context.Context, state *mintState, req Request, primaryUI decimal.Decimal) (Result, error) {
	biz := state.business
	if err := ratelimit.CheckAll(ctx, o.limiter, biz.ID.String(),
		ratelimit.Minute(o.perMinute), ratelimit.Day(o.perDay)); err != nil {
		var limitErr *ratelimit.LimitError
		if errors.As(err, &limitErr) {
			o.metrics.RecordRateLimited(limitErr.Window)
			return Result{}, &Error{Kind: KindRateLimited, Window: limitErr.Window, Err: err}
		}
		return Result{}, wrapError(KindInternal, err)
	}

	token, err := o.tokens.Resolve(ctx, biz.MintAddress, biz.NormalisedTokenProgram())
	if err != nil {
		return Result{}, ledgerError(err)
	}

	bonusApplied := false
	if req.Mode == ModeReferredSignup {
		referrer := req.Referrer.String()
		switch err := o.referral.Claim(ctx, state.recipient, referrer); {
		case err == nil:
			bonusApplied = true
			state.referrer = referrer
		case errors.Is(err, referral.ErrNotEligible):
			o.logger.Info("referral bonus skipped", "biz_id", biz.BizID, "wallet", state.recipient, "referrer", referrer)
		default:
			return Result{}, wrapError(KindInternal, err)
		}
	}

	primaryRaw, err := amount.ToRaw(primaryUI, token.Decimals)
	if err != nil {
		return Result{}, wrapError(KindInvalidAmount, err)
	}
	plan := ledger.Plan{
		Token:     token,
		Authority: o.signer.PublicKey(),
		Primary:   ledger.Leg{Owner: req.Recipient, Raw: primaryRaw},
	}
	primaryKind := models.IssuanceKindPurchase
	if req.Mode == ModeDirectAward {
		primaryKind = models.IssuanceKindReferralAward
	}
	entries := []audit.Entry{{Customer: state.recipient, Amount: primaryUI, Kind: primaryKind}}
	if bonusApplied {
		bonusRaw, err := amount.ToRaw(o.bonus, token.Decimals)
		if err != nil {
			return Result{}, wrapError(KindServerMisconfigured, err)
		}
		plan.Bonus = &ledger.Leg{Owner: req.Referrer, Raw: bonusRaw}
		entries = append(entries, audit.Entry{Customer: state.referrer, Amount: o.bonus, Kind: models.IssuanceKindReferralBonus})
	}

	instructions, err := o.builder.Build(ctx, plan)
	if err != nil {
		return Result{}, ledgerError(err)
	}
	prepared, err := o.submitter.Prepare(ctx, o.signer, instructions)
	if err != nil {
		return Result{}, ledgerError(err)
	}
	signature := prepared.Signature.String()

	creditBizID := biz.BizID
	if req.Mode == ModeDirectAward && req.ContextBizID != "" {
		creditBizID = req.ContextBizID
	}
	pending := models.PendingSettlement{
		ID:                   uuid.New(),
		BusinessID:           biz.ID,
		IdempotencyKey:       state.key,
		Signature:            signature,
		LastValidBlockHeight: prepared.LastValidBlockHeight,
		CreatedAt:            o.now().UTC(),
	}
	settlement := settlementPlan{
		Mode:        req.Mode.String(),
		Recipient:   state.recipient,
		Referrer:    state.referrer,
		CreditBizID: creditBizID,
		ClaimToken:  state.claimToken,
	}
	if err := o.settler.writeAhead(ctx, &pending, settlement, entries); err != nil {
		return Result{}, wrapError(KindInternal, err)
	}
	state.settling = true

	// From here on the transaction may reach the ledger.
	detached := context.WithoutCancel(ctx)
	started := time.Now()
	err = o.submitter.Submit(detached, prepared)
	o.observeSubmit(err, time.Since(started))
	if err != nil {
		return Result{}, o.afterFailedSubmit(detached, pending, err)
	}
	if _, err := o.settler.Settle(detached, pending); err != nil {
		o.logger.Error("confirmed transaction not settled; reconciler will retry",
			"biz_id", biz.BizID, "signature", signature, "error", err)
		return Result{}, &Error{Kind: KindInternal, Signature: signature, Err: err}
	}
	o.logger.Info("mint confirmed",
		"biz_id", biz.BizID,
		"wallet", state.recipient,
		"mode", req.Mode.String(),
		"bonus", bonusApplied,
		"signature", signature,
	)
	return Result{Signature: signature, Mode: req.Mode, BonusApplied: bonusApplied}, nil
}

// afterFailedSubmit keeps the settlement pending when the outcome is unknown and
// abandons it when the transaction cannot land.
func (o *Orchestrator) afterFailedSubmit(ctx context.Context, pending models.PendingSettlement, err error) error {
	var kind Kind
	switch {
	case errors.Is(err, ledger.ErrThrottled):
		kind = KindThrottled
	case errors.Is(err, ledger.ErrSubmissionFailed):
		kind = KindSubmissionFailure
	default:
		o.logger.Warn("ledger confirmation outcome unknown",
			"signature", pending.Signature, "biz_id", pending.BusinessID.String(), "error", err)
		return &Error{Kind: KindSubmissionTimeout, Signature: pending.Signature, Err: err}
	}
	if _, abandonErr := o.settler.Abandon(ctx, pending); abandonErr != nil {
		o.logger.Error("abandon failed settlement", "signature", pending.Signature, "error", abandonErr)
		return &Error{Kind: KindInternal, Signature: pending.Signature, Err: abandonErr}
	}
	// The signature never landed; callers retry with the same key.
	return &Error{Kind: kind, Err: err}
}

// release undoes the claims of a request that failed before broadcast.
func (o *Orchestrator) release(ctx context.Context, state *mintState) {
	ctx = context.WithoutCancel(ctx)
	if state.referrer != "" {
		if err := o.referral.Release(ctx, state.recipient, state.referrer); err != nil {
			o.logger.Error("release referral claim", "wallet", state.recipient, "error", err)
		}
	}
	if state.claimToken != "" {
		if err := o.idem.Release(ctx, state.business.ID, state.key, state.claimToken); err != nil {
			o.logger.Error("release idempotency claim", "biz_id", state.business.BizID, "key", logging.KeyFingerprint(state.key), "error", err)
		}
	}
}

func (o *Orchestrator) observeSubmit(err error, d time.Duration) {
	result := "confirmed"
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrThrottled):
		result = "throttled"
	case errors.Is(err, ledger.ErrSubmissionFailed):
		result = "failed"
	default:
		result = "timeout"
	}
	o.metrics.ObserveSubmit(result, d)
}

// ledgerError classifies errors from token resolution, provisioning and signing.
func ledgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrThrottled):
		return wrapError(KindThrottled, err)
	case errors.Is(err, ledger.ErrProvisioning):
		return wrapError(KindAccountProvisioningFailure, err)
	default:
		return wrapError(KindInternal, err)
	}
}

// Authority returns the configured mint authority, if any.
func (o *Orchestrator) Authority() (solana.PublicKey, bool) {
	if o.signer == nil {
		return solana.PublicKey{}, false
	}
	return o.signer.PublicKey(), true
}
