package issuance

import (
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"loyaltymint/services/issuerd/ledger"
)

// Mode is the validated shape of a mint request.
type Mode int

const (
	// ModeStandard credits the recipient only.
	ModeStandard Mode = iota
	// ModeReferredSignup credits the recipient and, when the recipient is
	// eligible, a fixed bonus to the referrer.
	ModeReferredSignup
	// ModeDirectAward credits the fixed bonus straight to the recipient, who
	// acts as the referrer.
	ModeDirectAward
)

func (m Mode) String() string {
	switch m {
	case ModeReferredSignup:
		return "referred_signup"
	case ModeDirectAward:
		return "direct_award"
	default:
		return "standard"
	}
}

func parseMode(s string) Mode {
	switch s {
	case "referred_signup":
		return ModeReferredSignup
	case "direct_award":
		return ModeDirectAward
	default:
		return ModeStandard
	}
}

// MintBody is the JSON body accepted by the mint endpoint.
type MintBody struct {
	Recipient             string           `json:"recipient"`
	Amount                *decimal.Decimal `json:"amount"`
	ReferrerWalletAddress string           `json:"referrerWalletAddress"`
	IsReferralAwardMint   bool             `json:"isReferralAwardMint"`
	ReferralContextBizID  string           `json:"referralContextBizId"`
}

// Request is a mint request in exactly one mode.
type Request struct {
	Mode      Mode
	Recipient solana.PublicKey
	// Referrer is set for ModeReferredSignup.
	Referrer solana.PublicKey
	// Amount is the requested UI amount. For ModeDirectAward it is optional and
	// AmountSet reports whether the caller supplied it.
	Amount    decimal.Decimal
	AmountSet bool
	// ContextBizID is the business a direct award is credited under.
	ContextBizID string
}

// ParseRequest validates body and selects its mode.
func ParseRequest(body MintBody) (Request, error) {
	recipientRaw := strings.TrimSpace(body.Recipient)
	if recipientRaw == "" {
		return Request{}, newError(KindInvalidRequest, "recipient is required")
	}
	recipient, err := ledger.ParseWallet(recipientRaw)
	if err != nil {
		return Request{}, wrapError(KindInvalidRequest, err)
	}
	req := Request{Recipient: recipient}
	if body.Amount != nil {
		req.Amount = *body.Amount
		req.AmountSet = true
	}
	contextBizID := strings.TrimSpace(body.ReferralContextBizID)

	if body.IsReferralAwardMint {
		req.Mode = ModeDirectAward
		req.ContextBizID = contextBizID
		return req, nil
	}
	if contextBizID != "" {
		return Request{}, newError(KindInvalidRequest, "referralContextBizId is only valid on referral award mints")
	}
	if !req.AmountSet {
		return Request{}, newError(KindInvalidAmount, "amount is required")
	}
	referrerRaw := strings.TrimSpace(body.ReferrerWalletAddress)
	if referrerRaw == "" {
		req.Mode = ModeStandard
		return req, nil
	}
	referrer, err := ledger.ParseWallet(referrerRaw)
	if err != nil {
		return Request{}, wrapError(KindInvalidRequest, err)
	}
	if referrer.Equals(recipient) {
		req.Mode = ModeStandard
		return req, nil
	}
	req.Mode = ModeReferredSignup
	req.Referrer = referrer
	return req, nil
}
