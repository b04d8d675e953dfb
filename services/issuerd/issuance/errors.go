package issuance

import (
	"errors"
	"fmt"
)

// Kind classifies orchestrator failures for callers.
type Kind string

const (
	KindUnauthorized               Kind = "unauthorized"
	KindForbidden                  Kind = "forbidden"
	KindInvalidAmount              Kind = "invalid_amount"
	KindInvalidRequest             Kind = "invalid_request"
	KindRateLimited                Kind = "rate_limited"
	KindThrottled                  Kind = "ledger_throttled"
	KindReferralContextMismatch    Kind = "referral_context_mismatch"
	KindAccountProvisioningFailure Kind = "account_provisioning_failure"
	KindSubmissionFailure          Kind = "submission_failure"
	KindSubmissionTimeout          Kind = "submission_timeout"
	KindServerMisconfigured        Kind = "server_misconfigured"
	KindConflict                   Kind = "conflict"
	KindInternal                   Kind = "internal"
)

// Error is returned by every orchestrator operation that fails.
type Error struct {
	Kind Kind
	// Window names the exhausted rate-limit window for KindRateLimited.
	Window string
	// Signature is set once a transaction was signed, so callers can follow up
	// on an ambiguous outcome.
	Signature string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Window != "" {
		msg += " (" + e.Window + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindInternal
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func wrapError(kind Kind, err error) *Error {
	var ie *Error
	if errors.As(err, &ie) {
		return ie
	}
	return &Error{Kind: kind, Err: err}
}
