package issuance

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"loyaltymint/services/issuerd/ledger/ledgertest"
)

func TestParseRequestModes(t *testing.T) {
	recipient := ledgertest.Wallet().String()
	referrer := ledgertest.Wallet().String()

	cases := []struct {
		name string
		body MintBody
		mode Mode
		kind Kind
	}{
		{name: "standard", body: MintBody{Recipient: recipient, Amount: amountPtr("1")}, mode: ModeStandard},
		{name: "referred", body: MintBody{Recipient: recipient, Amount: amountPtr("1"), ReferrerWalletAddress: referrer}, mode: ModeReferredSignup},
		{name: "self referral", body: MintBody{Recipient: recipient, Amount: amountPtr("1"), ReferrerWalletAddress: recipient}, mode: ModeStandard},
		{name: "award ignores referrer", body: MintBody{Recipient: recipient, IsReferralAwardMint: true, ReferrerWalletAddress: "garbage"}, mode: ModeDirectAward},
		{name: "award with context", body: MintBody{Recipient: recipient, IsReferralAwardMint: true, ReferralContextBizID: "biz"}, mode: ModeDirectAward},
		{name: "context without award", body: MintBody{Recipient: recipient, Amount: amountPtr("1"), ReferralContextBizID: "biz"}, kind: KindInvalidRequest},
		{name: "missing recipient", body: MintBody{Amount: amountPtr("1")}, kind: KindInvalidRequest},
		{name: "bad recipient", body: MintBody{Recipient: "not-a-wallet", Amount: amountPtr("1")}, kind: KindInvalidRequest},
		{name: "bad referrer", body: MintBody{Recipient: recipient, Amount: amountPtr("1"), ReferrerWalletAddress: "0OIl"}, kind: KindInvalidRequest},
		{name: "missing amount", body: MintBody{Recipient: recipient}, kind: KindInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := ParseRequest(tc.body)
			if tc.kind != "" {
				require.Equal(t, tc.kind, KindOf(err), "error: %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.mode, req.Mode)
			require.Equal(t, recipient, req.Recipient.String())
		})
	}
}

func TestModeRoundTrip(t *testing.T) {
	for _, m := range []Mode{ModeStandard, ModeReferredSignup, ModeDirectAward} {
		require.Equal(t, m, parseMode(m.String()))
	}
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Kind: KindRateLimited, Window: "1d", Err: errors.New("rate limit exceeded (1d)")}
	require.Equal(t, "rate_limited (1d): rate limit exceeded (1d)", err.Error())
	require.Equal(t, KindRateLimited, KindOf(fmt.Errorf("wrapped: %w", err)))
	require.Equal(t, KindInternal, KindOf(errors.New("plain")))
}
