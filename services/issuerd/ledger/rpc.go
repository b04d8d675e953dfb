package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// RPC is the subset of the ledger node API used by issuance. *rpc.Client
// satisfies it.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetTokenSupply(ctx context.Context, tokenMint solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenSupplyResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

var _ RPC = (*rpc.Client)(nil)

// NewClient dials the ledger node at endpoint.
func NewClient(endpoint string) *rpc.Client {
	return rpc.New(endpoint)
}

var (
	// ErrProvisioning wraps failures while checking or planning holding accounts.
	ErrProvisioning = errors.New("ledger: holding account provisioning failed")
	// ErrSubmissionFailed means the ledger deterministically rejected the
	// transaction or it can no longer land.
	ErrSubmissionFailed = errors.New("ledger: transaction rejected")
	// ErrSubmissionTimeout means the outcome is unknown; the transaction may
	// still confirm.
	ErrSubmissionTimeout = errors.New("ledger: confirmation outcome unknown")
	// ErrThrottled means the RPC node rate-limited the request.
	ErrThrottled = errors.New("ledger: rpc node throttled the request")
)

// rpcCodeRateLimited is the JSON-RPC error code hosted nodes answer with when
// a request exceeds the plan's rate limit.
const rpcCodeRateLimited = -32005

// IsThrottled reports whether the node answered err with an HTTP 429 or a
// JSON-RPC rate-limit error. Transport failures are never throttling: the
// request may have reached the node.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrThrottled) {
		return true
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code == http.StatusTooManyRequests
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == http.StatusTooManyRequests || rpcErr.Code == rpcCodeRateLimited
	}
	return false
}

// wrapRPC tags throttling errors so callers can surface them as 429.
func wrapRPC(op string, err error) error {
	if IsThrottled(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrThrottled, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isRejection reports whether err is a JSON-RPC error answer, meaning the node
// evaluated the request and refused it.
func isRejection(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}
