// Package ledgertest provides an in-memory ledger node for tests.
package ledgertest

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Outcome controls what happens to a broadcast transaction.
type Outcome int

const (
	// Confirm marks sent transactions confirmed immediately.
	Confirm Outcome = iota
	// Hang leaves sent transactions without a status.
	Hang
	// Fail marks sent transactions as landed with an error.
	Fail
)

// RPC is a scriptable ledger node. The zero value is not usable; call New.
type RPC struct {
	mu sync.Mutex

	blockhash   solana.Hash
	lastValid   uint64
	blockHeight uint64
	decimals    map[solana.PublicKey]uint8
	accounts    map[solana.PublicKey]bool
	statuses    map[solana.Signature]*rpc.SignatureStatusesResult

	outcome     Outcome
	sendErr     error
	lostErr     error
	readErr     error
	sent        []*solana.Transaction
	statusCalls int
}

// New returns a node answering with a fixed blockhash valid up to height 1000.
func New() *RPC {
	return &RPC{
		blockhash: solana.Hash(sha256.Sum256([]byte("ledgertest"))),
		lastValid: 1000,
		decimals:  make(map[solana.PublicKey]uint8),
		accounts:  make(map[solana.PublicKey]bool),
		statuses:  make(map[solana.Signature]*rpc.SignatureStatusesResult),
	}
}

// SetMint registers a mint with its decimals.
func (f *RPC) SetMint(mint solana.PublicKey, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decimals[mint] = decimals
}

// AddAccount marks an account as existing.
func (f *RPC) AddAccount(account solana.PublicKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[account] = true
}

// SetOutcome controls what happens to subsequently sent transactions.
func (f *RPC) SetOutcome(o Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = o
}

// SetSendError makes SendTransactionWithOpts fail with err.
func (f *RPC) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// SetLostResponse makes SendTransactionWithOpts accept transactions but fail
// with err, as when the response is lost after the node received the request.
func (f *RPC) SetLostResponse(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostErr = err
}

// SetReadError makes account, mint and blockhash reads fail with err.
func (f *RPC) SetReadError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// SetBlockHeight moves the chain tip.
func (f *RPC) SetBlockHeight(h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockHeight = h
}

// SetStatus overrides the reported status of sig. A nil status erases it.
func (f *RPC) SetStatus(sig solana.Signature, status *rpc.SignatureStatusesResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == nil {
		delete(f.statuses, sig)
		return
	}
	f.statuses[sig] = status
}

// ConfirmSignature marks sig confirmed.
func (f *RPC) ConfirmSignature(sig solana.Signature) {
	f.SetStatus(sig, &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed})
}

// Sent returns the transactions broadcast so far.
func (f *RPC) Sent() []*solana.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*solana.Transaction, len(f.sent))
	copy(out, f.sent)
	return out
}

// StatusCalls reports how many status queries were made.
func (f *RPC) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *RPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{
		Blockhash:            f.blockhash,
		LastValidBlockHeight: f.lastValid,
	}}, nil
}

func (f *RPC) GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if !f.accounts[account] {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Lamports: 2039280}}, nil
}

func (f *RPC) GetTokenSupply(ctx context.Context, mint solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenSupplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	decimals, ok := f.decimals[mint]
	if !ok {
		return nil, errors.New("Invalid param: not a Token mint")
	}
	return &rpc.GetTokenSupplyResult{Value: &rpc.UiTokenAmount{Amount: "0", Decimals: decimals}}, nil
}

func (f *RPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, errors.New("transaction not signed")
	}
	sig := tx.Signatures[0]
	switch f.outcome {
	case Confirm:
		f.statuses[sig] = &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
	case Fail:
		f.statuses[sig] = &rpc.SignatureStatusesResult{
			ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
			Err:                map[string]interface{}{"InstructionError": []interface{}{1, "Custom"}},
		}
	}
	if f.lostErr != nil {
		return solana.Signature{}, f.lostErr
	}
	return sig, nil
}

func (f *RPC) GetSignatureStatuses(ctx context.Context, search bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	out := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(sigs))}
	for i, sig := range sigs {
		out.Value[i] = f.statuses[sig]
	}
	return out, nil
}

func (f *RPC) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockHeight, nil
}

// Signer signs with an in-memory key.
type Signer struct {
	Key solana.PrivateKey
}

// NewSigner generates a random authority.
func NewSigner() *Signer {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		panic(err)
	}
	return &Signer{Key: key}
}

func (s *Signer) PublicKey() solana.PublicKey { return s.Key.PublicKey() }

func (s *Signer) Sign(ctx context.Context, message []byte) (solana.Signature, error) {
	return s.Key.Sign(message)
}

// Wallet returns a fresh random public key.
func Wallet() solana.PublicKey {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		panic(err)
	}
	return key.PublicKey()
}
