package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Provisioner plans holding accounts for token recipients.
type Provisioner struct {
	rpc        RPC
	commitment rpc.CommitmentType
}

// NewProvisioner constructs a Provisioner.
func NewProvisioner(client RPC, commitment rpc.CommitmentType) *Provisioner {
	return &Provisioner{rpc: client, commitment: commitment}
}

// EnsureHoldingAccount returns owner's holding account for token and, when the
// account does not exist yet, an idempotent create instruction paid by payer.
// The create instruction is safe to replay if another request creates the
// account first.
func (p *Provisioner) EnsureHoldingAccount(ctx context.Context, payer solana.PublicKey, token Token, owner solana.PublicKey) (solana.PublicKey, solana.Instruction, error) {
	account, err := HoldingAccount(token, owner)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	_, err = p.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{Commitment: p.commitment})
	switch {
	case err == nil:
		return account, nil, nil
	case errors.Is(err, rpc.ErrNotFound):
		return account, CreateHoldingAccount(payer, account, owner, token), nil
	case IsThrottled(err):
		return solana.PublicKey{}, nil, wrapRPC("ledger: lookup holding account", err)
	default:
		return solana.PublicKey{}, nil, fmt.Errorf("%w: lookup %s: %v", ErrProvisioning, account, err)
	}
}

// Tokens resolves mint precision from on-ledger metadata. Decimals never change
// for a mint, so answers are cached for the process lifetime.
type Tokens struct {
	rpc        RPC
	commitment rpc.CommitmentType

	mu       sync.RWMutex
	decimals map[solana.PublicKey]uint8
}

// NewTokens constructs a Tokens resolver.
func NewTokens(client RPC, commitment rpc.CommitmentType) *Tokens {
	return &Tokens{rpc: client, commitment: commitment, decimals: make(map[solana.PublicKey]uint8)}
}

// Resolve returns the Token for a business mint and program variant.
func (t *Tokens) Resolve(ctx context.Context, mintAddress, variant string) (Token, error) {
	mint, err := solana.PublicKeyFromBase58(mintAddress)
	if err != nil {
		return Token{}, fmt.Errorf("ledger: invalid mint address %q: %w", mintAddress, err)
	}
	token := Token{Mint: mint, Program: TokenProgramFor(variant)}

	t.mu.RLock()
	decimals, ok := t.decimals[mint]
	t.mu.RUnlock()
	if ok {
		token.Decimals = decimals
		return token, nil
	}

	supply, err := t.rpc.GetTokenSupply(ctx, mint, t.commitment)
	if err != nil {
		if IsThrottled(err) {
			return Token{}, wrapRPC("ledger: read mint", err)
		}
		return Token{}, fmt.Errorf("%w: read mint %s: %v", ErrProvisioning, mint, err)
	}
	if supply == nil || supply.Value == nil {
		return Token{}, fmt.Errorf("%w: mint %s has no supply information", ErrProvisioning, mint)
	}
	token.Decimals = supply.Value.Decimals

	t.mu.Lock()
	t.decimals[mint] = token.Decimals
	t.mu.Unlock()
	return token, nil
}
