package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"loyaltymint/services/issuerd/models"
)

// Program ids used by issuance transactions.
var (
	TokenProgramID           = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	Token2022ProgramID       = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	AssociatedTokenProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

const (
	// associated token account program: CreateIdempotent
	ataCreateIdempotent byte = 1
	// token program: MintToChecked
	tokenMintToChecked byte = 14
)

// TokenProgramFor maps a business token-program variant to its program id.
func TokenProgramFor(variant string) solana.PublicKey {
	if variant == models.TokenProgramExtended {
		return Token2022ProgramID
	}
	return TokenProgramID
}

// Token identifies a mint and the program that owns it.
type Token struct {
	Mint     solana.PublicKey
	Program  solana.PublicKey
	Decimals uint8
}

// HoldingAccount derives the deterministic token account for (token, owner).
func HoldingAccount(token Token, owner solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], token.Program[:], token.Mint[:]},
		AssociatedTokenProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("ledger: derive holding account: %w", err)
	}
	return addr, nil
}

// instruction is a pre-encoded ledger instruction.
type instruction struct {
	program  solana.PublicKey
	accounts []*solana.AccountMeta
	data     []byte
}

func (i *instruction) ProgramID() solana.PublicKey     { return i.program }
func (i *instruction) Accounts() []*solana.AccountMeta { return i.accounts }
func (i *instruction) Data() ([]byte, error)           { return i.data, nil }

// CreateHoldingAccount builds a create instruction that succeeds as a no-op
// when the account already exists.
func CreateHoldingAccount(payer, account, owner solana.PublicKey, token Token) solana.Instruction {
	return &instruction{
		program: AssociatedTokenProgramID,
		accounts: []*solana.AccountMeta{
			solana.NewAccountMeta(payer, true, true),
			solana.NewAccountMeta(account, true, false),
			solana.NewAccountMeta(owner, false, false),
			solana.NewAccountMeta(token.Mint, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
			solana.NewAccountMeta(token.Program, false, false),
		},
		data: []byte{ataCreateIdempotent},
	}
}

// MintTo builds a checked mint of raw units into destination.
func MintTo(token Token, destination, authority solana.PublicKey, raw uint64) solana.Instruction {
	data := make([]byte, 10)
	data[0] = tokenMintToChecked
	binary.LittleEndian.PutUint64(data[1:9], raw)
	data[9] = token.Decimals
	return &instruction{
		program: token.Program,
		accounts: []*solana.AccountMeta{
			solana.NewAccountMeta(token.Mint, true, false),
			solana.NewAccountMeta(destination, true, false),
			solana.NewAccountMeta(authority, false, true),
		},
		data: data,
	}
}

// ParseWallet validates a base58 wallet address.
func ParseWallet(address string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid wallet address %q: %w", address, err)
	}
	return key, nil
}
