package ledger

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Leg credits Raw units to Owner.
type Leg struct {
	Owner solana.PublicKey
	Raw   uint64
}

// Plan describes one issuance transaction.
type Plan struct {
	Token     Token
	Authority solana.PublicKey
	Primary   Leg
	Bonus     *Leg
}

// Builder assembles issuance instructions.
type Builder struct {
	provisioner *Provisioner
}

// NewBuilder constructs a Builder.
func NewBuilder(provisioner *Provisioner) *Builder {
	return &Builder{provisioner: provisioner}
}

// Build returns, in order: holding-account creations (recipient, then bonus
// owner), the primary mint, then the bonus mint. Each holding account is
// created at most once per transaction.
func (b *Builder) Build(ctx context.Context, plan Plan) ([]solana.Instruction, error) {
	if plan.Primary.Raw == 0 {
		return nil, fmt.Errorf("ledger: primary mint amount must be positive")
	}
	legs := []Leg{plan.Primary}
	if plan.Bonus != nil {
		if plan.Bonus.Raw == 0 {
			return nil, fmt.Errorf("ledger: bonus mint amount must be positive")
		}
		legs = append(legs, *plan.Bonus)
	}

	var (
		creates  []solana.Instruction
		mints    []solana.Instruction
		resolved = make(map[solana.PublicKey]solana.PublicKey, len(legs))
	)
	for _, leg := range legs {
		account, ok := resolved[leg.Owner]
		if !ok {
			var create solana.Instruction
			var err error
			account, create, err = b.provisioner.EnsureHoldingAccount(ctx, plan.Authority, plan.Token, leg.Owner)
			if err != nil {
				return nil, err
			}
			resolved[leg.Owner] = account
			if create != nil {
				creates = append(creates, create)
			}
		}
		mints = append(mints, MintTo(plan.Token, account, plan.Authority, leg.Raw))
	}
	return append(creates, mints...), nil
}
