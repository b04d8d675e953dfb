package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Signer produces ed25519 signatures for the mint authority.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, message []byte) (solana.Signature, error)
}

// Status is the ledger's view of a broadcast transaction.
type Status int

const (
	// StatusUnknown means the ledger has not reported a terminal answer.
	StatusUnknown Status = iota
	// StatusConfirmed means the transaction reached the configured commitment.
	StatusConfirmed
	// StatusFailed means the transaction landed with an error.
	StatusFailed
	// StatusExpired means the transaction never landed and its blockhash is no
	// longer valid, so it never will.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// SubmitterConfig tunes broadcast and confirmation.
type SubmitterConfig struct {
	Commitment     rpc.CommitmentType
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	SkipPreflight  bool
}

// Submitter signs, broadcasts and confirms transactions. It never re-broadcasts:
// a retry after an unknown outcome could double-issue.
type Submitter struct {
	rpc RPC
	cfg SubmitterConfig
}

// NewSubmitter constructs a Submitter.
func NewSubmitter(client RPC, cfg SubmitterConfig) *Submitter {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Submitter{rpc: client, cfg: cfg}
}

// Prepared is a signed transaction not yet broadcast. Its signature is final.
type Prepared struct {
	Tx                   *solana.Transaction
	Signature            solana.Signature
	LastValidBlockHeight uint64
}

// Prepare attaches a recent blockhash, sets signer as fee payer and signs.
func (s *Submitter) Prepare(ctx context.Context, signer Signer, instructions []solana.Instruction) (*Prepared, error) {
	if signer == nil {
		return nil, fmt.Errorf("ledger: signer required")
	}
	latest, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return nil, wrapRPC("ledger: latest blockhash", err)
	}
	if latest == nil || latest.Value == nil {
		return nil, fmt.Errorf("ledger: latest blockhash missing from response")
	}
	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("ledger: build transaction: %w", err)
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("ledger: encode message: %w", err)
	}
	signature, err := signer.Sign(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("ledger: sign: %w", err)
	}
	tx.Signatures = []solana.Signature{signature}
	return &Prepared{Tx: tx, Signature: signature, LastValidBlockHeight: latest.Value.LastValidBlockHeight}, nil
}

// Submit broadcasts p and blocks until the ledger confirms it, rejects it, or
// the confirm timeout elapses. Errors match ErrThrottled (not broadcast),
// ErrSubmissionFailed (will not land) or ErrSubmissionTimeout (may still land).
func (s *Submitter) Submit(ctx context.Context, p *Prepared) error {
	_, err := s.rpc.SendTransactionWithOpts(ctx, p.Tx, rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	})
	if err != nil {
		switch {
		case IsThrottled(err):
			return wrapRPC("ledger: send transaction", err)
		case isRejection(err):
			return fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
		default:
			return fmt.Errorf("%w: send transaction: %v", ErrSubmissionTimeout, err)
		}
	}
	return s.await(ctx, p)
}

func (s *Submitter) await(ctx context.Context, p *Prepared) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		status, err := s.Status(waitCtx, p.Signature, p.LastValidBlockHeight)
		switch {
		case err != nil:
			lastErr = err
		case status == StatusConfirmed:
			return nil
		case status == StatusFailed:
			return fmt.Errorf("%w: %s landed with an error", ErrSubmissionFailed, p.Signature)
		case status == StatusExpired:
			return fmt.Errorf("%w: %s expired before landing", ErrSubmissionFailed, p.Signature)
		}
		select {
		case <-waitCtx.Done():
			if lastErr != nil && !errors.Is(lastErr, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s: last error: %v", ErrSubmissionTimeout, p.Signature, lastErr)
			}
			return fmt.Errorf("%w: %s", ErrSubmissionTimeout, p.Signature)
		case <-ticker.C:
		}
	}
}

// Status asks the ledger about sig. lastValidBlockHeight is used to decide
// whether an unseen transaction can still land.
func (s *Submitter) Status(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) (Status, error) {
	res, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return StatusUnknown, wrapRPC("ledger: signature status", err)
	}
	if res != nil && len(res.Value) > 0 && res.Value[0] != nil {
		st := res.Value[0]
		if st.Err != nil {
			return StatusFailed, nil
		}
		if s.reached(st.ConfirmationStatus) {
			return StatusConfirmed, nil
		}
		return StatusUnknown, nil
	}
	height, err := s.rpc.GetBlockHeight(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return StatusUnknown, wrapRPC("ledger: block height", err)
	}
	if lastValidBlockHeight > 0 && height > lastValidBlockHeight {
		return StatusExpired, nil
	}
	return StatusUnknown, nil
}

func (s *Submitter) reached(status rpc.ConfirmationStatusType) bool {
	switch s.cfg.Commitment {
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentProcessed:
		return status != ""
	default:
		return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
	}
}
