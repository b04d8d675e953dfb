// Package signer loads the mint authority used to sign issuance transactions.
package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"loyaltymint/services/issuerd/config"
	"loyaltymint/services/issuerd/ledger"
)

// Local signs with an in-process ed25519 key.
type Local struct {
	key solana.PrivateKey
}

// ParseSecret decodes a 64-byte secret encoded either as base58 or as a JSON
// array of byte values.
func ParseSecret(raw string) (solana.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("signer: secret required")
	}
	var key solana.PrivateKey
	if strings.HasPrefix(raw, "[") {
		var values []int
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil, fmt.Errorf("signer: decode byte array secret: %w", err)
		}
		key = make(solana.PrivateKey, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("signer: byte %d out of range", i)
			}
			key[i] = byte(v)
		}
	} else {
		decoded, err := solana.PrivateKeyFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("signer: decode base58 secret: %w", err)
		}
		key = decoded
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("signer: secret must be 64 bytes, got %d", len(key))
	}
	return key, nil
}

// NewLocal constructs a Local signer from an encoded secret.
func NewLocal(secret string) (*Local, error) {
	key, err := ParseSecret(secret)
	if err != nil {
		return nil, err
	}
	return &Local{key: key}, nil
}

func (l *Local) PublicKey() solana.PublicKey { return l.key.PublicKey() }

func (l *Local) Sign(_ context.Context, message []byte) (solana.Signature, error) {
	return l.key.Sign(message)
}

// FromConfig returns the configured authority. It returns (nil, nil) when no
// authority is configured so the service can start and fail mint requests
// individually.
func FromConfig(cfg config.AuthorityConfig) (ledger.Signer, error) {
	if cfg.Remote.Enabled() {
		remote, err := NewRemote(cfg.Remote)
		if err != nil {
			return nil, err
		}
		return remote, nil
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, nil
	}
	local, err := NewLocal(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	return local, nil
}

var _ ledger.Signer = (*Local)(nil)
