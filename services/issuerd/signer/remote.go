package signer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"

	"loyaltymint/services/issuerd/config"
	"loyaltymint/services/issuerd/ledger"
)

// Remote asks a signing proxy to sign with a key it holds. Every returned
// signature is verified against the configured public key.
type Remote struct {
	keyLabel   string
	publicKey  solana.PublicKey
	baseURL    string
	httpClient *http.Client
}

// NewRemote builds a Remote signer that authenticates with mutual TLS.
func NewRemote(cfg config.RemoteSigner) (*Remote, error) {
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Timeout:   cfg.Timeout.Duration,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
	return NewRemoteWithClient(cfg, client)
}

// NewRemoteWithClient builds a Remote signer on an existing HTTP client.
func NewRemoteWithClient(cfg config.RemoteSigner, client *http.Client) (*Remote, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("signer: remote base url required")
	}
	if strings.TrimSpace(cfg.KeyLabel) == "" {
		return nil, fmt.Errorf("signer: remote key label required")
	}
	pub, err := solana.PublicKeyFromBase58(strings.TrimSpace(cfg.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("signer: remote public key: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{
		keyLabel:   strings.TrimSpace(cfg.KeyLabel),
		publicKey:  pub,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient: client,
	}, nil
}

func buildTLSConfig(cfg config.RemoteSigner) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("signer: load client certificate: %w", err)
	}
	if strings.TrimSpace(cfg.CACert) == "" {
		return nil, fmt.Errorf("signer: ca certificate required")
	}
	pemBytes, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("signer: read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("signer: failed to append ca certificate %s", cfg.CACert)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}

type signRequest struct {
	KeyLabel string `json:"key"`
	Message  string `json:"message"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

func (r *Remote) PublicKey() solana.PublicKey { return r.publicKey }

// Sign sends message to the proxy and returns the verified signature.
func (r *Remote) Sign(ctx context.Context, message []byte) (solana.Signature, error) {
	if len(message) == 0 {
		return solana.Signature{}, fmt.Errorf("signer: message required")
	}
	buf, err := json.Marshal(signRequest{KeyLabel: r.keyLabel, Message: base64.StdEncoding.EncodeToString(message)})
	if err != nil {
		return solana.Signature{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/sign", bytes.NewReader(buf))
	if err != nil {
		return solana.Signature{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("signer: remote sign: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return solana.Signature{}, fmt.Errorf("signer: remote sign failed: status=%d", resp.StatusCode)
	}
	var decoded signResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return solana.Signature{}, fmt.Errorf("signer: decode response: %w", err)
	}
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(decoded.Signature))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("signer: invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(r.publicKey[:]), message, sig[:]) {
		return solana.Signature{}, fmt.Errorf("signer: remote signature does not verify against %s", r.publicKey)
	}
	return sig, nil
}

var _ ledger.Signer = (*Remote)(nil)
