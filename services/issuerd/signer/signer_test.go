package signer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"loyaltymint/services/issuerd/config"
)

func TestParseSecretFormats(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	fromBase58, err := ParseSecret(key.String())
	require.NoError(t, err)
	require.Equal(t, key.PublicKey(), fromBase58.PublicKey())

	values := make([]string, len(key))
	for i, b := range key {
		values[i] = fmt.Sprintf("%d", b)
	}
	fromArray, err := ParseSecret("[" + strings.Join(values, ",") + "]")
	require.NoError(t, err)
	require.Equal(t, key.PublicKey(), fromArray.PublicKey())

	_, err = ParseSecret("[1,2,3]")
	require.Error(t, err)
	_, err = ParseSecret("[1,2,300]")
	require.Error(t, err)
	_, err = ParseSecret("")
	require.Error(t, err)
	_, err = ParseSecret("0OIl")
	require.Error(t, err)
}

func TestLocalSignVerifies(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	local, err := NewLocal(key.String())
	require.NoError(t, err)
	sig, err := local.Sign(context.Background(), []byte("message"))
	require.NoError(t, err)
	require.True(t, sig.Verify(key.PublicKey(), []byte("message")))
}

func TestFromConfig(t *testing.T) {
	s, err := FromConfig(config.AuthorityConfig{})
	require.NoError(t, err)
	require.Nil(t, s)

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	s, err = FromConfig(config.AuthorityConfig{SecretKey: key.String()})
	require.NoError(t, err)
	require.Equal(t, key.PublicKey(), s.PublicKey())

	_, err = FromConfig(config.AuthorityConfig{SecretKey: "not-a-key"})
	require.Error(t, err)
}

func signingProxy(t *testing.T, key solana.PrivateKey, tamper bool) *httptest.Server {
	t.Helper()
	return httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sign" {
			http.NotFound(w, r)
			return
		}
		var req signRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KeyLabel != "mint-authority" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		msg, err := base64.StdEncoding.DecodeString(req.Message)
		if err != nil {
			http.Error(w, "bad message", http.StatusBadRequest)
			return
		}
		if tamper {
			msg = append(msg, 0)
		}
		sig, err := key.Sign(msg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(signResponse{Signature: sig.String()})
	}))
}

func TestRemoteSign(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	srv := signingProxy(t, key, false)
	defer srv.Close()

	remote, err := NewRemoteWithClient(config.RemoteSigner{
		BaseURL:   srv.URL + "/",
		KeyLabel:  "mint-authority",
		PublicKey: key.PublicKey().String(),
	}, srv.Client())
	require.NoError(t, err)
	require.Equal(t, key.PublicKey(), remote.PublicKey())

	sig, err := remote.Sign(context.Background(), []byte("tx message"))
	require.NoError(t, err)
	require.True(t, sig.Verify(key.PublicKey(), []byte("tx message")))
}

func TestRemoteSignRejectsForeignSignature(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	srv := signingProxy(t, key, true)
	defer srv.Close()

	remote, err := NewRemoteWithClient(config.RemoteSigner{
		BaseURL:   srv.URL,
		KeyLabel:  "mint-authority",
		PublicKey: key.PublicKey().String(),
	}, srv.Client())
	require.NoError(t, err)
	_, err = remote.Sign(context.Background(), []byte("tx message"))
	require.ErrorContains(t, err, "does not verify")
}

func TestRemoteSignPropagatesStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	remote, err := NewRemoteWithClient(config.RemoteSigner{
		BaseURL:   srv.URL,
		KeyLabel:  "mint-authority",
		PublicKey: key.PublicKey().String(),
	}, srv.Client())
	require.NoError(t, err)
	_, err = remote.Sign(context.Background(), []byte("m"))
	require.ErrorContains(t, err, "status=503")
}

func TestNewRemoteValidates(t *testing.T) {
	_, err := NewRemoteWithClient(config.RemoteSigner{KeyLabel: "k", PublicKey: "x"}, nil)
	require.Error(t, err)
	_, err = NewRemoteWithClient(config.RemoteSigner{BaseURL: "https://signer", PublicKey: "x"}, nil)
	require.Error(t, err)
	_, err = NewRemoteWithClient(config.RemoteSigner{BaseURL: "https://signer", KeyLabel: "k", PublicKey: "not base58!"}, nil)
	require.Error(t, err)
	_, err = NewRemote(config.RemoteSigner{BaseURL: "https://signer", KeyLabel: "k", ClientCert: "/missing.pem", ClientKey: "/missing.key"})
	require.Error(t, err)
}
