package gateway

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	auth := NewAuthenticator(map[string]string{"key-1": "secret-1"}, time.Minute, func() time.Time { return now })

	body := []byte(`{"ref":"tx-1"}`)
	req := httptest.NewRequest("POST", "/escrow/esc_1/fund", bytes.NewReader(body))
	ts := fmt.Sprintf("%d", now.Unix())
	sig := ComputeSignature("secret-1", ts, "nonce-1", "POST", "/escrow/esc_1/fund", body)
	req.Header.Set(HeaderAPIKey, "key-1")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	principal, err := auth.Authenticate(req, body)
	require.NoError(t, err)
	require.Equal(t, "key-1", principal.APIKey)
}

func TestAuthenticateRejects(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	auth := NewAuthenticator(map[string]string{"key-1": "secret-1"}, time.Minute, func() time.Time { return now })

	newReq := func(apiKey, secret, ts, nonce string, body []byte) (*Principal, error) {
		req := httptest.NewRequest("POST", "/escrow", bytes.NewReader(body))
		sig := ComputeSignature(secret, ts, nonce, "POST", "/escrow", body)
		req.Header.Set(HeaderAPIKey, apiKey)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, nonce)
		req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
		return auth.Authenticate(req, body)
	}

	ts := fmt.Sprintf("%d", now.Unix())
	body := []byte(`{}`)

	_, err := newReq("key-unknown", "secret-1", ts, "n1", body)
	require.Error(t, err)

	_, err = newReq("key-1", "wrong-secret", ts, "n2", body)
	require.ErrorContains(t, err, "invalid signature")

	stale := fmt.Sprintf("%d", now.Add(-5*time.Minute).Unix())
	_, err = newReq("key-1", "secret-1", stale, "n3", body)
	require.ErrorContains(t, err, "skew")

	// Signing over one body and sending another must fail.
	req := httptest.NewRequest("POST", "/escrow", bytes.NewReader([]byte(`{"a":1}`)))
	sig := ComputeSignature("secret-1", ts, "n4", "POST", "/escrow", []byte(`{"a":2}`))
	req.Header.Set(HeaderAPIKey, "key-1")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "n4")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	_, err = auth.Authenticate(req, []byte(`{"a":1}`))
	require.ErrorContains(t, err, "invalid signature")
}

func TestAuthenticateRejectsNonceReplay(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	auth := NewAuthenticator(map[string]string{"key-1": "secret-1"}, time.Minute, func() time.Time { return now })

	body := []byte(`{}`)
	ts := fmt.Sprintf("%d", now.Unix())
	send := func(nonce string) error {
		req := httptest.NewRequest("POST", "/escrow", bytes.NewReader(body))
		sig := ComputeSignature("secret-1", ts, nonce, "POST", "/escrow", body)
		req.Header.Set(HeaderAPIKey, "key-1")
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, nonce)
		req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
		_, err := auth.Authenticate(req, body)
		return err
	}

	require.NoError(t, send("nonce-a"))
	require.ErrorContains(t, send("nonce-a"), "nonce already used")
	require.NoError(t, send("nonce-b"))
}

func TestCanonicalRequestPathSortsQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/escrow?status=funded&kind=purchase", nil)
	require.Equal(t, "/escrow?kind=purchase&status=funded", CanonicalRequestPath(req))

	bare := httptest.NewRequest("GET", "/escrow", nil)
	require.Equal(t, "/escrow", CanonicalRequestPath(bare))
}
