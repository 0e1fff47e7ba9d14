package signing

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func kmsTestServer(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sign":
			var req struct {
				PayloadB64 string `json:"payload_b64"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			data, _ := base64.StdEncoding.DecodeString(req.PayloadB64)
			sig := ed25519.Sign(priv, data)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"signature_b64": base64.StdEncoding.EncodeToString(sig),
				"signer_id":     "kms-signer-1",
			})
		case "/verify":
			var req struct {
				PayloadB64   string `json:"payload_b64"`
				SignatureB64 string `json:"signature_b64"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			data, _ := base64.StdEncoding.DecodeString(req.PayloadB64)
			sig, _ := base64.StdEncoding.DecodeString(req.SignatureB64)
			_ = json.NewEncoder(w).Encode(map[string]bool{"verified": ed25519.Verify(pub, data, sig)})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestProxySignAndVerify(t *testing.T) {
	payload := []byte("hello-kms")
	pub, priv, _ := ed25519.GenerateKey(crand.Reader)

	ts := kmsTestServer(t, pub, priv)
	defer ts.Close()

	t.Setenv("SIGNING_PROXY_URL", ts.URL)
	t.Setenv("KMS_TIMEOUT_MS", "2000")
	sp, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv error: %v", err)
	}

	sigB64, signerID, err := sp.Sign(payload)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	if signerID != "kms-signer-1" {
		t.Fatalf("unexpected signer id %q", signerID)
	}
	sig, _ := base64.StdEncoding.DecodeString(sigB64)
	if !ed25519.Verify(pub, payload, sig) {
		t.Fatalf("signature did not verify with kms public key")
	}
	if err := sp.Verify(payload, sigB64, signerID); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
}

func TestProxyFallbackToLocalWhenKMSFails(t *testing.T) {
	payload := []byte("fallback-payload")
	pub, priv, _ := ed25519.GenerateKey(crand.Reader)
	privB64 := base64.StdEncoding.EncodeToString(priv)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	t.Setenv("SIGNING_PROXY_URL", ts.URL)
	t.Setenv("KERNEL_SIGNER_KEY_B64", privB64)

	sp, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv error: %v", err)
	}

	sigB64, signerID, err := sp.Sign(payload)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	if !strings.HasPrefix(signerID, "local-ed25519:") {
		t.Fatalf("expected local fallback signer id, got %q", signerID)
	}
	sig, _ := base64.StdEncoding.DecodeString(sigB64)
	if !ed25519.Verify(pub, payload, sig) {
		t.Fatalf("fallback signature did not verify")
	}
	if err := sp.Verify(payload, sigB64, signerID); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
}

func TestProxyFailClosedInProduction(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, priv, _ := ed25519.GenerateKey(crand.Reader)

	t.Setenv("SIGNING_PROXY_URL", ts.URL)
	t.Setenv("REQUIRE_SIGNING_PROXY", "1")
	t.Setenv("NODE_ENV", "production")
	// Even with a local key configured, fail-closed must refuse to fall back.
	t.Setenv("KERNEL_SIGNER_KEY_B64", base64.StdEncoding.EncodeToString(priv))

	sp, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv error: %v", err)
	}
	if _, _, err := sp.Sign([]byte("x")); err == nil {
		t.Fatalf("expected ErrSignerUnavailable, got nil")
	}
}

func TestProxyMalformedResponseFailsClosed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"signer_id": "kms-1"}) // no signature_b64
	}))
	defer ts.Close()

	t.Setenv("SIGNING_PROXY_URL", ts.URL)
	t.Setenv("REQUIRE_SIGNING_PROXY", "1")
	t.Setenv("NODE_ENV", "production")

	sp, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv error: %v", err)
	}
	if _, _, err := sp.Sign([]byte("x")); err == nil {
		t.Fatalf("expected error for malformed kms response")
	}
}

func TestRequireProxyWithoutEndpointFailsStartup(t *testing.T) {
	t.Setenv("REQUIRE_SIGNING_PROXY", "1")
	if _, err := NewFromEnv(); err == nil {
		t.Fatalf("expected startup error when proxy is required but unset")
	}
}

func TestHMACDevDeterministicAndVerifies(t *testing.T) {
	h := NewHMACDev("dev-secret")
	sig1, id1, err := h.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	sig2, id2, _ := h.Sign([]byte("payload"))
	if sig1 != sig2 || id1 != id2 {
		t.Fatalf("hmac signatures not deterministic")
	}
	if !strings.HasPrefix(id1, "hmac-dev:") {
		t.Fatalf("unexpected hmac signer id %q", id1)
	}
	if err := h.Verify([]byte("payload"), sig1, id1); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if err := h.Verify([]byte("other"), sig1, id1); err == nil {
		t.Fatalf("expected verification failure for altered payload")
	}
}

func TestHMACSecretRefusedInProduction(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("REPOWRITER_SIGNING_SECRET", "oops")
	if _, err := NewFromEnv(); err == nil {
		t.Fatalf("expected error: dev secret set in production")
	}
}
