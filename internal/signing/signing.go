// Package signing provides the Kernel's signer capability: produce a
// (signature, signerId) pair over arbitrary bytes and verify the inverse.
// Three variants exist — the KMS/HSM HTTP proxy, a local Ed25519 key for dev,
// and a deterministic HMAC dev fallback — selected by configuration at startup.
package signing

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrSignerUnavailable indicates the configured signing backend could not
// produce a signature and fail-closed policy forbids any fallback.
var ErrSignerUnavailable = errors.New("signer unavailable")

// Signer is the minimal signing capability used across the Kernel.
type Signer interface {
	// Sign signs payload and returns (base64 signature, signerId).
	Sign(payload []byte) (sigB64 string, signerID string, err error)

	// Verify checks that sigB64 is a valid signature over payload by signerID.
	Verify(payload []byte, sigB64 string, signerID string) error
}

// PublicKeyer is implemented by signers that can expose their verification key.
type PublicKeyer interface {
	PublicKey() []byte
}

const defaultKMSTimeout = 3 * time.Second

// NewFromEnv builds the process signer from environment configuration.
//
//   - SIGNING_PROXY_URL (or legacy KERNEL_KMS_ENDPOINT): KMS proxy base URL
//   - SIGNING_PROXY_API_KEY: bearer token for the proxy
//   - KERNEL_KMS_KEY_ID: optional logical key id passed through to the proxy
//   - KERNEL_CLIENT_CERT / KERNEL_CLIENT_KEY / KERNEL_CA_CERT: mTLS material
//   - KMS_TIMEOUT_MS: request timeout (default 3000ms)
//   - KERNEL_SIGNER_KEY_B64: base64 Ed25519 key, local fallback
//   - REPOWRITER_SIGNING_SECRET: HMAC dev secret, last-resort fallback
//   - REQUIRE_SIGNING_PROXY: fail-closed guard; with NODE_ENV=production any
//     proxy failure aborts the caller and no fallback is constructed
func NewFromEnv() (Signer, error) {
	endpoint := strings.TrimRight(os.Getenv("SIGNING_PROXY_URL"), "/")
	if endpoint == "" {
		endpoint = strings.TrimRight(os.Getenv("KERNEL_KMS_ENDPOINT"), "/")
	}
	requireProxy := parseBool(os.Getenv("REQUIRE_SIGNING_PROXY"))
	production := os.Getenv("NODE_ENV") == "production"

	if requireProxy && endpoint == "" {
		return nil, fmt.Errorf("%w: REQUIRE_SIGNING_PROXY set but no proxy endpoint configured", ErrSignerUnavailable)
	}
	if production && os.Getenv("REPOWRITER_SIGNING_SECRET") != "" {
		return nil, errors.New("REPOWRITER_SIGNING_SECRET must not be set in production")
	}

	timeout := defaultKMSTimeout
	if v := os.Getenv("KMS_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		} else {
			log.Printf("[signing] invalid KMS_TIMEOUT_MS=%q; using default %s", v, defaultKMSTimeout)
		}
	}

	var fallback Signer
	if keyB64 := os.Getenv("KERNEL_SIGNER_KEY_B64"); keyB64 != "" {
		local, err := NewLocalEd25519(keyB64)
		if err != nil {
			return nil, fmt.Errorf("local ed25519 key: %w", err)
		}
		fallback = local
	} else if secret := os.Getenv("REPOWRITER_SIGNING_SECRET"); secret != "" && endpoint == "" && !requireProxy {
		fallback = NewHMACDev(secret)
	}

	if endpoint == "" {
		if fallback == nil {
			return nil, errors.New("no signer configured: set SIGNING_PROXY_URL, KERNEL_SIGNER_KEY_B64, or REPOWRITER_SIGNING_SECRET")
		}
		return fallback, nil
	}

	proxy, err := NewProxy(ProxyConfig{
		Endpoint:    endpoint,
		BearerToken: os.Getenv("SIGNING_PROXY_API_KEY"),
		KeyID:       os.Getenv("KERNEL_KMS_KEY_ID"),
		ClientCert:  os.Getenv("KERNEL_CLIENT_CERT"),
		ClientKey:   os.Getenv("KERNEL_CLIENT_KEY"),
		CACert:      os.Getenv("KERNEL_CA_CERT"),
		Timeout:     timeout,
		FailClosed:  production && requireProxy,
		Fallback:    fallback,
	})
	if err != nil {
		return nil, err
	}
	return proxy, nil
}

func parseBool(v string) bool {
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
