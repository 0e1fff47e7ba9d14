package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

const hmacSignerPrefix = "hmac-dev:"

// HMACDev is the deterministic dev fallback: HMAC-SHA256 keyed by a shared
// dev secret, hex-encoded. It is only constructed when no signing proxy is
// configured and the REQUIRE_SIGNING_PROXY guard is unset.
type HMACDev struct {
	secret   []byte
	signerID string
}

// NewHMACDev builds the dev signer. The signerId embeds a fingerprint of the
// secret so mismatched secrets are detectable in verification.
func NewHMACDev(secret string) *HMACDev {
	sum := sha256.Sum256([]byte(secret))
	return &HMACDev{
		secret:   []byte(secret),
		signerID: fmt.Sprintf("%s%x", hmacSignerPrefix, sum[:4]),
	}
}

// SignerID returns the derived signer identifier.
func (h *HMACDev) SignerID() string { return h.signerID }

func (h *HMACDev) Sign(payload []byte) (string, string, error) {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), h.signerID, nil
}

func (h *HMACDev) Verify(payload []byte, sig string, signerID string) error {
	if signerID != h.signerID {
		return fmt.Errorf("unknown signer %s", signerID)
	}
	want, _, err := h.Sign(payload)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return errors.New("hmac verification failed")
	}
	return nil
}
