package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const localSignerPrefix = "local-ed25519:"

// LocalEd25519 signs with an in-process Ed25519 key. Development and test use
// only; production deployments must run against the signing proxy.
type LocalEd25519 struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	signerID string
}

// NewLocalEd25519 builds a signer from a base64-encoded Ed25519 seed (32
// bytes) or full private key (64 bytes). The signerId is derived from the
// public key: "local-ed25519:" + first 4 bytes of SHA256(pub), hex-encoded.
func NewLocalEd25519(keyB64 string) (*LocalEd25519, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyB64))
	if err != nil {
		return nil, fmt.Errorf("unable to decode base64 key: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(data) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(data)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(data)
	default:
		return nil, fmt.Errorf("unexpected ed25519 private key length %d", len(data))
	}
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &LocalEd25519{
		priv:     priv,
		pub:      pub,
		signerID: fmt.Sprintf("%s%x", localSignerPrefix, sum[:4]),
	}, nil
}

// SignerID returns the derived signer identifier.
func (l *LocalEd25519) SignerID() string { return l.signerID }

// PublicKey returns the raw Ed25519 public key bytes.
func (l *LocalEd25519) PublicKey() []byte { return l.pub }

func (l *LocalEd25519) Sign(payload []byte) (string, string, error) {
	if l.priv == nil {
		return "", "", errors.New("local signer: private key not initialized")
	}
	sig := ed25519.Sign(l.priv, payload)
	return base64.StdEncoding.EncodeToString(sig), l.signerID, nil
}

func (l *LocalEd25519) Verify(payload []byte, sigB64 string, signerID string) error {
	if signerID != l.signerID {
		return fmt.Errorf("unknown signer %s", signerID)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("invalid base64 signature: %w", err)
	}
	if !ed25519.Verify(l.pub, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}
