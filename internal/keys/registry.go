// Package keys maintains the registry of signer public keys used to verify
// audit chain signatures, both in-process and offline.
package keys

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// KeyInfo is the public metadata exposed for a signer.
type KeyInfo struct {
	SignerID  string    `json:"signerId"`
	Algorithm string    `json:"algorithm"` // "Ed25519" or "RSA"
	PublicKey string    `json:"publicKey"` // base64-encoded raw or DER bytes
	CreatedAt time.Time `json:"createdAt"`
}

// Registry is an in-memory registry of signer public keys, safe for
// concurrent access.
type Registry struct {
	mtx  sync.RWMutex
	keys map[string]KeyInfo
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]KeyInfo)}
}

// AddSigner registers a signer, overwriting any existing entry for the id.
func (r *Registry) AddSigner(signerID string, pubKey []byte, algorithm string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.keys[signerID] = KeyInfo{
		SignerID:  signerID,
		Algorithm: algorithm,
		PublicKey: base64.StdEncoding.EncodeToString(pubKey),
		CreatedAt: time.Now().UTC(),
	}
}

// AddSignerMaterial registers a signer from textual key material (PEM or
// base64), the form carried by registry files and rotation audit events. The
// material is validated before the entry is stored.
func (r *Registry) AddSignerMaterial(signerID, material, algorithm string) error {
	pub, err := ParsePublicKey(material)
	if err != nil {
		return fmt.Errorf("signer %s: %w", signerID, err)
	}
	if algorithm == "" {
		switch pub.(type) {
		case ed25519.PublicKey:
			algorithm = "Ed25519"
		case *rsa.PublicKey:
			algorithm = "RSA"
		}
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.keys[signerID] = KeyInfo{
		SignerID:  signerID,
		Algorithm: algorithm,
		PublicKey: material,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// GetSigner returns a copy of KeyInfo for the signer id, or false if missing.
func (r *Registry) GetSigner(signerID string) (*KeyInfo, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	ki, ok := r.keys[signerID]
	if !ok {
		return nil, false
	}
	c := ki
	return &c, true
}

// ListSigners returns all signer infos.
func (r *Registry) ListSigners() []KeyInfo {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]KeyInfo, 0, len(r.keys))
	for _, v := range r.keys {
		out = append(out, v)
	}
	return out
}

// StatusHandler exposes registry contents as JSON: { "signers": [...] }.
func (r *Registry) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		resp := map[string]interface{}{"signers": r.ListSigners()}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// PublicKey resolves the parsed public key for the entry. Supported encodings:
// PEM "PUBLIC KEY" blocks, base64-encoded PKIX DER, and base64 of a raw
// 32-byte Ed25519 key.
func (k *KeyInfo) ParsedKey() (interface{}, error) {
	return ParsePublicKey(k.PublicKey)
}

// ParsePublicKey parses key material in any supported encoding into an
// ed25519.PublicKey or *rsa.PublicKey.
func ParsePublicKey(material string) (interface{}, error) {
	if block, _ := pem.Decode([]byte(material)); block != nil {
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PEM public key: %w", err)
		}
		return checkKeyType(pub)
	}

	raw, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return nil, fmt.Errorf("public key is neither PEM nor base64: %w", err)
	}
	if pub, err := x509.ParsePKIXPublicKey(raw); err == nil {
		return checkKeyType(pub)
	}
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	return nil, fmt.Errorf("unsupported public key encoding (%d bytes)", len(raw))
}

func checkKeyType(pub interface{}) (interface{}, error) {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return k, nil
	case *rsa.PublicKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
}

// registryFile is the on-disk registry format. The object form maps signer id
// to key material (a bare string, or an object with algorithm info); the array
// form lists entries carrying their own signerId.
type registryEntry struct {
	SignerID  string `json:"signerId,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
	PublicKey string `json:"publicKey"`
}

// LoadRegistryFile reads a JSON signer registry, in object or array form, and
// returns a populated Registry.
func LoadRegistryFile(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	rawEntries := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &rawEntries); err != nil {
		var list []registryEntry
		if aerr := json.Unmarshal(b, &list); aerr != nil {
			return nil, fmt.Errorf("parse registry file: %w", err)
		}
		for _, e := range list {
			if e.SignerID == "" {
				return nil, fmt.Errorf("registry array entry missing signerId")
			}
			raw, _ := json.Marshal(e)
			rawEntries[e.SignerID] = raw
		}
	}

	reg := NewRegistry()
	for signerID, raw := range rawEntries {
		var entry registryEntry
		var material string
		if err := json.Unmarshal(raw, &material); err == nil {
			entry.PublicKey = material
		} else if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("registry entry %s: %w", signerID, err)
		}

		if err := reg.AddSignerMaterial(signerID, entry.PublicKey, entry.Algorithm); err != nil {
			return nil, fmt.Errorf("registry file: %w", err)
		}
	}
	return reg, nil
}
