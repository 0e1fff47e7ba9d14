package audit

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ILLUVRSE/kernel/internal/canonical"
	"github.com/ILLUVRSE/kernel/internal/keys"
)

// VerifyChain walks audit_events in chronological order and verifies, per row:
//   - linearity: prev_hash equals the previous row's hash, and is empty on
//     the first row
//   - hash correctness: hash == SHA256(canonical(payload) || prevHashBytes)
//   - signature correctness against the signer's registered public key
//
// Ed25519 and RSA keys are supported; RSA signatures are accepted under
// either PSS or PKCS1v15 padding. signer.rotation events update the key
// timeline mid-walk, so rows after a rotation verify against the key the
// event introduced. Returns the first problem encountered.
func VerifyChain(ctx context.Context, db *sql.DB, reg *keys.Registry) error {
	return VerifyChainLimit(ctx, db, reg, 0)
}

// VerifyChainLimit verifies at most limit rows (0 means all).
func VerifyChainLimit(ctx context.Context, db *sql.DB, reg *keys.Registry, limit int) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if reg == nil {
		return errors.New("key registry is nil")
	}

	q := `SELECT id, event_type, payload, prev_hash, hash, signature, signer_id FROM audit_events ORDER BY ts ASC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("query audit_events: %w", err)
	}
	defer rows.Close()

	var (
		idStr, eventType   string
		payloadB           []byte
		prevHash           sql.NullString
		hashHex            string
		signB64, signerID  string
		expectedPrev       string
		haveExpectedPrev   bool
	)

	index := 0
	for rows.Next() {
		index++
		if err := rows.Scan(&idStr, &eventType, &payloadB, &prevHash, &hashHex, &signB64, &signerID); err != nil {
			return fmt.Errorf("scan row %d: %w", index, err)
		}

		if haveExpectedPrev && prevHash.String != expectedPrev {
			return fmt.Errorf("chain break at event %s (type=%s): prev_hash=%q want %q", idStr, eventType, prevHash.String, expectedPrev)
		}
		// Genesis invariant: the first row must carry an empty prev_hash. A
		// front-truncated ledger would otherwise verify, since the surviving
		// rows are internally consistent.
		if !haveExpectedPrev && prevHash.String != "" {
			return fmt.Errorf("chain does not start at genesis: event %s (type=%s) has prev_hash=%q", idStr, eventType, prevHash.String)
		}

		var payload interface{}
		dec := json.NewDecoder(bytes.NewReader(payloadB))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return fmt.Errorf("unmarshal payload for event %s: %w", idStr, err)
		}

		canon, err := canonical.MarshalCanonical(payload)
		if err != nil {
			return fmt.Errorf("canonicalize payload for event %s: %w", idStr, err)
		}

		digest, err := ChainDigest(canon, prevHash.String)
		if err != nil {
			return fmt.Errorf("decode prevHash for event %s: %w", idStr, err)
		}
		computedHex := hex.EncodeToString(digest)
		if computedHex != hashHex {
			return fmt.Errorf("hash mismatch for event %s (type=%s): computed=%s stored=%s", idStr, eventType, computedHex, hashHex)
		}

		ki, ok := reg.GetSigner(signerID)
		if !ok {
			return fmt.Errorf("unknown signer %s for event %s", signerID, idStr)
		}
		pub, err := ki.ParsedKey()
		if err != nil {
			return fmt.Errorf("invalid public key for signer %s: %w", signerID, err)
		}
		sigBytes, err := base64.StdEncoding.DecodeString(signB64)
		if err != nil {
			return fmt.Errorf("invalid signature encoding for event %s: %w", idStr, err)
		}
		if err := verifySignature(pub, digest, sigBytes); err != nil {
			return fmt.Errorf("signature verification failed for event %s with signer %s: %w", idStr, signerID, err)
		}

		// A rotation event rebinds its signer id for every later row. The
		// event itself must verify under a key already trusted at this point
		// in the walk, so a forged rotation cannot self-introduce a key.
		if eventType == "signer.rotation" {
			if err := applyRotation(reg, payload); err != nil {
				return fmt.Errorf("rotation event %s: %w", idStr, err)
			}
		}

		expectedPrev = hashHex
		haveExpectedPrev = true
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration error: %w", err)
	}
	return nil
}

// applyRotation updates the key timeline from a signer.rotation payload
// carrying signerId, publicKey (PEM or base64), and optionally algorithm.
func applyRotation(reg *keys.Registry, payload interface{}) error {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return errors.New("payload is not an object")
	}
	signerID, _ := m["signerId"].(string)
	material, _ := m["publicKey"].(string)
	if signerID == "" || material == "" {
		return errors.New("payload missing signerId or publicKey")
	}
	algorithm, _ := m["algorithm"].(string)
	return reg.AddSignerMaterial(signerID, material, algorithm)
}

// verifySignature checks a signature against the chain digest. Ed25519 signs
// the digest bytes directly. RSA-SHA256 signs the concatenated canonical
// payload and prev-hash bytes, whose SHA-256 is exactly the chain digest, so
// the digest is used as the hashed message; PSS is preferred, PKCS1v15
// tolerated.
func verifySignature(pub interface{}, digest, sig []byte) error {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest, sig) {
			return errors.New("ed25519 verify failed")
		}
		return nil
	case *rsa.PublicKey:
		if err := rsa.VerifyPSS(k, crypto.SHA256, digest, sig, nil); err == nil {
			return nil
		}
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, digest, sig); err != nil {
			return fmt.Errorf("rsa verify (pss and pkcs1v15) failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
}
