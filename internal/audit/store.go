package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/ILLUVRSE/kernel/internal/signing"
)

// Store is the persistence abstraction the Kernel uses for audit and
// manifest-signature records.
type Store interface {
	// InsertManifestSignature persists a ManifestSignature record.
	InsertManifestSignature(ctx context.Context, ms *ManifestSignature) error

	// ListManifestSignatures returns all signatures for a manifest ordered by ts.
	ListManifestSignatures(ctx context.Context, manifestID string) ([]ManifestSignature, error)

	// AppendAuditEvent canonicalizes the payload, chains it onto the current
	// tail, requests a signature over the digest, and persists the event.
	AppendAuditEvent(ctx context.Context, ev *AuditEvent, s signing.Signer) error

	// GetAuditEvent retrieves an AuditEvent by id.
	GetAuditEvent(ctx context.Context, id string) (*AuditEvent, error)

	// Ping validates the store is reachable/healthy.
	Ping(ctx context.Context) error
}

// Policy decides whether an event is persisted. Returning false drops the
// event: AppendAuditEvent sets its ID to SampledID and writes nothing. The
// default policy keeps all events.
type Policy func(ev *AuditEvent) bool

// KeepAll is the default audit policy.
func KeepAll(*AuditEvent) bool { return true }

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// ChainDigest computes the chained digest for a canonical payload and the
// hex-encoded previous hash: SHA256(canonicalPayload || hexdecode(prevHash)).
func ChainDigest(canonicalPayload []byte, prevHashHex string) ([]byte, error) {
	concat := make([]byte, 0, len(canonicalPayload)+sha256.Size)
	concat = append(concat, canonicalPayload...)
	if prevHashHex != "" {
		prevBytes, err := hex.DecodeString(prevHashHex)
		if err != nil {
			return nil, err
		}
		concat = append(concat, prevBytes...)
	}
	return HashBytes(concat), nil
}
