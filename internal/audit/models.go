// Package audit implements the Kernel's authoritative hash-chained ledger:
// append-only, per-event-signed audit events plus the manifest-signature
// registry, with background streaming of persisted events to external
// archives.
package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Stream status values for the durable streaming pipeline.
const (
	StreamPending    = "pending"
	StreamInProgress = "in_progress"
	StreamComplete   = "complete"
	StreamRetry      = "retry"
	StreamFailed     = "failed"
)

// MaxStreamAttempts is the retry budget before an event is marked failed.
const MaxStreamAttempts = 5

// SampledID is the sentinel event id returned when the audit policy drops an
// event without persisting it.
const SampledID = "sampled"

// ManifestSignature binds a manifest id to a signer and signature.
type ManifestSignature struct {
	ID         string    `json:"id,omitempty"`
	ManifestID string    `json:"manifestId"`
	SignerID   string    `json:"signerId"`
	Signature  string    `json:"signature"` // base64-encoded signature
	Version    string    `json:"version,omitempty"`
	Ts         time.Time `json:"ts"`
}

// AuditEvent is the canonical audit record stored in the ledger.
type AuditEvent struct {
	ID        string      `json:"id,omitempty"`
	EventType string      `json:"eventType"`
	Payload   interface{} `json:"payload"`
	PrevHash  string      `json:"prevHash,omitempty"`
	Hash      string      `json:"hash,omitempty"`
	Signature string      `json:"signature,omitempty"`
	SignerID  string      `json:"signerId,omitempty"`
	Ts        time.Time   `json:"ts"`
	Metadata  interface{} `json:"metadata,omitempty"`

	// Streaming bookkeeping; mutated only by the streaming worker.
	StreamStatus        string     `json:"streamStatus,omitempty"`
	StreamAttempts      int        `json:"streamAttempts,omitempty"`
	LastStreamAttemptAt *time.Time `json:"lastStreamAttemptAt,omitempty"`
	LastStreamError     string     `json:"lastStreamError,omitempty"`
	ArchivedKey         string     `json:"archivedKey,omitempty"`
}

// Sampled reports whether the event was dropped by the audit policy.
func (e *AuditEvent) Sampled() bool { return e.ID == SampledID }

// Envelope returns the map form of the event used for canonical serialization
// when streaming to Kafka and archiving to S3. Verifiers rebuild exactly this
// structure, so field names here are part of the external contract.
func (e *AuditEvent) Envelope() map[string]interface{} {
	return map[string]interface{}{
		"id":        e.ID,
		"eventType": e.EventType,
		"payload":   e.Payload,
		"prevHash":  e.PrevHash,
		"hash":      e.Hash,
		"signature": e.Signature,
		"signerId":  e.SignerID,
		"ts":        e.Ts.Format(time.RFC3339Nano),
		"metadata":  e.Metadata,
	}
}

// ErrNotFound is returned when a requested audit resource cannot be located.
var ErrNotFound = errors.New("not found")

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}
