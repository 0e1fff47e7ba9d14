package upgrade

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/ILLUVRSE/kernel/internal/audit"
	"github.com/ILLUVRSE/kernel/internal/canonical"
	"github.com/ILLUVRSE/kernel/internal/keys"
	"github.com/ILLUVRSE/kernel/internal/signing"
)

// QuorumError carries the approval counts behind an insufficient_quorum
// rejection so handlers can surface them.
type QuorumError struct {
	Approvals int
	Required  int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("insufficient quorum: %d of %d approvals", e.Approvals, e.Required)
}

func (e *QuorumError) Unwrap() error { return ErrInsufficientQuorum }

// Store is the persistence surface the engine needs. Mutate must load the
// request under a lock, apply fn, and persist the result atomically.
type Store interface {
	Insert(ctx context.Context, req *Request) error
	Get(ctx context.Context, upgradeID string) (*Request, error)
	Mutate(ctx context.Context, upgradeID string, fn func(*Request) error) (*Request, error)
}

// Engine drives the upgrade state machine: submit, approve, apply, reject.
// Every transition emits an audit event and does not report success without
// it; apply additionally registers a ManifestSignature under the Kernel's
// own signer.
type Engine struct {
	store    Store
	auditor  audit.Store
	signer   signing.Signer
	registry *keys.Registry

	approverSet []string
	required    int
}

// NewEngine wires the quorum engine. approverSet and required come from
// configuration; registry resolves approver public keys.
func NewEngine(store Store, auditor audit.Store, signer signing.Signer, registry *keys.Registry, approverSet []string, required int) (*Engine, error) {
	if required <= 0 {
		return nil, fmt.Errorf("upgrade: requiredApprovals must be positive, got %d", required)
	}
	if required > len(approverSet) {
		return nil, fmt.Errorf("upgrade: requiredApprovals %d exceeds approver set size %d", required, len(approverSet))
	}
	return &Engine{
		store:       store,
		auditor:     auditor,
		signer:      signer,
		registry:    registry,
		approverSet: approverSet,
		required:    required,
	}, nil
}

// Submit registers a new upgrade request in pending state. A "version" field
// on the manifest, when present, must parse as semantic versioning.
func (e *Engine) Submit(ctx context.Context, manifest interface{}, submittedBy string) (*Request, error) {
	if manifest == nil {
		return nil, fmt.Errorf("upgrade: manifest required: %w", ErrInvalidManifest)
	}
	if m, ok := manifest.(map[string]interface{}); ok {
		if v, ok := m["version"].(string); ok && v != "" {
			if _, err := semver.NewVersion(v); err != nil {
				return nil, fmt.Errorf("upgrade: manifest version %q: %w", v, ErrInvalidManifest)
			}
		}
	}

	req := &Request{
		UpgradeID:         audit.NewUUID(),
		Manifest:          manifest,
		Status:            StatusPending,
		Approvals:         []Approval{},
		RequiredApprovals: e.required,
		ApproverSet:       append([]string{}, e.approverSet...),
		SubmittedBy:       submittedBy,
		SubmittedAt:       time.Now().UTC(),
	}
	if err := e.store.Insert(ctx, req); err != nil {
		return nil, err
	}

	if err := e.emit(ctx, "upgrade.submitted", map[string]interface{}{
		"upgradeId":         req.UpgradeID,
		"submittedBy":       submittedBy,
		"requiredApprovals": e.required,
	}); err != nil {
		return nil, err
	}
	return req, nil
}

// Approve records one approver's signature over the canonical manifest.
func (e *Engine) Approve(ctx context.Context, upgradeID, approverID, sigB64 string) (*Request, error) {
	req, err := e.store.Mutate(ctx, upgradeID, func(r *Request) error {
		if r.Status == StatusApplied || r.Status == StatusRejected {
			return ErrTerminalState
		}
		if !r.InApproverSet(approverID) {
			return ErrNotApprover
		}
		if r.HasApprover(approverID) {
			return ErrDuplicateApproval
		}
		if err := e.verifyApproval(r.Manifest, approverID, sigB64); err != nil {
			return err
		}
		r.Approvals = append(r.Approvals, Approval{
			ApproverID: approverID,
			Signature:  sigB64,
			Ts:         time.Now().UTC(),
		})
		if r.QuorumApprovals() >= r.RequiredApprovals {
			r.Status = StatusApproved
		}
		// Emitting inside the mutation ties the transition to its ledger
		// entry: an append failure rolls the approval back.
		return e.emit(ctx, "upgrade.approval", map[string]interface{}{
			"upgradeId":  upgradeID,
			"approverId": approverID,
			"approvals":  len(r.Approvals),
			"required":   r.RequiredApprovals,
		})
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Apply settles an upgrade once quorum is met: the Kernel signs the canonical
// manifest, a ManifestSignature row is registered, and the request moves to
// applied. Once quorum is proven and the audit event committed, the apply is
// not cancellable.
func (e *Engine) Apply(ctx context.Context, upgradeID string) (*Request, error) {
	req, err := e.store.Mutate(ctx, upgradeID, func(r *Request) error {
		if r.Status == StatusApplied || r.Status == StatusRejected {
			return ErrTerminalState
		}
		if got := r.QuorumApprovals(); got < r.RequiredApprovals {
			return &QuorumError{Approvals: got, Required: r.RequiredApprovals}
		}

		canon, err := canonical.MarshalCanonical(r.Manifest)
		if err != nil {
			return fmt.Errorf("canonicalize manifest: %w", err)
		}
		sigB64, signerID, err := e.signer.Sign(canon)
		if err != nil {
			return fmt.Errorf("sign manifest: %w", err)
		}

		ms := &audit.ManifestSignature{
			ManifestID: r.UpgradeID,
			SignerID:   signerID,
			Signature:  sigB64,
			Ts:         time.Now().UTC(),
		}
		if err := e.auditor.InsertManifestSignature(ctx, ms); err != nil {
			return fmt.Errorf("register manifest signature: %w", err)
		}

		now := time.Now().UTC()
		r.Status = StatusApplied
		r.AppliedAt = &now
		r.ManifestSignatureID = ms.ID

		quorum := make([]string, 0, len(r.Approvals))
		for _, a := range r.Approvals {
			quorum = append(quorum, a.ApproverID)
		}
		return e.emit(ctx, "upgrade.applied", map[string]interface{}{
			"upgradeId":           upgradeID,
			"quorum":              quorum,
			"manifestSignatureId": r.ManifestSignatureID,
		})
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Reject settles a not-yet-applied upgrade.
func (e *Engine) Reject(ctx context.Context, upgradeID, rejectedBy, reason string) (*Request, error) {
	req, err := e.store.Mutate(ctx, upgradeID, func(r *Request) error {
		if r.Status == StatusApplied || r.Status == StatusRejected {
			return ErrTerminalState
		}
		r.Status = StatusRejected
		return e.emit(ctx, "upgrade.rejected", map[string]interface{}{
			"upgradeId":  upgradeID,
			"rejectedBy": rejectedBy,
			"reason":     reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Get returns an upgrade request by id.
func (e *Engine) Get(ctx context.Context, upgradeID string) (*Request, error) {
	return e.store.Get(ctx, upgradeID)
}

// verifyApproval checks an approver's signature over the canonical manifest
// against their registered key.
func (e *Engine) verifyApproval(manifest interface{}, approverID, sigB64 string) error {
	ki, ok := e.registry.GetSigner(approverID)
	if !ok {
		return fmt.Errorf("%w: no registered key for %s", ErrBadSignature, approverID)
	}
	pub, err := ki.ParsedKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: signature not base64", ErrBadSignature)
	}
	canon, err := canonical.MarshalCanonical(manifest)
	if err != nil {
		return fmt.Errorf("canonicalize manifest: %w", err)
	}

	switch k := pub.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(k, canon, sig) {
			return ErrBadSignature
		}
	case *rsa.PublicKey:
		hashed := sha256.Sum256(canon)
		if err := rsa.VerifyPSS(k, crypto.SHA256, hashed[:], sig, nil); err != nil {
			if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, hashed[:], sig); err != nil {
				return ErrBadSignature
			}
		}
	default:
		return fmt.Errorf("%w: unsupported key type %T", ErrBadSignature, pub)
	}
	return nil
}

// emit appends the audit event for an upgrade transition. A transition does
// not report success until its event is in the ledger; on failure the caller
// sees an error and retries against the already-committed state.
func (e *Engine) emit(ctx context.Context, eventType string, payload map[string]interface{}) error {
	ev := &audit.AuditEvent{EventType: eventType, Payload: payload}
	if err := e.auditor.AppendAuditEvent(ctx, ev, e.signer); err != nil {
		return fmt.Errorf("upgrade: audit %s: %w", eventType, err)
	}
	return nil
}
