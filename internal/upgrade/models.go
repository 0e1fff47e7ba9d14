// Package upgrade enforces N-of-M signed approvals before an upgrade manifest
// can be applied.
package upgrade

import (
	"errors"
	"time"
)

// Upgrade request statuses. Transitions only move forward:
// pending -> approved -> applied, or pending/approved -> rejected.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusApplied  = "applied"
	StatusRejected = "rejected"
)

// Approval records one approver's signature over the canonical manifest.
type Approval struct {
	ApproverID string    `json:"approverId"`
	Signature  string    `json:"signature"` // base64
	Ts         time.Time `json:"ts"`
}

// Request is a pending-or-settled upgrade manifest with its approval state.
type Request struct {
	UpgradeID         string      `json:"upgradeId"`
	Manifest          interface{} `json:"manifest"`
	Status            string      `json:"status"`
	Approvals         []Approval  `json:"approvals"`
	RequiredApprovals int         `json:"requiredApprovals"`
	ApproverSet       []string    `json:"approverSet"`
	SubmittedBy       string      `json:"submittedBy"`
	SubmittedAt       time.Time   `json:"submittedAt"`
	AppliedAt         *time.Time  `json:"appliedAt,omitempty"`

	// ManifestSignatureID links to the Kernel-signed ManifestSignature
	// recorded when the upgrade is applied.
	ManifestSignatureID string `json:"manifestSignatureId,omitempty"`
}

// HasApprover reports whether the approver already approved this request.
func (r *Request) HasApprover(approverID string) bool {
	for _, a := range r.Approvals {
		if a.ApproverID == approverID {
			return true
		}
	}
	return false
}

// InApproverSet reports whether the approver is allowed to approve.
func (r *Request) InApproverSet(approverID string) bool {
	for _, id := range r.ApproverSet {
		if id == approverID {
			return true
		}
	}
	return false
}

// QuorumApprovals counts approvals from approvers still in the approver set.
func (r *Request) QuorumApprovals() int {
	n := 0
	for _, a := range r.Approvals {
		if r.InApproverSet(a.ApproverID) {
			n++
		}
	}
	return n
}

var (
	// ErrNotFound is returned when no upgrade exists for the id.
	ErrNotFound = errors.New("upgrade not found")

	// ErrInvalidManifest marks a submitted manifest that fails validation.
	ErrInvalidManifest = errors.New("invalid upgrade manifest")

	// ErrInsufficientQuorum is returned by apply when approvals are short.
	ErrInsufficientQuorum = errors.New("insufficient quorum")

	// ErrNotApprover is returned when the caller is outside the approver set.
	ErrNotApprover = errors.New("approver not in approver set")

	// ErrDuplicateApproval is returned when an approver approves twice.
	ErrDuplicateApproval = errors.New("approver already approved")

	// ErrBadSignature is returned when an approval signature does not verify.
	ErrBadSignature = errors.New("approval signature invalid")

	// ErrTerminalState is returned for transitions out of applied/rejected.
	ErrTerminalState = errors.New("upgrade already settled")
)
