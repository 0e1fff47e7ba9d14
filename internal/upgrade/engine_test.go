package upgrade

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/ILLUVRSE/kernel/internal/audit"
	"github.com/ILLUVRSE/kernel/internal/canonical"
	"github.com/ILLUVRSE/kernel/internal/keys"
	"github.com/ILLUVRSE/kernel/internal/signing"
)

// memStore is an in-memory Store used to exercise engine semantics.
type memStore struct {
	mu   sync.Mutex
	reqs map[string]*Request
}

func newMemStore() *memStore { return &memStore{reqs: make(map[string]*Request)} }

func (m *memStore) Insert(ctx context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.reqs[req.UpgradeID] = &cp
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.reqs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *memStore) Mutate(ctx context.Context, id string, fn func(*Request) error) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.reqs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	cp.Approvals = append([]Approval{}, req.Approvals...)
	if err := fn(&cp); err != nil {
		return nil, err
	}
	m.reqs[id] = &cp
	out := cp
	return &out, nil
}

type approver struct {
	id   string
	priv ed25519.PrivateKey
}

func (a approver) signManifest(t *testing.T, manifest interface{}) string {
	t.Helper()
	canon, err := canonical.MarshalCanonical(manifest)
	if err != nil {
		t.Fatalf("canonicalize manifest: %v", err)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(a.priv, canon))
}

func newTestEngine(t *testing.T, approverIDs []string, required int) (*Engine, []approver, *audit.FileStore) {
	t.Helper()

	reg := keys.NewRegistry()
	approvers := make([]approver, 0, len(approverIDs))
	for _, id := range approverIDs {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("generate approver key: %v", err)
		}
		reg.AddSigner(id, pub, "Ed25519")
		approvers = append(approvers, approver{id: id, priv: priv})
	}

	_, kernelPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate kernel key: %v", err)
	}
	signer, err := signing.NewLocalEd25519(base64.StdEncoding.EncodeToString(kernelPriv.Seed()))
	if err != nil {
		t.Fatalf("NewLocalEd25519: %v", err)
	}

	auditor := audit.NewFileStore(t.TempDir())
	eng, err := NewEngine(newMemStore(), auditor, signer, reg, approverIDs, required)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, approvers, auditor
}

func TestQuorumThreeOfFive(t *testing.T) {
	ids := []string{"A", "B", "C", "D", "E"}
	eng, approvers, _ := newTestEngine(t, ids, 3)
	ctx := context.Background()

	manifest := map[string]interface{}{"name": "policy-rollout", "version": "1.2.0"}
	req, err := eng.Submit(ctx, manifest, "ops@example.com")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("submitted status = %q, want pending", req.Status)
	}

	for _, a := range approvers[:2] {
		if _, err := eng.Approve(ctx, req.UpgradeID, a.id, a.signManifest(t, manifest)); err != nil {
			t.Fatalf("Approve %s: %v", a.id, err)
		}
	}

	// Two approvals are short of the 3-of-5 quorum.
	_, err = eng.Apply(ctx, req.UpgradeID)
	var qe *QuorumError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuorumError, got %v", err)
	}
	if qe.Approvals != 2 || qe.Required != 3 {
		t.Fatalf("quorum counts = %d/%d, want 2/3", qe.Approvals, qe.Required)
	}
	if !errors.Is(err, ErrInsufficientQuorum) {
		t.Fatalf("QuorumError should unwrap to ErrInsufficientQuorum")
	}

	third := approvers[2]
	approved, err := eng.Approve(ctx, req.UpgradeID, third.id, third.signManifest(t, manifest))
	if err != nil {
		t.Fatalf("Approve %s: %v", third.id, err)
	}
	if approved.Status != StatusApproved {
		t.Fatalf("status after quorum = %q, want approved", approved.Status)
	}

	applied, err := eng.Apply(ctx, req.UpgradeID)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied.Status != StatusApplied {
		t.Fatalf("status after apply = %q, want applied", applied.Status)
	}
	if applied.AppliedAt == nil {
		t.Fatalf("appliedAt not set")
	}
	if applied.ManifestSignatureID == "" {
		t.Fatalf("apply must register a kernel manifest signature")
	}
}

func TestApproveRejectsOutsiders(t *testing.T) {
	eng, _, _ := newTestEngine(t, []string{"A", "B"}, 2)
	ctx := context.Background()

	req, err := eng.Submit(ctx, map[string]interface{}{"name": "x"}, "ops")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = eng.Approve(ctx, req.UpgradeID, "mallory", "c2ln")
	if !errors.Is(err, ErrNotApprover) {
		t.Fatalf("expected ErrNotApprover, got %v", err)
	}
}

func TestApproveRejectsDuplicates(t *testing.T) {
	eng, approvers, _ := newTestEngine(t, []string{"A", "B"}, 2)
	ctx := context.Background()

	manifest := map[string]interface{}{"name": "x"}
	req, err := eng.Submit(ctx, manifest, "ops")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	a := approvers[0]
	if _, err := eng.Approve(ctx, req.UpgradeID, a.id, a.signManifest(t, manifest)); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, err = eng.Approve(ctx, req.UpgradeID, a.id, a.signManifest(t, manifest))
	if !errors.Is(err, ErrDuplicateApproval) {
		t.Fatalf("expected ErrDuplicateApproval, got %v", err)
	}
}

func TestApproveRejectsBadSignature(t *testing.T) {
	eng, approvers, _ := newTestEngine(t, []string{"A", "B"}, 2)
	ctx := context.Background()

	manifest := map[string]interface{}{"name": "x"}
	req, err := eng.Submit(ctx, manifest, "ops")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A signs a different manifest than the one submitted.
	a := approvers[0]
	wrong := a.signManifest(t, map[string]interface{}{"name": "tampered"})
	_, err = eng.Approve(ctx, req.UpgradeID, a.id, wrong)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	eng, approvers, _ := newTestEngine(t, []string{"A"}, 1)
	ctx := context.Background()

	manifest := map[string]interface{}{"name": "x"}
	req, err := eng.Submit(ctx, manifest, "ops")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := eng.Reject(ctx, req.UpgradeID, "ops", "superseded"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	a := approvers[0]
	_, err = eng.Approve(ctx, req.UpgradeID, a.id, a.signManifest(t, manifest))
	if !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState after rejection, got %v", err)
	}
	_, err = eng.Apply(ctx, req.UpgradeID)
	if !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState on apply after rejection, got %v", err)
	}
}

// failingAuditor rejects every append so ledger-outage behavior can be
// exercised.
type failingAuditor struct {
	*audit.FileStore
}

func (f *failingAuditor) AppendAuditEvent(ctx context.Context, ev *audit.AuditEvent, s signing.Signer) error {
	return errors.New("ledger unavailable")
}

func TestTransitionsFailWhenAuditAppendFails(t *testing.T) {
	ids := []string{"A"}
	eng, approvers, auditor := newTestEngine(t, ids, 1)
	ctx := context.Background()

	manifest := map[string]interface{}{"name": "x"}
	req, err := eng.Submit(ctx, manifest, "ops")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := eng.Approve(ctx, req.UpgradeID, ids[0], approvers[0].signManifest(t, manifest)); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// Take the ledger away; no transition may report success without its
	// audit event persisted.
	eng.auditor = &failingAuditor{FileStore: auditor}

	if _, err := eng.Submit(ctx, manifest, "ops"); err == nil {
		t.Fatalf("Submit must fail when the audit append fails")
	}
	if _, err := eng.Apply(ctx, req.UpgradeID); err == nil {
		t.Fatalf("Apply must fail when the audit append fails")
	}

	// The ledger returns; the retried apply settles against the committed
	// approvals.
	eng.auditor = auditor
	applied, err := eng.Apply(ctx, req.UpgradeID)
	if err != nil {
		t.Fatalf("Apply after ledger recovery: %v", err)
	}
	if applied.Status != StatusApplied {
		t.Fatalf("status = %q, want %q", applied.Status, StatusApplied)
	}
}

func TestSubmitValidatesSemver(t *testing.T) {
	eng, _, _ := newTestEngine(t, []string{"A"}, 1)

	_, err := eng.Submit(context.Background(), map[string]interface{}{
		"name":    "bad",
		"version": "not-a-version",
	}, "ops")
	if err == nil {
		t.Fatalf("expected semver validation error")
	}
}
